package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleAdmin  = "admin"
	RoleSeller = "seller"
)

const (
	StockStatusInStock    = "IN_STOCK"
	StockStatusLowStock   = "LOW_STOCK"
	StockStatusOutOfStock = "OUT_OF_STOCK"
)

const (
	SaleStatusCompleted = "COMPLETED"
	SaleStatusCancelled = "CANCELLED"
)

const (
	OrderStatusPending        = "PENDING"
	OrderStatusConfirmed      = "CONFIRMED"
	OrderStatusOutForDelivery = "OUT_FOR_DELIVERY"
	OrderStatusDelivered      = "DELIVERED"
	OrderStatusCancelled      = "CANCELLED"
)

type Product struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Category     string          `json:"category"`
	Barcode      string          `json:"barcode,omitempty"`
	Price        decimal.Decimal `json:"price"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	Stock        int             `json:"stock"`
	MinStock     int             `json:"min_stock"`
	StockStatus  string          `json:"stock_status"`
	IsFractioned bool            `json:"is_fractioned"`
	UnitVolumeMl *int            `json:"unit_volume_ml,omitempty"`
	Active       bool            `json:"active"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// StockStatusFor derives the stock badge shown on the dashboard.
func StockStatusFor(stock int, minStock int) string {
	switch {
	case stock <= 0:
		return StockStatusOutOfStock
	case stock <= minStock:
		return StockStatusLowStock
	default:
		return StockStatusInStock
	}
}

type ProductCreateRequest struct {
	Name         string          `json:"name" validate:"required,max=160"`
	Category     string          `json:"category" validate:"required,max=80"`
	Barcode      string          `json:"barcode,omitempty" validate:"max=64"`
	Price        decimal.Decimal `json:"price"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	Stock        int             `json:"stock" validate:"gte=0"`
	MinStock     int             `json:"min_stock" validate:"gte=0"`
	IsFractioned bool            `json:"is_fractioned"`
	UnitVolumeMl *int            `json:"unit_volume_ml,omitempty" validate:"omitempty,gt=0"`
}

type ProductUpdateRequest struct {
	Name         *string          `json:"name,omitempty" validate:"omitempty,max=160"`
	Category     *string          `json:"category,omitempty" validate:"omitempty,max=80"`
	Barcode      *string          `json:"barcode,omitempty" validate:"omitempty,max=64"`
	Price        *decimal.Decimal `json:"price,omitempty"`
	CostPrice    *decimal.Decimal `json:"cost_price,omitempty"`
	MinStock     *int             `json:"min_stock,omitempty" validate:"omitempty,gte=0"`
	IsFractioned *bool            `json:"is_fractioned,omitempty"`
	UnitVolumeMl *int             `json:"unit_volume_ml,omitempty" validate:"omitempty,gt=0"`
	Active       *bool            `json:"active,omitempty"`
}

type ProductFilter struct {
	Search          string
	Category        string
	StockStatus     string
	IncludeInactive bool
	Page            int
	Limit           int
}

type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// NewPagination fills in the page count for a result window.
func NewPagination(page int, limit int, total int) Pagination {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return Pagination{Page: page, Limit: limit, Total: total, Pages: pages}
}

type ProductListResponse struct {
	Products   []Product  `json:"products"`
	Pagination Pagination `json:"pagination"`
}

type StockEntry struct {
	ID            string          `json:"id"`
	ProductID     string          `json:"product_id"`
	Quantity      int             `json:"quantity"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	PreviousStock int             `json:"previous_stock"`
	PreviousCost  decimal.Decimal `json:"previous_cost"`
	NewCost       decimal.Decimal `json:"new_cost"`
	Notes         string          `json:"notes,omitempty"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
}

type StockEntryRequest struct {
	Quantity int             `json:"quantity" validate:"gte=1"`
	UnitCost decimal.Decimal `json:"unit_cost"`
	Notes    string          `json:"notes,omitempty" validate:"max=500"`
}

type StockEntryResponse struct {
	Entry   StockEntry `json:"entry"`
	Product Product    `json:"product"`
}

type Dose struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	ProductID string          `json:"product_id"`
	VolumeMl  int             `json:"volume_ml"`
	Price     decimal.Decimal `json:"price"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type DoseRequest struct {
	Name      string          `json:"name" validate:"required,max=120"`
	ProductID string          `json:"product_id" validate:"required"`
	VolumeMl  int             `json:"volume_ml" validate:"gt=0"`
	Price     decimal.Decimal `json:"price"`
	Active    *bool           `json:"active,omitempty"`
}

type PaymentMethod struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type PaymentMethodCreateRequest struct {
	Name   string `json:"name" validate:"required,max=80"`
	Active *bool  `json:"active,omitempty"`
}

type PaymentMethodUpdateRequest struct {
	Name   *string `json:"name,omitempty" validate:"omitempty,max=80"`
	Active *bool   `json:"active,omitempty"`
}

type OfferItem struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gte=1,lte=1000"`
}

type Offer struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Items       []OfferItem     `json:"items"`
	Active      bool            `json:"active"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type OfferRequest struct {
	Name        string          `json:"name" validate:"required,max=160"`
	Description string          `json:"description,omitempty" validate:"max=500"`
	Price       decimal.Decimal `json:"price"`
	Items       []OfferItem     `json:"items" validate:"required,min=1,dive"`
	Active      *bool           `json:"active,omitempty"`
}

// ProductRef is the product as seen from a line item at read time. A nil
// reference means the product no longer exists.
type ProductRef struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	IsFractioned bool   `json:"is_fractioned"`
	UnitVolumeMl *int   `json:"unit_volume_ml,omitempty"`
}

// LineItem is shared by sales and orders. Quantity is in units for regular
// products, in ml for dose lines and equals the bottle volume for fractioned
// products sold whole. Price is the recorded line total.
type LineItem struct {
	ID         string          `json:"id"`
	ProductID  string          `json:"product_id,omitempty"`
	Product    *ProductRef     `json:"product,omitempty"`
	Quantity   int             `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	CostPrice  decimal.Decimal `json:"cost_price"`
	IsDoseItem bool            `json:"is_dose_item"`
	DoseID     string          `json:"dose_id,omitempty"`
	OfferID    string          `json:"offer_id,omitempty"`
}

// IsDose reports whether the line is a partial-bottle pour. Orders only carry
// the dose reference.
func (l LineItem) IsDose() bool {
	return l.IsDoseItem || l.DoseID != ""
}

// ItemRequest selects exactly one of product, dose or offer.
type ItemRequest struct {
	ProductID string `json:"product_id,omitempty"`
	DoseID    string `json:"dose_id,omitempty"`
	OfferID   string `json:"offer_id,omitempty"`
	Quantity  int    `json:"quantity" validate:"gte=1,lte=1000"`
}

type Sale struct {
	ID              string          `json:"id"`
	SellerUsername  string          `json:"seller_username"`
	PaymentMethodID string          `json:"payment_method_id,omitempty"`
	Status          string          `json:"status"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	Discount        decimal.Decimal `json:"discount"`
	Total           decimal.Decimal `json:"total"`
	Items           []LineItem      `json:"items"`
	CancelReason    string          `json:"cancel_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	CancelledAt     *time.Time      `json:"cancelled_at,omitempty"`
}

type SaleCreateRequest struct {
	PaymentMethodID string          `json:"payment_method_id" validate:"required"`
	Discount        decimal.Decimal `json:"discount"`
	Items           []ItemRequest   `json:"items" validate:"required,min=1,dive"`
}

type SaleCancelRequest struct {
	Reason     string `json:"reason" validate:"required,max=300"`
	ManagerPIN string `json:"manager_pin,omitempty"`
}

type SaleFilter struct {
	SellerUsername string
	Status         string
	Page           int
	Limit          int
}

type SaleListResponse struct {
	Sales      []Sale     `json:"sales"`
	Pagination Pagination `json:"pagination"`
}

type Order struct {
	ID            string          `json:"id"`
	CustomerName  string          `json:"customer_name"`
	CustomerPhone string          `json:"customer_phone,omitempty"`
	Address       string          `json:"address"`
	Status        string          `json:"status"`
	DeliveryFee   decimal.Decimal `json:"delivery_fee"`
	Total         decimal.Decimal `json:"total"`
	Items         []LineItem      `json:"items"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type OrderCreateRequest struct {
	CustomerName  string          `json:"customer_name" validate:"required,max=160"`
	CustomerPhone string          `json:"customer_phone,omitempty" validate:"max=32"`
	Address       string          `json:"address" validate:"required,max=300"`
	DeliveryFee   decimal.Decimal `json:"delivery_fee"`
	Items         []ItemRequest   `json:"items" validate:"required,min=1,dive"`
}

type OrderStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

type OrderFilter struct {
	Status string
	Limit  int
}

type Expense struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Category    string          `json:"category,omitempty"`
	Value       decimal.Decimal `json:"value"`
	DueDate     *time.Time      `json:"due_date,omitempty"`
	Paid        bool            `json:"paid"`
	CreatedBy   string          `json:"created_by"`
	CreatedAt   time.Time       `json:"created_at"`
}

type ExpenseCreateRequest struct {
	Description string          `json:"description" validate:"required,max=300"`
	Category    string          `json:"category,omitempty" validate:"max=80"`
	Value       decimal.Decimal `json:"value"`
	DueDate     string          `json:"due_date,omitempty"`
	Paid        bool            `json:"paid"`
}

// DateRange is a half-open [From, To) window on created_at. A nil bound is
// unbounded on that side.
type DateRange struct {
	From *time.Time
	To   *time.Time
}

// Contains reports whether t falls inside the window.
func (r DateRange) Contains(t time.Time) bool {
	if r.From != nil && t.Before(*r.From) {
		return false
	}
	if r.To != nil && !t.Before(*r.To) {
		return false
	}
	return true
}

type FinanceReport struct {
	TotalSales    float64 `json:"total_sales"`
	TotalCost     float64 `json:"total_cost"`
	GrossProfit   float64 `json:"gross_profit"`
	TotalExpenses float64 `json:"total_expenses"`
	NetProfit     float64 `json:"net_profit"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type UserAccount struct {
	Username  string    `json:"username"`
	Name      string    `json:"name"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type SellerCreateRequest struct {
	Username string `json:"username"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type SellerUser struct {
	Username  string    `json:"username"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
