package store

import (
	"context"
	"errors"
	"time"

	"adega/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrConflict          = errors.New("conflict")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// StockMove adjusts a product's unit stock by Delta (negative to consume).
type StockMove struct {
	ProductID string
	Delta     int
}

type Repository interface {
	ListProducts(ctx context.Context, filter domain.ProductFilter) ([]domain.Product, int, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeleteProduct(ctx context.Context, id string) error

	CreateStockEntry(ctx context.Context, entry domain.StockEntry) (*domain.StockEntry, *domain.Product, error)
	ListStockEntries(ctx context.Context, productID string, limit int) ([]domain.StockEntry, error)

	ListDoses(ctx context.Context) ([]domain.Dose, error)
	GetDose(ctx context.Context, id string) (*domain.Dose, error)
	CreateDose(ctx context.Context, dose domain.Dose) (*domain.Dose, error)
	UpdateDose(ctx context.Context, dose domain.Dose) (*domain.Dose, error)
	DeleteDose(ctx context.Context, id string) error

	ListPaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error)
	GetPaymentMethod(ctx context.Context, id string) (*domain.PaymentMethod, error)
	CreatePaymentMethod(ctx context.Context, method domain.PaymentMethod) (*domain.PaymentMethod, error)
	UpdatePaymentMethod(ctx context.Context, method domain.PaymentMethod) (*domain.PaymentMethod, error)
	DeletePaymentMethod(ctx context.Context, id string) error

	ListOffers(ctx context.Context) ([]domain.Offer, error)
	GetOffer(ctx context.Context, id string) (*domain.Offer, error)
	CreateOffer(ctx context.Context, offer domain.Offer) (*domain.Offer, error)
	UpdateOffer(ctx context.Context, offer domain.Offer) (*domain.Offer, error)
	DeleteOffer(ctx context.Context, id string) error

	// CreateSale persists the sale and applies the stock moves atomically.
	CreateSale(ctx context.Context, sale domain.Sale, moves []StockMove) (*domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, int, error)
	CancelSale(ctx context.Context, id string, reason string, at time.Time, moves []StockMove) (*domain.Sale, error)

	CreateOrder(ctx context.Context, order domain.Order, moves []StockMove) (*domain.Order, error)
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, from string, to string, at time.Time, moves []StockMove) (*domain.Order, error)

	CreateExpense(ctx context.Context, expense domain.Expense) (*domain.Expense, error)
	ListExpenses(ctx context.Context, window domain.DateRange) ([]domain.Expense, error)

	// ListCompletedSales and ListDeliveredOrders feed the finance report. Line
	// items carry the live product reference, nil when the product is gone.
	ListCompletedSales(ctx context.Context, window domain.DateRange) ([]domain.Sale, error)
	ListDeliveredOrders(ctx context.Context, window domain.DateRange) ([]domain.Order, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
