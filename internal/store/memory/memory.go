package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"adega/backend/internal/domain"
	"adega/backend/internal/finance"
	"adega/backend/internal/store"
	"adega/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	stockEntries    map[string][]domain.StockEntry
	doses           map[string]domain.Dose
	paymentMethods  map[string]domain.PaymentMethod
	offers          map[string]domain.Offer
	salesByID       map[string]*domain.Sale
	ordersByID      map[string]*domain.Order
	expenses        []domain.Expense
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the demo accounts used when no database is configured.
// Passwords come from SEED_ADMIN_PASSWORD and SEED_SELLER_PASSWORD and fall
// back to dev defaults with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	sellerPwd := envOr("SEED_SELLER_PASSWORD", "seller123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_SELLER_PASSWORD") == "" {
		zap.L().Warn("memory store using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_SELLER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		name     string
		password string
		role     string
	}{
		{"admin", "Administrador", adminPwd, domain.RoleAdmin},
		{"seller", "Vendedor", sellerPwd, domain.RoleSeller},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			zap.L().Fatal("hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Name:      u.name,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func money(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func volume(ml int) *int {
	return &ml
}

func NewSeeded() *Store {
	now := time.Now().UTC()
	products := []domain.Product{
		{ID: "prod-whisky-1l", Name: "Whisky Red Label 1L", Category: "destilados", Barcode: "5000267014005", Price: money("129.90"), CostPrice: money("89.90"), Stock: 12, MinStock: 3, IsFractioned: true, UnitVolumeMl: volume(1000)},
		{ID: "prod-vodka-750", Name: "Vodka Absolut 750ml", Category: "destilados", Barcode: "7312040017034", Price: money("99.90"), CostPrice: money("62.00"), Stock: 8, MinStock: 2, IsFractioned: true, UnitVolumeMl: volume(750)},
		{ID: "prod-gin-750", Name: "Gin Tanqueray 750ml", Category: "destilados", Barcode: "5000291020706", Price: money("159.90"), CostPrice: money("104.50"), Stock: 2, MinStock: 3, IsFractioned: true, UnitVolumeMl: volume(750)},
		{ID: "prod-beer-350", Name: "Cerveja Heineken Lata 350ml", Category: "cervejas", Barcode: "7896045506873", Price: money("6.50"), CostPrice: money("3.90"), Stock: 240, MinStock: 48},
		{ID: "prod-coke-2l", Name: "Refrigerante Coca-Cola 2L", Category: "refrigerantes", Barcode: "7894900027013", Price: money("12.00"), CostPrice: money("7.50"), Stock: 60, MinStock: 12},
		{ID: "prod-ice-5kg", Name: "Gelo 5kg", Category: "conveniencia", Price: money("15.00"), CostPrice: money("6.00"), Stock: 20, MinStock: 5},
		{ID: "prod-energy-473", Name: "Energetico Red Bull 473ml", Category: "refrigerantes", Barcode: "9002490214852", Price: money("14.90"), CostPrice: money("9.20"), Stock: 0, MinStock: 6},
	}
	productMap := make(map[string]domain.Product, len(products))
	for _, p := range products {
		p.Active = true
		p.StockStatus = domain.StockStatusFor(p.Stock, p.MinStock)
		p.CreatedAt = now
		p.UpdatedAt = now
		productMap[p.ID] = p
	}

	doses := map[string]domain.Dose{}
	for _, d := range []domain.Dose{
		{ID: "dose-whisky-50", Name: "Dose Whisky 50ml", ProductID: "prod-whisky-1l", VolumeMl: 50, Price: money("12.00")},
		{ID: "dose-vodka-50", Name: "Dose Vodka 50ml", ProductID: "prod-vodka-750", VolumeMl: 50, Price: money("9.00")},
		{ID: "dose-gin-60", Name: "Dose Gin 60ml", ProductID: "prod-gin-750", VolumeMl: 60, Price: money("16.00")},
	} {
		d.Active = true
		d.CreatedAt = now
		d.UpdatedAt = now
		doses[d.ID] = d
	}

	methods := map[string]domain.PaymentMethod{}
	for _, m := range []domain.PaymentMethod{
		{ID: "pm-cash", Name: "Dinheiro"},
		{ID: "pm-pix", Name: "PIX"},
		{ID: "pm-credit", Name: "Cartão de Crédito"},
		{ID: "pm-debit", Name: "Cartão de Débito"},
	} {
		m.Active = true
		m.CreatedAt = now
		m.UpdatedAt = now
		methods[m.ID] = m
	}

	offers := map[string]domain.Offer{
		"offer-whisky-ice": {
			ID:          "offer-whisky-ice",
			Name:        "Combo Whisky + Gelo",
			Description: "Whisky Red Label 1L com dois sacos de gelo",
			Price:       money("149.90"),
			Items: []domain.OfferItem{
				{ProductID: "prod-whisky-1l", Quantity: 1},
				{ProductID: "prod-ice-5kg", Quantity: 2},
			},
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}

	return &Store{
		products:        productMap,
		stockEntries:    make(map[string][]domain.StockEntry),
		doses:           doses,
		paymentMethods:  methods,
		offers:          offers,
		salesByID:       make(map[string]*domain.Sale),
		ordersByID:      make(map[string]*domain.Order),
		expenses:        make([]domain.Expense, 0, 32),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers(),
	}
}

func (s *Store) ListProducts(_ context.Context, filter domain.ProductFilter) ([]domain.Product, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active && !filter.IncludeInactive {
			continue
		}
		if filter.Category != "" && !strings.EqualFold(p.Category, filter.Category) {
			continue
		}
		if filter.StockStatus != "" && p.StockStatus != filter.StockStatus {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(p.Name), search) && !strings.Contains(strings.ToLower(p.Barcode), search) {
			continue
		}
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Category, b.Category)
	})

	total := len(products)
	return paginate(products, filter.Page, filter.Limit), total, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(product.Name) == "" || strings.TrimSpace(product.Category) == "" {
		return nil, store.ErrInvalidInput
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrConflict
	}
	if s.barcodeTaken(product.Barcode, product.ID) {
		return nil, store.ErrConflict
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	product.StockStatus = domain.StockStatusFor(product.Stock, product.MinStock)
	s.products[product.ID] = product
	return &product, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.products[product.ID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if strings.TrimSpace(product.Name) == "" || strings.TrimSpace(product.Category) == "" {
		return nil, store.ErrInvalidInput
	}
	if s.barcodeTaken(product.Barcode, product.ID) {
		return nil, store.ErrConflict
	}
	product.Stock = current.Stock
	product.CreatedAt = current.CreatedAt
	product.UpdatedAt = time.Now().UTC()
	product.StockStatus = domain.StockStatusFor(product.Stock, product.MinStock)
	s.products[product.ID] = product
	return &product, nil
}

// DeleteProduct removes the product and everything that cannot exist without
// it (doses, offer components). Sale and order lines keep their product id but
// resolve to a nil product from then on.
func (s *Store) DeleteProduct(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[id]; !exists {
		return store.ErrNotFound
	}
	delete(s.products, id)
	delete(s.stockEntries, id)
	for doseID, dose := range s.doses {
		if dose.ProductID == id {
			delete(s.doses, doseID)
		}
	}
	for offerID, offer := range s.offers {
		kept := slices.DeleteFunc(slices.Clone(offer.Items), func(item domain.OfferItem) bool {
			return item.ProductID == id
		})
		if len(kept) != len(offer.Items) {
			offer.Items = kept
			s.offers[offerID] = offer
		}
	}
	return nil
}

func (s *Store) barcodeTaken(barcode string, exceptID string) bool {
	if barcode == "" {
		return false
	}
	for _, p := range s.products {
		if p.ID != exceptID && p.Barcode == barcode {
			return true
		}
	}
	return false
}

func (s *Store) CreateStockEntry(_ context.Context, entry domain.StockEntry) (*domain.StockEntry, *domain.Product, error) {
	if entry.Quantity < 1 || entry.UnitCost.IsNegative() {
		return nil, nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.products[entry.ProductID]
	if !exists {
		return nil, nil, store.ErrNotFound
	}

	if entry.ID == "" {
		entry.ID = xid.New("stk")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.PreviousStock = product.Stock
	entry.PreviousCost = product.CostPrice
	entry.NewCost = finance.WeightedAverageCost(product.CostPrice, product.Stock, entry.UnitCost, entry.Quantity)

	product.Stock += entry.Quantity
	product.CostPrice = entry.NewCost
	product.StockStatus = domain.StockStatusFor(product.Stock, product.MinStock)
	product.UpdatedAt = entry.CreatedAt
	s.products[product.ID] = product
	s.stockEntries[product.ID] = append(s.stockEntries[product.ID], entry)

	return &entry, &product, nil
}

func (s *Store) ListStockEntries(_ context.Context, productID string, limit int) ([]domain.StockEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.products[productID]; !exists {
		return nil, store.ErrNotFound
	}
	result := slices.Clone(s.stockEntries[productID])
	slices.SortFunc(result, func(a, b domain.StockEntry) int {
		return newestFirst(a.CreatedAt, b.CreatedAt, a.ID, b.ID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	if result == nil {
		result = []domain.StockEntry{}
	}
	return result, nil
}

func (s *Store) ListDoses(_ context.Context) ([]domain.Dose, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doses := make([]domain.Dose, 0, len(s.doses))
	for _, d := range s.doses {
		doses = append(doses, d)
	}
	slices.SortFunc(doses, func(a, b domain.Dose) int {
		return strings.Compare(a.Name, b.Name)
	})
	return doses, nil
}

func (s *Store) GetDose(_ context.Context, id string) (*domain.Dose, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dose, exists := s.doses[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &dose, nil
}

func (s *Store) CreateDose(_ context.Context, dose domain.Dose) (*domain.Dose, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkDose(dose); err != nil {
		return nil, err
	}
	if dose.ID == "" {
		dose.ID = xid.New("dose")
	}
	now := time.Now().UTC()
	dose.CreatedAt = now
	dose.UpdatedAt = now
	s.doses[dose.ID] = dose
	return &dose, nil
}

func (s *Store) UpdateDose(_ context.Context, dose domain.Dose) (*domain.Dose, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.doses[dose.ID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if err := s.checkDose(dose); err != nil {
		return nil, err
	}
	dose.CreatedAt = current.CreatedAt
	dose.UpdatedAt = time.Now().UTC()
	s.doses[dose.ID] = dose
	return &dose, nil
}

func (s *Store) checkDose(dose domain.Dose) error {
	if strings.TrimSpace(dose.Name) == "" || dose.VolumeMl < 1 {
		return store.ErrInvalidInput
	}
	if _, exists := s.products[dose.ProductID]; !exists {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteDose(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.doses[id]; !exists {
		return store.ErrNotFound
	}
	delete(s.doses, id)
	return nil
}

func (s *Store) ListPaymentMethods(_ context.Context) ([]domain.PaymentMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	methods := make([]domain.PaymentMethod, 0, len(s.paymentMethods))
	for _, m := range s.paymentMethods {
		methods = append(methods, m)
	}
	slices.SortFunc(methods, func(a, b domain.PaymentMethod) int {
		return strings.Compare(a.Name, b.Name)
	})
	return methods, nil
}

func (s *Store) GetPaymentMethod(_ context.Context, id string) (*domain.PaymentMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	method, exists := s.paymentMethods[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &method, nil
}

func (s *Store) CreatePaymentMethod(_ context.Context, method domain.PaymentMethod) (*domain.PaymentMethod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	method.Name = strings.TrimSpace(method.Name)
	if method.Name == "" {
		return nil, store.ErrInvalidInput
	}
	if s.paymentNameTaken(method.Name, "") {
		return nil, store.ErrConflict
	}
	if method.ID == "" {
		method.ID = xid.New("pm")
	}
	now := time.Now().UTC()
	method.CreatedAt = now
	method.UpdatedAt = now
	s.paymentMethods[method.ID] = method
	return &method, nil
}

func (s *Store) UpdatePaymentMethod(_ context.Context, method domain.PaymentMethod) (*domain.PaymentMethod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.paymentMethods[method.ID]
	if !exists {
		return nil, store.ErrNotFound
	}
	method.Name = strings.TrimSpace(method.Name)
	if method.Name == "" {
		return nil, store.ErrInvalidInput
	}
	if s.paymentNameTaken(method.Name, method.ID) {
		return nil, store.ErrConflict
	}
	method.CreatedAt = current.CreatedAt
	method.UpdatedAt = time.Now().UTC()
	s.paymentMethods[method.ID] = method
	return &method, nil
}

func (s *Store) paymentNameTaken(name string, exceptID string) bool {
	for _, m := range s.paymentMethods {
		if m.ID != exceptID && m.Name == name {
			return true
		}
	}
	return false
}

func (s *Store) DeletePaymentMethod(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.paymentMethods[id]; !exists {
		return store.ErrNotFound
	}
	delete(s.paymentMethods, id)
	return nil
}

func (s *Store) ListOffers(_ context.Context) ([]domain.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	offers := make([]domain.Offer, 0, len(s.offers))
	for _, o := range s.offers {
		offers = append(offers, cloneOffer(o))
	}
	slices.SortFunc(offers, func(a, b domain.Offer) int {
		return newestFirst(a.CreatedAt, b.CreatedAt, a.ID, b.ID)
	})
	return offers, nil
}

func (s *Store) GetOffer(_ context.Context, id string) (*domain.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	offer, exists := s.offers[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyOffer := cloneOffer(offer)
	return &copyOffer, nil
}

func (s *Store) CreateOffer(_ context.Context, offer domain.Offer) (*domain.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOffer(offer); err != nil {
		return nil, err
	}
	if offer.ID == "" {
		offer.ID = xid.New("offer")
	}
	now := time.Now().UTC()
	offer.CreatedAt = now
	offer.UpdatedAt = now
	s.offers[offer.ID] = cloneOffer(offer)
	return &offer, nil
}

func (s *Store) UpdateOffer(_ context.Context, offer domain.Offer) (*domain.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.offers[offer.ID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if err := s.checkOffer(offer); err != nil {
		return nil, err
	}
	offer.CreatedAt = current.CreatedAt
	offer.UpdatedAt = time.Now().UTC()
	s.offers[offer.ID] = cloneOffer(offer)
	return &offer, nil
}

func (s *Store) checkOffer(offer domain.Offer) error {
	if strings.TrimSpace(offer.Name) == "" || len(offer.Items) == 0 {
		return store.ErrInvalidInput
	}
	for _, item := range offer.Items {
		if item.Quantity < 1 {
			return store.ErrInvalidInput
		}
		if _, exists := s.products[item.ProductID]; !exists {
			return store.ErrNotFound
		}
	}
	return nil
}

func (s *Store) DeleteOffer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.offers[id]; !exists {
		return store.ErrNotFound
	}
	delete(s.offers, id)
	return nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale, moves []store.StockMove) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.applyMoves(moves); err != nil {
		return nil, err
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	if sale.Status == "" {
		sale.Status = domain.SaleStatusCompleted
	}
	sale.Items = stampItems(sale.Items)

	stored := cloneSale(&sale)
	s.salesByID[sale.ID] = stored
	return s.resolveSale(stored), nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.resolveSale(sale), nil
}

func (s *Store) ListSales(_ context.Context, filter domain.SaleFilter) ([]domain.Sale, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, len(s.salesByID))
	for _, sale := range s.salesByID {
		if filter.SellerUsername != "" && sale.SellerUsername != filter.SellerUsername {
			continue
		}
		if filter.Status != "" && sale.Status != filter.Status {
			continue
		}
		sales = append(sales, *s.resolveSale(sale))
	}
	slices.SortFunc(sales, func(a, b domain.Sale) int {
		return newestFirst(a.CreatedAt, b.CreatedAt, a.ID, b.ID)
	})

	total := len(sales)
	return paginate(sales, filter.Page, filter.Limit), total, nil
}

func (s *Store) CancelSale(_ context.Context, id string, reason string, at time.Time, moves []store.StockMove) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusCompleted {
		return nil, store.ErrConflict
	}
	if err := s.applyMoves(moves); err != nil {
		return nil, err
	}

	sale.Status = domain.SaleStatusCancelled
	sale.CancelReason = reason
	sale.CancelledAt = &at
	return s.resolveSale(sale), nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order, moves []store.StockMove) (*domain.Order, error) {
	if len(order.Items) == 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.applyMoves(moves); err != nil {
		return nil, err
	}
	if order.ID == "" {
		order.ID = xid.New("order")
	}
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = order.CreatedAt
	if order.Status == "" {
		order.Status = domain.OrderStatusPending
	}
	order.Items = stampItems(order.Items)

	stored := cloneOrder(&order)
	s.ordersByID[order.ID] = stored
	return s.resolveOrder(stored), nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.ordersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.resolveOrder(order), nil
}

func (s *Store) ListOrders(_ context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]domain.Order, 0, len(s.ordersByID))
	for _, order := range s.ordersByID {
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		orders = append(orders, *s.resolveOrder(order))
	}
	slices.SortFunc(orders, func(a, b domain.Order) int {
		return newestFirst(a.CreatedAt, b.CreatedAt, a.ID, b.ID)
	})
	if filter.Limit > 0 && len(orders) > filter.Limit {
		orders = orders[:filter.Limit]
	}
	return orders, nil
}

// UpdateOrderStatus moves the order from one status to another. The move only
// happens while the order is still in from, so concurrent transitions cannot
// both win.
func (s *Store) UpdateOrderStatus(_ context.Context, id string, from string, to string, at time.Time, moves []store.StockMove) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if order.Status != from {
		return nil, store.ErrConflict
	}
	if err := s.applyMoves(moves); err != nil {
		return nil, err
	}
	order.Status = to
	order.UpdatedAt = at
	return s.resolveOrder(order), nil
}

func (s *Store) CreateExpense(_ context.Context, expense domain.Expense) (*domain.Expense, error) {
	if strings.TrimSpace(expense.Description) == "" || expense.Value.IsNegative() {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if expense.ID == "" {
		expense.ID = xid.New("exp")
	}
	if expense.CreatedAt.IsZero() {
		expense.CreatedAt = time.Now().UTC()
	}
	s.expenses = append(s.expenses, expense)
	return &expense, nil
}

func (s *Store) ListExpenses(_ context.Context, window domain.DateRange) ([]domain.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Expense, 0, len(s.expenses))
	for _, e := range s.expenses {
		if window.Contains(e.CreatedAt) {
			result = append(result, e)
		}
	}
	slices.SortFunc(result, func(a, b domain.Expense) int {
		return newestFirst(a.CreatedAt, b.CreatedAt, a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) ListCompletedSales(_ context.Context, window domain.DateRange) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, len(s.salesByID))
	for _, sale := range s.salesByID {
		if sale.Status != domain.SaleStatusCompleted || !window.Contains(sale.CreatedAt) {
			continue
		}
		result = append(result, *s.resolveSale(sale))
	}
	slices.SortFunc(result, func(a, b domain.Sale) int {
		return strings.Compare(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) ListDeliveredOrders(_ context.Context, window domain.DateRange) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Order, 0, len(s.ordersByID))
	for _, order := range s.ordersByID {
		if order.Status != domain.OrderStatusDelivered || !window.Contains(order.CreatedAt) {
			continue
		}
		result = append(result, *s.resolveOrder(order))
	}
	slices.SortFunc(result, func(a, b domain.Order) int {
		return strings.Compare(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		return newestFirst(a.CreatedAt, b.CreatedAt, a.ID, b.ID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleSeller
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// applyMoves checks every move before touching stock so a failed sale leaves
// the catalog unchanged. Restocking a product that no longer exists is a no-op.
func (s *Store) applyMoves(moves []store.StockMove) error {
	net := make(map[string]int, len(moves))
	for _, m := range moves {
		net[m.ProductID] += m.Delta
	}
	for productID, delta := range net {
		product, exists := s.products[productID]
		if !exists {
			if delta < 0 {
				return store.ErrNotFound
			}
			continue
		}
		if product.Stock+delta < 0 {
			return store.ErrInsufficientStock
		}
	}

	now := time.Now().UTC()
	for productID, delta := range net {
		product, exists := s.products[productID]
		if !exists || delta == 0 {
			continue
		}
		product.Stock += delta
		product.StockStatus = domain.StockStatusFor(product.Stock, product.MinStock)
		product.UpdatedAt = now
		s.products[productID] = product
	}
	return nil
}

func (s *Store) productRef(productID string) *domain.ProductRef {
	product, exists := s.products[productID]
	if !exists {
		return nil
	}
	return &domain.ProductRef{
		ID:           product.ID,
		Name:         product.Name,
		IsFractioned: product.IsFractioned,
		UnitVolumeMl: product.UnitVolumeMl,
	}
}

func (s *Store) resolveItems(items []domain.LineItem) []domain.LineItem {
	resolved := make([]domain.LineItem, len(items))
	for i, item := range items {
		item.Product = s.productRef(item.ProductID)
		resolved[i] = item
	}
	return resolved
}

func (s *Store) resolveSale(src *domain.Sale) *domain.Sale {
	dst := cloneSale(src)
	dst.Items = s.resolveItems(src.Items)
	return dst
}

func (s *Store) resolveOrder(src *domain.Order) *domain.Order {
	dst := cloneOrder(src)
	dst.Items = s.resolveItems(src.Items)
	return dst
}

func stampItems(items []domain.LineItem) []domain.LineItem {
	stamped := make([]domain.LineItem, len(items))
	for i, item := range items {
		if item.ID == "" {
			item.ID = xid.New("item")
		}
		item.Product = nil
		stamped[i] = item
	}
	return stamped
}

func paginate[T any](items []T, page int, limit int) []T {
	if limit <= 0 {
		return items
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(items) {
		return []T{}
	}
	end := min(start+limit, len(items))
	return items[start:end]
}

func newestFirst(a time.Time, b time.Time, aID string, bID string) int {
	if a.Equal(b) {
		return strings.Compare(bID, aID)
	}
	if a.After(b) {
		return -1
	}
	return 1
}


func cloneSale(src *domain.Sale) *domain.Sale {
	dst := *src
	dst.Items = slices.Clone(src.Items)
	if src.CancelledAt != nil {
		at := *src.CancelledAt
		dst.CancelledAt = &at
	}
	return &dst
}

func cloneOrder(src *domain.Order) *domain.Order {
	dst := *src
	dst.Items = slices.Clone(src.Items)
	return &dst
}

func cloneOffer(src domain.Offer) domain.Offer {
	dst := src
	dst.Items = slices.Clone(src.Items)
	return dst
}
