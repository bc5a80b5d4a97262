package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adega/backend/internal/domain"
	"adega/backend/internal/finance"
	"adega/backend/internal/store"
	"adega/backend/internal/store/memory"
)

func newTestService() *Service {
	return New(memory.NewSeeded(), nil, 0, nil)
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
}

func sellerCtx(username string) context.Context {
	return WithActor(context.Background(), domain.Actor{Username: username, Role: domain.RoleSeller})
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func stockOf(t *testing.T, svc *Service, id string) int {
	t.Helper()
	p, err := svc.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

func TestCreateSaleResolvesProductDoseAndOfferLines(t *testing.T) {
	svc := newTestService()
	ctx := sellerCtx("seller")

	sale, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		PaymentMethodID: "pm-pix",
		Discount:        dec("6.90"),
		Items: []domain.ItemRequest{
			{ProductID: "prod-beer-350", Quantity: 2},
			{DoseID: "dose-whisky-50", Quantity: 2},
			{OfferID: "offer-whisky-ice", Quantity: 1},
		},
	})
	require.NoError(t, err)
	require.Len(t, sale.Items, 4)

	beer, dose, whisky, ice := sale.Items[0], sale.Items[1], sale.Items[2], sale.Items[3]
	assert.Equal(t, 2, beer.Quantity)
	assert.True(t, dec("13").Equal(beer.Price))

	assert.True(t, dose.IsDoseItem)
	assert.Equal(t, "dose-whisky-50", dose.DoseID)
	assert.Equal(t, 100, dose.Quantity)
	assert.True(t, dec("24").Equal(dose.Price))
	assert.True(t, dec("89.90").Equal(dose.CostPrice))

	assert.Equal(t, "offer-whisky-ice", whisky.OfferID)
	assert.Equal(t, 1000, whisky.Quantity)
	assert.True(t, dec("149.90").Equal(whisky.Price))
	assert.Equal(t, "offer-whisky-ice", ice.OfferID)
	assert.Equal(t, 2, ice.Quantity)
	assert.True(t, ice.Price.IsZero())

	assert.True(t, dec("186.90").Equal(sale.Subtotal), "subtotal %s", sale.Subtotal)
	assert.True(t, dec("180").Equal(sale.Total), "total %s", sale.Total)
	assert.Equal(t, domain.SaleStatusCompleted, sale.Status)
	assert.Equal(t, "seller", sale.SellerUsername)

	assert.Equal(t, 238, stockOf(t, svc, "prod-beer-350"))
	assert.Equal(t, 11, stockOf(t, svc, "prod-whisky-1l"), "doses must not move bottle stock")
	assert.Equal(t, 18, stockOf(t, svc, "prod-ice-5kg"))
}

func TestFinanceReportReconcilesSalesOrdersAndExpenses(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	_, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		PaymentMethodID: "pm-cash",
		Items: []domain.ItemRequest{
			{ProductID: "prod-beer-350", Quantity: 2},
			{DoseID: "dose-whisky-50", Quantity: 2},
			{OfferID: "offer-whisky-ice", Quantity: 1},
		},
	})
	require.NoError(t, err)

	order, err := svc.CreateOrder(ctx, domain.OrderCreateRequest{
		CustomerName: "Ana",
		Address:      "Rua das Flores, 10",
		DeliveryFee:  dec("5"),
		Items:        []domain.ItemRequest{{ProductID: "prod-beer-350", Quantity: 4}},
	})
	require.NoError(t, err)
	for _, status := range []string{domain.OrderStatusConfirmed, domain.OrderStatusOutForDelivery, domain.OrderStatusDelivered} {
		_, err = svc.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusRequest{Status: status})
		require.NoError(t, err)
	}

	_, err = svc.CreateExpense(ctx, domain.ExpenseCreateRequest{Description: "Aluguel", Value: dec("50")})
	require.NoError(t, err)

	report, err := svc.FinanceReport(ctx, "", "")
	require.NoError(t, err)
	// sale: 13 + 24 + 149.90 + 0 revenue; 7.80 + 8.99 + 89.90 + 12 cost
	// order: 26 revenue; 15.60 cost
	assert.Equal(t, 212.90, report.TotalSales)
	assert.Equal(t, 134.29, report.TotalCost)
	assert.Equal(t, 78.61, report.GrossProfit)
	assert.Equal(t, 50.0, report.TotalExpenses)
	assert.Equal(t, 28.61, report.NetProfit)
}

func TestCreateSaleSplitsWholeBottlesPerLine(t *testing.T) {
	svc := newTestService()
	ctx := sellerCtx("seller")

	sale, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		PaymentMethodID: "pm-debit",
		Items:           []domain.ItemRequest{{ProductID: "prod-vodka-750", Quantity: 2}},
	})
	require.NoError(t, err)
	require.Len(t, sale.Items, 2)
	for _, line := range sale.Items {
		assert.Equal(t, 750, line.Quantity)
		assert.True(t, dec("99.90").Equal(line.Price))
		assert.False(t, line.IsDose())
	}
	assert.Equal(t, 6, stockOf(t, svc, "prod-vodka-750"))

	report, err := svc.FinanceReport(adminCtx(), "", "")
	require.NoError(t, err)
	assert.Equal(t, 199.80, report.TotalSales)
	assert.Equal(t, 124.0, report.TotalCost)
}

func TestCreateSaleInsufficientStockLeavesCatalogUntouched(t *testing.T) {
	svc := newTestService()

	_, err := svc.CreateSale(sellerCtx("seller"), domain.SaleCreateRequest{
		PaymentMethodID: "pm-cash",
		Items: []domain.ItemRequest{
			{ProductID: "prod-beer-350", Quantity: 6},
			{ProductID: "prod-energy-473", Quantity: 1},
		},
	})
	assert.ErrorIs(t, err, store.ErrInsufficientStock)
	assert.Equal(t, 240, stockOf(t, svc, "prod-beer-350"))
}

func TestCreateSaleBoundsQuantities(t *testing.T) {
	svc := newTestService()
	ctx := sellerCtx("seller")

	assert.NotPanics(t, func() {
		_, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
			PaymentMethodID: "pm-pix",
			Items:           []domain.ItemRequest{{ProductID: "prod-whisky-1l", Quantity: 1 << 55}},
		})
		assert.ErrorIs(t, err, store.ErrInvalidInput)
	})

	_, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		PaymentMethodID: "pm-pix",
		Items:           []domain.ItemRequest{{ProductID: "prod-whisky-1l", Quantity: 1000}},
	})
	assert.ErrorIs(t, err, store.ErrInsufficientStock)
	assert.Equal(t, 12, stockOf(t, svc, "prod-whisky-1l"))

	_, err = svc.CreateSale(ctx, domain.SaleCreateRequest{
		PaymentMethodID: "pm-pix",
		Items:           []domain.ItemRequest{{OfferID: "offer-whisky-ice", Quantity: 1000}},
	})
	assert.ErrorIs(t, err, store.ErrInsufficientStock)

	sale, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		PaymentMethodID: "pm-pix",
		Items:           []domain.ItemRequest{{DoseID: "dose-whisky-50", Quantity: 1000}},
	})
	require.NoError(t, err)
	require.Len(t, sale.Items, 1)
	assert.Equal(t, 50000, sale.Items[0].Quantity)

	_, err = svc.CreateOffer(adminCtx(), domain.OfferRequest{
		Name:  "Caixa gigante",
		Price: dec("10"),
		Items: []domain.OfferItem{{ProductID: "prod-beer-350", Quantity: 1001}},
	})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestMulQuantityRejectsOverflow(t *testing.T) {
	got, err := mulQuantity(50, 3)
	require.NoError(t, err)
	assert.Equal(t, 150, got)

	_, err = mulQuantity(math.MaxInt32, 2)
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	_, err = mulQuantity(-50, 3)
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestCreateSaleRejectsBadInput(t *testing.T) {
	svc := newTestService()
	ctx := sellerCtx("seller")

	inactive := false
	method, err := svc.CreatePaymentMethod(adminCtx(), domain.PaymentMethodCreateRequest{Name: "Vale", Active: &inactive})
	require.NoError(t, err)

	cases := map[string]domain.SaleCreateRequest{
		"unknown payment method": {
			PaymentMethodID: "pm-nope",
			Items:           []domain.ItemRequest{{ProductID: "prod-beer-350", Quantity: 1}},
		},
		"inactive payment method": {
			PaymentMethodID: method.ID,
			Items:           []domain.ItemRequest{{ProductID: "prod-beer-350", Quantity: 1}},
		},
		"discount above subtotal": {
			PaymentMethodID: "pm-cash",
			Discount:        dec("6.51"),
			Items:           []domain.ItemRequest{{ProductID: "prod-beer-350", Quantity: 1}},
		},
		"negative discount": {
			PaymentMethodID: "pm-cash",
			Discount:        dec("-1"),
			Items:           []domain.ItemRequest{{ProductID: "prod-beer-350", Quantity: 1}},
		},
		"two references on one item": {
			PaymentMethodID: "pm-cash",
			Items:           []domain.ItemRequest{{ProductID: "prod-beer-350", DoseID: "dose-gin-60", Quantity: 1}},
		},
		"zero quantity": {
			PaymentMethodID: "pm-cash",
			Items:           []domain.ItemRequest{{ProductID: "prod-beer-350", Quantity: 0}},
		},
		"unknown dose": {
			PaymentMethodID: "pm-cash",
			Items:           []domain.ItemRequest{{DoseID: "dose-nope", Quantity: 1}},
		},
		"no items": {
			PaymentMethodID: "pm-cash",
		},
	}

	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.CreateSale(ctx, req)
			assert.ErrorIs(t, err, store.ErrInvalidInput)
		})
	}
}

func TestCreateSaleRequiresActor(t *testing.T) {
	svc := newTestService()

	_, err := svc.CreateSale(context.Background(), domain.SaleCreateRequest{
		PaymentMethodID: "pm-cash",
		Items:           []domain.ItemRequest{{ProductID: "prod-beer-350", Quantity: 1}},
	})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCancelSaleRestocksAndLeavesReport(t *testing.T) {
	svc := newTestService()
	ctx := sellerCtx("seller")

	sale, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		PaymentMethodID: "pm-cash",
		Items: []domain.ItemRequest{
			{ProductID: "prod-beer-350", Quantity: 3},
			{ProductID: "prod-vodka-750", Quantity: 1},
			{DoseID: "dose-vodka-50", Quantity: 1},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 237, stockOf(t, svc, "prod-beer-350"))
	assert.Equal(t, 7, stockOf(t, svc, "prod-vodka-750"))

	cancelled, err := svc.CancelSale(ctx, sale.ID, domain.SaleCancelRequest{Reason: "cliente desistiu"})
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)
	assert.Equal(t, 240, stockOf(t, svc, "prod-beer-350"))
	assert.Equal(t, 8, stockOf(t, svc, "prod-vodka-750"))

	_, err = svc.CancelSale(ctx, sale.ID, domain.SaleCancelRequest{Reason: "de novo"})
	assert.ErrorIs(t, err, store.ErrConflict)

	report, err := svc.FinanceReport(adminCtx(), "", "")
	require.NoError(t, err)
	assert.Equal(t, domain.FinanceReport{}, report)
}

func TestSellerOnlySeesOwnSales(t *testing.T) {
	svc := newTestService()
	req := domain.SaleCreateRequest{
		PaymentMethodID: "pm-cash",
		Items:           []domain.ItemRequest{{ProductID: "prod-coke-2l", Quantity: 1}},
	}

	_, err := svc.CreateSale(sellerCtx("seller"), req)
	require.NoError(t, err)
	adminSale, err := svc.CreateSale(adminCtx(), req)
	require.NoError(t, err)

	own, err := svc.ListSales(sellerCtx("seller"), domain.SaleFilter{SellerUsername: "admin"})
	require.NoError(t, err)
	assert.Equal(t, 1, own.Pagination.Total)
	assert.Equal(t, "seller", own.Sales[0].SellerUsername)

	all, err := svc.ListSales(adminCtx(), domain.SaleFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, all.Pagination.Total)
	assert.Equal(t, 20, all.Pagination.Limit)

	_, err = svc.GetSale(sellerCtx("seller"), adminSale.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestOrderStatusMachine(t *testing.T) {
	svc := newTestService()
	ctx := sellerCtx("seller")

	order, err := svc.CreateOrder(ctx, domain.OrderCreateRequest{
		CustomerName: "Bruno",
		Address:      "Av. Central, 200",
		DeliveryFee:  dec("5"),
		Items:        []domain.ItemRequest{{ProductID: "prod-beer-350", Quantity: 4}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.True(t, dec("31").Equal(order.Total), "total %s", order.Total)
	assert.Equal(t, 236, stockOf(t, svc, "prod-beer-350"))

	_, err = svc.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusRequest{Status: domain.OrderStatusDelivered})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	confirmed, err := svc.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusRequest{Status: "confirmed"})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusConfirmed, confirmed.Status)

	cancelled, err := svc.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusRequest{Status: domain.OrderStatusCancelled})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, 240, stockOf(t, svc, "prod-beer-350"))

	_, err = svc.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusRequest{Status: domain.OrderStatusPending})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUndeliveredOrdersStayOutOfReport(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	order, err := svc.CreateOrder(ctx, domain.OrderCreateRequest{
		CustomerName: "Carla",
		Address:      "Rua B, 5",
		Items:        []domain.ItemRequest{{ProductID: "prod-coke-2l", Quantity: 1}},
	})
	require.NoError(t, err)
	_, err = svc.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusRequest{Status: domain.OrderStatusConfirmed})
	require.NoError(t, err)

	report, err := svc.FinanceReport(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, 0.0, report.TotalSales)
}

func TestFinanceReportWindow(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	_, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		PaymentMethodID: "pm-cash",
		Items:           []domain.ItemRequest{{ProductID: "prod-ice-5kg", Quantity: 1}},
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	today := now.Format("2006-01-02")
	tomorrow := now.AddDate(0, 0, 1).Format("2006-01-02")
	yesterday := now.AddDate(0, 0, -1).Format("2006-01-02")

	inclusive, err := svc.FinanceReport(ctx, today, today)
	require.NoError(t, err)
	assert.Equal(t, 15.0, inclusive.TotalSales, "end date covers the whole day")

	future, err := svc.FinanceReport(ctx, tomorrow, "")
	require.NoError(t, err)
	assert.Equal(t, 0.0, future.TotalSales)

	past, err := svc.FinanceReport(ctx, "", yesterday)
	require.NoError(t, err)
	assert.Equal(t, 0.0, past.TotalSales)

	malformed, err := svc.FinanceReport(ctx, "31/12/2024", "not-a-date")
	require.NoError(t, err)
	assert.Equal(t, 15.0, malformed.TotalSales, "malformed bounds are ignored")
	assert.Equal(t, 6.0, malformed.TotalCost)
}

func TestFinanceReportSkipsLinesOfDeletedProducts(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	product, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{
		Name: "Licor Temporario", Category: "destilados", Price: dec("40"), CostPrice: dec("25"), Stock: 3,
	})
	require.NoError(t, err)

	_, err = svc.CreateSale(ctx, domain.SaleCreateRequest{
		PaymentMethodID: "pm-cash",
		Items: []domain.ItemRequest{
			{ProductID: product.ID, Quantity: 1},
			{ProductID: "prod-coke-2l", Quantity: 1},
		},
	})
	require.NoError(t, err)
	require.NoError(t, svc.DeleteProduct(ctx, product.ID))

	report, err := svc.FinanceReport(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, 12.0, report.TotalSales)
	assert.Equal(t, 7.5, report.TotalCost)

	sales, err := svc.ListSales(ctx, domain.SaleFilter{})
	require.NoError(t, err)
	require.Len(t, sales.Sales, 1)
	assert.Nil(t, sales.Sales[0].Items[0].Product)
}

type failingFeedRepo struct {
	*memory.Store
}

func (failingFeedRepo) ListDeliveredOrders(context.Context, domain.DateRange) ([]domain.Order, error) {
	return nil, errors.New("connection reset by peer")
}

func TestFinanceReportStorageFailure(t *testing.T) {
	svc := New(failingFeedRepo{memory.NewSeeded()}, nil, 0, nil)

	_, err := svc.FinanceReport(adminCtx(), "", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, finance.ErrReportGeneration)
}

// mapCache keys entries by generation the way the redis cache does.
type mapCache struct {
	generation  int64
	entries     map[string]domain.FinanceReport
	invalidated int
}

func newMapCache() *mapCache {
	return &mapCache{entries: map[string]domain.FinanceReport{}}
}

func (c *mapCache) entryKey(generation int64, key string) string {
	return fmt.Sprintf("%d:%s", generation, key)
}

func (c *mapCache) Get(_ context.Context, key string) (*domain.FinanceReport, int64, bool, error) {
	report, ok := c.entries[c.entryKey(c.generation, key)]
	if !ok {
		return nil, c.generation, false, nil
	}
	return &report, c.generation, true, nil
}

func (c *mapCache) Set(_ context.Context, key string, generation int64, value *domain.FinanceReport, _ time.Duration) error {
	c.entries[c.entryKey(generation, key)] = *value
	return nil
}

func (c *mapCache) Invalidate(_ context.Context) error {
	c.invalidated++
	c.generation++
	return nil
}

func (c *mapCache) live() int {
	prefix := fmt.Sprintf("%d:", c.generation)
	n := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			n++
		}
	}
	return n
}

func TestFinanceReportCacheIsInvalidatedByWrites(t *testing.T) {
	reportCache := newMapCache()
	svc := New(memory.NewSeeded(), reportCache, time.Minute, nil)
	ctx := adminCtx()

	first, err := svc.FinanceReport(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, reportCache.live())

	_, err = svc.CreateExpense(ctx, domain.ExpenseCreateRequest{Description: "Energia", Value: dec("80")})
	require.NoError(t, err)
	assert.Equal(t, 1, reportCache.invalidated)
	assert.Zero(t, reportCache.live())

	second, err := svc.FinanceReport(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, 0.0, first.TotalExpenses)
	assert.Equal(t, 80.0, second.TotalExpenses)
	assert.Equal(t, -80.0, second.NetProfit)
}

// writeDuringReportRepo runs a write right after the report has read its
// expenses, before the report is cached.
type writeDuringReportRepo struct {
	*memory.Store
	afterExpenses func()
}

func (r *writeDuringReportRepo) ListExpenses(ctx context.Context, window domain.DateRange) ([]domain.Expense, error) {
	expenses, err := r.Store.ListExpenses(ctx, window)
	if hook := r.afterExpenses; hook != nil {
		r.afterExpenses = nil
		hook()
	}
	return expenses, err
}

func TestFinanceReportComputedBeforeWriteIsNotServedAfterIt(t *testing.T) {
	repo := &writeDuringReportRepo{Store: memory.NewSeeded()}
	reportCache := newMapCache()
	svc := New(repo, reportCache, time.Minute, nil)
	ctx := adminCtx()

	repo.afterExpenses = func() {
		_, err := svc.CreateExpense(ctx, domain.ExpenseCreateRequest{Description: "Aluguel", Value: dec("100")})
		require.NoError(t, err)
	}

	first, err := svc.FinanceReport(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, 0.0, first.TotalExpenses)

	second, err := svc.FinanceReport(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, 100.0, second.TotalExpenses)
	assert.Equal(t, -100.0, second.NetProfit)
}

func TestCreateProductValidation(t *testing.T) {
	svc := newTestService()
	volume := 700

	_, err := svc.CreateProduct(sellerCtx("seller"), domain.ProductCreateRequest{Name: "Rum", Category: "destilados", Price: dec("50")})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{Name: "Rum", Category: "destilados", Price: dec("50"), IsFractioned: true})
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	_, err = svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{Name: "Rum", Category: "destilados", Price: dec("-1")})
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	_, err = svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{Name: "  ", Category: "destilados", Price: dec("50")})
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	_, err = svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{Name: "Copia", Category: "cervejas", Barcode: "7896045506873", Price: dec("5")})
	assert.ErrorIs(t, err, store.ErrConflict)

	rum, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{
		Name: " Rum Bacardi 700ml ", Category: "destilados", Price: dec("59.90"), CostPrice: dec("32"),
		Stock: 4, MinStock: 4, IsFractioned: true, UnitVolumeMl: &volume,
	})
	require.NoError(t, err)
	assert.Equal(t, "Rum Bacardi 700ml", rum.Name)
	assert.Equal(t, domain.StockStatusLowStock, rum.StockStatus)
	assert.True(t, rum.Active)
}

func TestUpdateProductIsPartialAndKeepsStock(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()
	price := dec("7.25")
	inactive := false

	updated, err := svc.UpdateProduct(ctx, "prod-beer-350", domain.ProductUpdateRequest{Price: &price, Active: &inactive})
	require.NoError(t, err)
	assert.True(t, price.Equal(updated.Price))
	assert.False(t, updated.Active)
	assert.Equal(t, "Cerveja Heineken Lata 350ml", updated.Name)
	assert.Equal(t, 240, updated.Stock)

	fractioned := true
	_, err = svc.UpdateProduct(ctx, "prod-coke-2l", domain.ProductUpdateRequest{IsFractioned: &fractioned})
	assert.ErrorIs(t, err, store.ErrInvalidInput, "fractioning needs a unit volume")

	_, err = svc.CreateSale(sellerCtx("seller"), domain.SaleCreateRequest{
		PaymentMethodID: "pm-cash",
		Items:           []domain.ItemRequest{{ProductID: "prod-beer-350", Quantity: 1}},
	})
	assert.ErrorIs(t, err, store.ErrInvalidInput, "inactive products cannot be sold")
}

func TestListProductsFiltersAndPaginates(t *testing.T) {
	svc := newTestService()
	ctx := sellerCtx("seller")

	all, err := svc.ListProducts(ctx, domain.ProductFilter{})
	require.NoError(t, err)
	assert.Equal(t, domain.Pagination{Page: 1, Limit: 20, Total: 7, Pages: 1}, all.Pagination)

	low, err := svc.ListProducts(ctx, domain.ProductFilter{StockStatus: "low_stock"})
	require.NoError(t, err)
	require.Len(t, low.Products, 1)
	assert.Equal(t, "prod-gin-750", low.Products[0].ID)

	page, err := svc.ListProducts(ctx, domain.ProductFilter{Category: "destilados", Page: 2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Pagination.Total)
	assert.Equal(t, 2, page.Pagination.Pages)
	assert.Len(t, page.Products, 1)

	search, err := svc.ListProducts(ctx, domain.ProductFilter{Search: "HEINEKEN"})
	require.NoError(t, err)
	assert.Len(t, search.Products, 1)

	_, err = svc.ListProducts(ctx, domain.ProductFilter{StockStatus: "EMPTY"})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestCreateStockEntryUsesWeightedAverageCost(t *testing.T) {
	svc := newTestService()

	resp, err := svc.CreateStockEntry(adminCtx(), "prod-whisky-1l", domain.StockEntryRequest{Quantity: 12, UnitCost: dec("80")})
	require.NoError(t, err)
	assert.Equal(t, 12, resp.Entry.PreviousStock)
	assert.True(t, dec("84.95").Equal(resp.Entry.NewCost), "new cost %s", resp.Entry.NewCost)
	assert.Equal(t, 24, resp.Product.Stock)
	assert.Equal(t, "admin", resp.Entry.CreatedBy)

	entries, err := svc.ListStockEntries(adminCtx(), "prod-whisky-1l", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = svc.CreateStockEntry(adminCtx(), "prod-whisky-1l", domain.StockEntryRequest{Quantity: 0, UnitCost: dec("80")})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
	_, err = svc.CreateStockEntry(adminCtx(), "prod-nope", domain.StockEntryRequest{Quantity: 1, UnitCost: dec("80")})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDoseRequiresFractionedProduct(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	_, err := svc.CreateDose(ctx, domain.DoseRequest{Name: "Dose cerveja", ProductID: "prod-beer-350", VolumeMl: 50, Price: dec("3")})
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	_, err = svc.CreateDose(ctx, domain.DoseRequest{Name: "Dose fantasma", ProductID: "prod-nope", VolumeMl: 50, Price: dec("3")})
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	dose, err := svc.CreateDose(ctx, domain.DoseRequest{Name: "Dose dupla gin", ProductID: "prod-gin-750", VolumeMl: 100, Price: dec("25")})
	require.NoError(t, err)
	assert.True(t, dose.Active)

	inactive := false
	updated, err := svc.UpdateDose(ctx, dose.ID, domain.DoseRequest{Name: "Dose dupla gin", ProductID: "prod-gin-750", VolumeMl: 100, Price: dec("27"), Active: &inactive})
	require.NoError(t, err)
	assert.False(t, updated.Active)

	_, err = svc.CreateSale(ctx, domain.SaleCreateRequest{
		PaymentMethodID: "pm-cash",
		Items:           []domain.ItemRequest{{DoseID: dose.ID, Quantity: 1}},
	})
	assert.ErrorIs(t, err, store.ErrInvalidInput, "inactive doses cannot be sold")

	require.NoError(t, svc.DeleteDose(ctx, dose.ID))
	_, err = svc.GetDose(ctx, dose.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPaymentMethodNamesAreUnique(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	_, err := svc.CreatePaymentMethod(ctx, domain.PaymentMethodCreateRequest{Name: "  PIX  "})
	require.ErrorIs(t, err, store.ErrConflict)
	assert.EqualError(t, err, "payment method name already exists")

	vale, err := svc.CreatePaymentMethod(ctx, domain.PaymentMethodCreateRequest{Name: "Vale Refeicao"})
	require.NoError(t, err)
	assert.True(t, vale.Active)

	taken := "Dinheiro"
	_, err = svc.UpdatePaymentMethod(ctx, vale.ID, domain.PaymentMethodUpdateRequest{Name: &taken})
	assert.ErrorIs(t, err, store.ErrConflict)

	methods, err := svc.ListPaymentMethods(ctx)
	require.NoError(t, err)
	assert.Len(t, methods, 5)
	assert.Equal(t, "Cartão de Crédito", methods[0].Name)

	require.NoError(t, svc.DeletePaymentMethod(ctx, vale.ID))
	_, err = svc.GetPaymentMethod(ctx, vale.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestOfferLifecycle(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	offer, err := svc.CreateOffer(ctx, domain.OfferRequest{
		Name:  "Kit Churrasco",
		Price: dec("99.90"),
		Items: []domain.OfferItem{
			{ProductID: "prod-beer-350", Quantity: 6},
			{ProductID: "prod-ice-5kg", Quantity: 1},
			{ProductID: "prod-beer-350", Quantity: 6},
		},
	})
	require.NoError(t, err)
	require.Len(t, offer.Items, 2)
	assert.Equal(t, 12, offer.Items[0].Quantity)
	assert.True(t, offer.Active)

	_, err = svc.CreateOffer(ctx, domain.OfferRequest{Name: "Vazio", Price: dec("1")})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
	_, err = svc.CreateOffer(ctx, domain.OfferRequest{Name: "Fantasma", Price: dec("1"), Items: []domain.OfferItem{{ProductID: "prod-nope", Quantity: 1}}})
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	toggled, err := svc.ToggleOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.False(t, toggled.Active)

	_, err = svc.CreateSale(ctx, domain.SaleCreateRequest{
		PaymentMethodID: "pm-cash",
		Items:           []domain.ItemRequest{{OfferID: offer.ID, Quantity: 1}},
	})
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	require.NoError(t, svc.DeleteOffer(ctx, offer.ID))
	_, err = svc.GetOffer(ctx, offer.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExpensesListByWindow(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	_, err := svc.CreateExpense(ctx, domain.ExpenseCreateRequest{Description: "Fornecedor", Value: dec("10"), DueDate: "2024-13-40"})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
	_, err = svc.CreateExpense(ctx, domain.ExpenseCreateRequest{Description: "Fornecedor", Value: dec("-10")})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
	_, err = svc.CreateExpense(sellerCtx("seller"), domain.ExpenseCreateRequest{Description: "Fornecedor", Value: dec("10")})
	assert.ErrorIs(t, err, ErrForbidden)

	expense, err := svc.CreateExpense(ctx, domain.ExpenseCreateRequest{Description: "Fornecedor", Value: dec("10"), DueDate: "2030-01-15"})
	require.NoError(t, err)
	require.NotNil(t, expense.DueDate)
	assert.Equal(t, "2030-01-15", expense.DueDate.Format("2006-01-02"))

	today := time.Now().UTC().Format("2006-01-02")
	listed, err := svc.ListExpenses(ctx, today, today)
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	none, err := svc.ListExpenses(ctx, "", "2000-01-01")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAuditLogRecordsMutations(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	_, err := svc.CreatePaymentMethod(ctx, domain.PaymentMethodCreateRequest{Name: "Boleto"})
	require.NoError(t, err)

	logs, err := svc.ListAuditLogs(ctx, time.Now().UTC().Format("2006-01-02"), 10)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "payment_method_create", logs[0].Action)
	assert.Equal(t, "admin", logs[0].ActorUsername)

	_, err = svc.ListAuditLogs(ctx, "yesterday", 10)
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}
