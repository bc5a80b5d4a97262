package finance

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adega/backend/internal/domain"
)

func intPtr(v int) *int { return &v }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func unitLine(price, cost string, qty int) domain.LineItem {
	return domain.LineItem{
		Product:   &domain.ProductRef{ID: "p-beer", Name: "Cerveja Lata"},
		Quantity:  qty,
		Price:     dec(price),
		CostPrice: dec(cost),
	}
}

func doseLine(price, bottleCost string, volume *int, ml int) domain.LineItem {
	return domain.LineItem{
		Product:    &domain.ProductRef{ID: "p-whisky", Name: "Whisky 1L", IsFractioned: true, UnitVolumeMl: volume},
		Quantity:   ml,
		Price:      dec(price),
		CostPrice:  dec(bottleCost),
		IsDoseItem: true,
	}
}

func completedSale(items ...domain.LineItem) domain.Sale {
	return domain.Sale{ID: "sale-1", Status: domain.SaleStatusCompleted, Items: items}
}

func TestLineCostUnitRule(t *testing.T) {
	for _, tc := range []struct {
		cost string
		qty  int
		want string
	}{
		{"4", 3, "12"},
		{"2.35", 7, "16.45"},
		{"0", 10, "0"},
		{"9.99", 0, "0"},
	} {
		line := unitLine("1", tc.cost, tc.qty)
		assert.Equal(t, RuleUnit, Classify(line))
		assert.True(t, dec(tc.want).Equal(LineCost(line)), "cost=%s qty=%d got %s", tc.cost, tc.qty, LineCost(line))
	}
}

func TestLineCostDoseRuleProratesPerMl(t *testing.T) {
	line := doseLine("8", "60", intPtr(1000), 50)
	assert.Equal(t, RuleDose, Classify(line))
	assert.True(t, dec("3").Equal(LineCost(line)), "got %s", LineCost(line))

	line = doseLine("12", "90", intPtr(750), 75)
	assert.True(t, dec("9").Equal(LineCost(line)), "got %s", LineCost(line))
}

func TestLineCostDoseRuleDefaultsBottleVolume(t *testing.T) {
	line := doseLine("8", "60", nil, 50)
	assert.True(t, dec("3").Equal(LineCost(line)), "got %s", LineCost(line))
}

func TestLineCostDoseRuleZeroVolumeIsFree(t *testing.T) {
	line := doseLine("8", "60", intPtr(0), 50)
	assert.True(t, LineCost(line).IsZero())
}

func TestLineCostDoseDetectedByDoseReference(t *testing.T) {
	line := doseLine("8", "60", intPtr(1000), 50)
	line.IsDoseItem = false
	line.DoseID = "dose-1"
	assert.Equal(t, RuleDose, Classify(line))
	assert.True(t, dec("3").Equal(LineCost(line)))
}

func TestLineCostWholeBottleIgnoresQuantity(t *testing.T) {
	for _, qty := range []int{0, 1, 750, 1000, 5000} {
		line := doseLine("150", "80", intPtr(1000), qty)
		line.IsDoseItem = false
		assert.Equal(t, RuleWholeBottle, Classify(line))
		assert.True(t, dec("80").Equal(LineCost(line)), "qty=%d got %s", qty, LineCost(line))
	}
}

func TestCalculateEmptyInput(t *testing.T) {
	report := NewCalculator(nil).Calculate(nil, nil, nil)
	assert.Equal(t, domain.FinanceReport{}, report)
}

func TestCalculateSingleUnitSale(t *testing.T) {
	report := NewCalculator(nil).Calculate([]domain.Sale{completedSale(unitLine("10", "4", 3))}, nil, nil)

	assert.Equal(t, domain.FinanceReport{
		TotalSales:    10,
		TotalCost:     12,
		GrossProfit:   -2,
		TotalExpenses: 0,
		NetProfit:     -2,
	}, report)
}

func TestCalculateUnitAndDoseSale(t *testing.T) {
	sale := completedSale(unitLine("10", "4", 3), doseLine("8", "60", intPtr(1000), 50))
	report := NewCalculator(nil).Calculate([]domain.Sale{sale}, nil, nil)

	assert.Equal(t, 18.0, report.TotalSales)
	assert.Equal(t, 15.0, report.TotalCost)
	assert.Equal(t, 3.0, report.GrossProfit)
	assert.Equal(t, 3.0, report.NetProfit)
}

func TestCalculateUnionsSalesAndOrdersAndSubtractsExpenses(t *testing.T) {
	sales := []domain.Sale{completedSale(unitLine("10", "4", 2))}
	orders := []domain.Order{{
		ID:     "sale-1",
		Status: domain.OrderStatusDelivered,
		Items: []domain.LineItem{
			unitLine("20", "5", 2),
			{
				Product:   &domain.ProductRef{Name: "Gin 750ml", IsFractioned: true, UnitVolumeMl: intPtr(750)},
				Quantity:  750,
				Price:     dec("120"),
				CostPrice: dec("70"),
			},
		},
	}}
	expenses := []domain.Expense{{Value: dec("30.5")}, {Value: dec("9.5")}}

	report := NewCalculator(nil).Calculate(sales, orders, expenses)

	assert.Equal(t, 150.0, report.TotalSales)
	assert.Equal(t, 88.0, report.TotalCost)
	assert.Equal(t, 62.0, report.GrossProfit)
	assert.Equal(t, 40.0, report.TotalExpenses)
	assert.Equal(t, 22.0, report.NetProfit)
}

func TestCalculateSkipsLinesWithoutProduct(t *testing.T) {
	orphan := unitLine("500", "100", 1)
	orphan.Product = nil
	report := NewCalculator(nil).Calculate([]domain.Sale{completedSale(unitLine("10", "4", 1), orphan)}, nil, nil)

	assert.Equal(t, 10.0, report.TotalSales)
	assert.Equal(t, 4.0, report.TotalCost)
}

func TestCalculateSkipsRecordsOutsideIncludedStatuses(t *testing.T) {
	cancelled := completedSale(unitLine("10", "4", 1))
	cancelled.Status = domain.SaleStatusCancelled
	pending := domain.Order{Status: domain.OrderStatusPending, Items: []domain.LineItem{unitLine("10", "4", 1)}}

	report := NewCalculator(nil).Calculate([]domain.Sale{cancelled}, []domain.Order{pending}, nil)
	assert.Equal(t, domain.FinanceReport{}, report)
}

func TestReportIdentitiesHoldAfterRounding(t *testing.T) {
	sale := completedSale(
		unitLine("19.99", "3.333", 3),
		doseLine("7.77", "89.90", intPtr(700), 35),
	)
	expenses := []domain.Expense{{Value: dec("1.115")}}
	totals := NewCalculator(nil).Totals([]domain.Sale{sale}, nil, expenses)
	report := totals.Report()

	assert.True(t, totals.GrossProfit().Equal(totals.Sales.Sub(totals.Cost)))
	assert.True(t, totals.NetProfit().Equal(totals.GrossProfit().Sub(totals.Expenses)))
	assert.InDelta(t, report.TotalSales-report.TotalCost, report.GrossProfit, 0.011)
	assert.InDelta(t, report.GrossProfit-report.TotalExpenses, report.NetProfit, 0.011)
}

func TestResolveWindowIncludesWholeEndDay(t *testing.T) {
	window, ignored := ResolveWindow("2024-03-01", "2024-03-10")
	require.Empty(t, ignored)
	require.NotNil(t, window.From)
	require.NotNil(t, window.To)

	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), *window.From)
	assert.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), *window.To)
	assert.True(t, window.Contains(time.Date(2024, 3, 10, 23, 59, 0, 0, time.UTC)))
	assert.True(t, window.Contains(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.False(t, window.Contains(time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)))
	assert.False(t, window.Contains(time.Date(2024, 2, 29, 23, 59, 59, 0, time.UTC)))
}

func TestResolveWindowIgnoresMalformedBounds(t *testing.T) {
	window, ignored := ResolveWindow("not-a-date", "2024-13-45")
	assert.Nil(t, window.From)
	assert.Nil(t, window.To)
	assert.Equal(t, []string{"startDate", "endDate"}, ignored)
	assert.True(t, window.Contains(time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestResolveWindowOpenBounds(t *testing.T) {
	window, ignored := ResolveWindow("", "2024-03-10T15:00:00Z")
	assert.Empty(t, ignored)
	assert.Nil(t, window.From)
	require.NotNil(t, window.To)
	assert.Equal(t, time.Date(2024, 3, 11, 15, 0, 0, 0, time.UTC), *window.To)
}

func TestWindowKeyIsStable(t *testing.T) {
	a, _ := ResolveWindow("2024-03-01", "2024-03-10")
	b, _ := ResolveWindow("2024-03-01", "2024-03-10")
	open, _ := ResolveWindow("", "")
	assert.Equal(t, WindowKey(a), WindowKey(b))
	assert.Equal(t, "-|-", WindowKey(open))
}
