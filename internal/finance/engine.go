package finance

import (
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"adega/backend/internal/domain"
)

// DefaultBottleVolumeMl is assumed for fractioned products without a unit volume.
const DefaultBottleVolumeMl = 1000

// ErrReportGeneration marks any failure while building the finance report.
var ErrReportGeneration = errors.New("report generation failed")

type CostRule string

const (
	// RuleDose prorates the bottle cost by the millilitres poured.
	RuleDose CostRule = "dose"
	// RuleWholeBottle charges one full bottle regardless of quantity.
	RuleWholeBottle CostRule = "whole_bottle"
	// RuleUnit charges cost per unit sold.
	RuleUnit CostRule = "unit"
)

// Classify picks the costing rule for a line. The caller must have dropped
// lines without a product reference.
func Classify(line domain.LineItem) CostRule {
	fractioned := line.Product != nil && line.Product.IsFractioned
	switch {
	case fractioned && line.IsDose():
		return RuleDose
	case fractioned:
		return RuleWholeBottle
	default:
		return RuleUnit
	}
}

// BottleVolume returns the product's unit volume, falling back to
// DefaultBottleVolumeMl when none is recorded. An explicit zero is kept.
func BottleVolume(ref *domain.ProductRef) int {
	if ref == nil || ref.UnitVolumeMl == nil {
		return DefaultBottleVolumeMl
	}
	return *ref.UnitVolumeMl
}

// LineCost is the cost of goods for a single line under its rule.
func LineCost(line domain.LineItem) decimal.Decimal {
	quantity := decimal.NewFromInt(int64(line.Quantity))
	switch Classify(line) {
	case RuleDose:
		volume := BottleVolume(line.Product)
		if volume <= 0 {
			return decimal.Zero
		}
		perMl := line.CostPrice.Div(decimal.NewFromInt(int64(volume)))
		return perMl.Mul(quantity)
	case RuleWholeBottle:
		return line.CostPrice
	default:
		return line.CostPrice.Mul(quantity)
	}
}

// Totals holds unrounded running sums.
type Totals struct {
	Sales    decimal.Decimal
	Cost     decimal.Decimal
	Expenses decimal.Decimal
}

func (t Totals) GrossProfit() decimal.Decimal {
	return t.Sales.Sub(t.Cost)
}

func (t Totals) NetProfit() decimal.Decimal {
	return t.GrossProfit().Sub(t.Expenses)
}

// Report rounds every figure to two places.
func (t Totals) Report() domain.FinanceReport {
	return domain.FinanceReport{
		TotalSales:    round2(t.Sales),
		TotalCost:     round2(t.Cost),
		GrossProfit:   round2(t.GrossProfit()),
		TotalExpenses: round2(t.Expenses),
		NetProfit:     round2(t.NetProfit()),
	}
}

type Calculator struct {
	logger *zap.Logger
}

func NewCalculator(logger *zap.Logger) *Calculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{logger: logger}
}

// Calculate reconciles revenue against cost of goods across completed sales
// and delivered orders, then subtracts expenses. Records in any other status
// are skipped.
func (c *Calculator) Calculate(sales []domain.Sale, orders []domain.Order, expenses []domain.Expense) domain.FinanceReport {
	return c.Totals(sales, orders, expenses).Report()
}

func (c *Calculator) Totals(sales []domain.Sale, orders []domain.Order, expenses []domain.Expense) Totals {
	totals := Totals{Sales: decimal.Zero, Cost: decimal.Zero, Expenses: decimal.Zero}

	includedSales := 0
	for _, sale := range sales {
		if sale.Status != domain.SaleStatusCompleted {
			continue
		}
		includedSales++
		c.accumulate(&totals, "sale", sale.ID, sale.Items)
	}

	includedOrders := 0
	for _, order := range orders {
		if order.Status != domain.OrderStatusDelivered {
			continue
		}
		includedOrders++
		c.accumulate(&totals, "order", order.ID, order.Items)
	}

	for _, expense := range expenses {
		totals.Expenses = totals.Expenses.Add(expense.Value)
	}

	c.logger.Debug("finance totals",
		zap.Int("sales", includedSales),
		zap.Int("orders", includedOrders),
		zap.Int("expenses", len(expenses)),
		zap.String("total_sales", totals.Sales.StringFixed(2)),
		zap.String("total_cost", totals.Cost.StringFixed(2)),
		zap.String("total_expenses", totals.Expenses.StringFixed(2)),
	)
	return totals
}

func (c *Calculator) accumulate(totals *Totals, source string, sourceID string, items []domain.LineItem) {
	for _, line := range items {
		if line.Product == nil {
			continue
		}
		cost := LineCost(line)
		totals.Sales = totals.Sales.Add(line.Price)
		totals.Cost = totals.Cost.Add(cost)

		if ce := c.logger.Check(zap.DebugLevel, "line cost"); ce != nil {
			ce.Write(
				zap.String("source", source),
				zap.String("source_id", sourceID),
				zap.String("product", line.Product.Name),
				zap.String("rule", string(Classify(line))),
				zap.Int("quantity", line.Quantity),
				zap.String("price", line.Price.StringFixed(2)),
				zap.String("cost_at_sale", line.CostPrice.StringFixed(2)),
				zap.String("cost", cost.StringFixed(2)),
			)
		}
	}
}

func round2(d decimal.Decimal) float64 {
	return d.Round(2).InexactFloat64()
}
