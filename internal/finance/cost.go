package finance

import "github.com/shopspring/decimal"

// WeightedAverageCost recalculates a product's standing cost when incomingQty
// units arrive at incomingCost. Without usable current stock or cost the
// incoming cost wins outright.
func WeightedAverageCost(currentCost decimal.Decimal, currentStock int, incomingCost decimal.Decimal, incomingQty int) decimal.Decimal {
	if incomingQty <= 0 {
		return currentCost
	}
	if currentStock <= 0 || !currentCost.IsPositive() {
		return incomingCost
	}

	stock := decimal.NewFromInt(int64(currentStock))
	incoming := decimal.NewFromInt(int64(incomingQty))
	totalValue := currentCost.Mul(stock).Add(incomingCost.Mul(incoming))
	return totalValue.Div(stock.Add(incoming)).Round(2)
}
