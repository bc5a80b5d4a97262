package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"adega/backend/internal/domain"
	"adega/backend/internal/finance"
	"adega/backend/internal/store"
)

const (
	defaultSalePage  = 1
	defaultSaleLimit = 20
	maxSaleLimit     = 100
	defaultOrderList = 100
)

// orderTransitions lists where each open status may go next. DELIVERED and
// CANCELLED are final.
var orderTransitions = map[string][]string{
	domain.OrderStatusPending:        {domain.OrderStatusConfirmed, domain.OrderStatusCancelled},
	domain.OrderStatusConfirmed:      {domain.OrderStatusOutForDelivery, domain.OrderStatusCancelled},
	domain.OrderStatusOutForDelivery: {domain.OrderStatusDelivered, domain.OrderStatusCancelled},
}

func canTransition(from string, to string) bool {
	return slices.Contains(orderTransitions[from], to)
}

type resolvedLines struct {
	items    []domain.LineItem
	moves    []store.StockMove
	subtotal decimal.Decimal
}

func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (domain.Sale, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Sale{}, err
	}
	req.PaymentMethodID = strings.TrimSpace(req.PaymentMethodID)
	if err := s.check(req); err != nil {
		return domain.Sale{}, err
	}
	if req.Discount.IsNegative() {
		return domain.Sale{}, invalid("discount must not be negative")
	}

	method, err := s.repo.GetPaymentMethod(ctx, req.PaymentMethodID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Sale{}, invalid("payment method does not exist")
		}
		return domain.Sale{}, err
	}
	if !method.Active {
		return domain.Sale{}, invalid("payment method is inactive")
	}

	lines, err := s.resolveLines(ctx, req.Items)
	if err != nil {
		return domain.Sale{}, err
	}
	if req.Discount.GreaterThan(lines.subtotal) {
		return domain.Sale{}, invalid("discount exceeds subtotal")
	}

	created, err := s.repo.CreateSale(ctx, domain.Sale{
		SellerUsername:  actor.Username,
		PaymentMethodID: method.ID,
		Status:          domain.SaleStatusCompleted,
		Subtotal:        lines.subtotal,
		Discount:        req.Discount,
		Total:           lines.subtotal.Sub(req.Discount),
		Items:           lines.items,
		CreatedAt:       time.Now().UTC(),
	}, lines.moves)
	if err != nil {
		return domain.Sale{}, err
	}

	s.invalidateReports(ctx)
	s.logAudit(ctx, "sale_create", "sale", created.ID,
		fmt.Sprintf("payment=%s,lines=%d,total=%s", method.Name, len(created.Items), created.Total.StringFixed(2)))
	return *created, nil
}

func (s *Service) ListSales(ctx context.Context, filter domain.SaleFilter) (domain.SaleListResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.SaleListResponse{}, err
	}
	if actor.Role != domain.RoleAdmin {
		filter.SellerUsername = actor.Username
	}
	if filter.Page < 1 {
		filter.Page = defaultSalePage
	}
	if filter.Limit < 1 {
		filter.Limit = defaultSaleLimit
	}
	if filter.Limit > maxSaleLimit {
		filter.Limit = maxSaleLimit
	}
	filter.Status = strings.ToUpper(strings.TrimSpace(filter.Status))
	switch filter.Status {
	case "", domain.SaleStatusCompleted, domain.SaleStatusCancelled:
	default:
		return domain.SaleListResponse{}, invalid("unknown sale status filter")
	}

	sales, total, err := s.repo.ListSales(ctx, filter)
	if err != nil {
		return domain.SaleListResponse{}, err
	}
	if sales == nil {
		sales = []domain.Sale{}
	}
	return domain.SaleListResponse{
		Sales:      sales,
		Pagination: domain.NewPagination(filter.Page, filter.Limit, total),
	}, nil
}

// GetSale hides other sellers' sales behind ErrNotFound.
func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Sale{}, err
	}
	sale, err := s.repo.GetSale(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Sale{}, err
	}
	if actor.Role != domain.RoleAdmin && sale.SellerUsername != actor.Username {
		return domain.Sale{}, store.ErrNotFound
	}
	return *sale, nil
}

// CancelSale restores the stock taken by the sale. Manager PIN checks for
// sellers happen at the HTTP boundary before this is called.
func (s *Service) CancelSale(ctx context.Context, id string, req domain.SaleCancelRequest) (domain.Sale, error) {
	req.Reason = strings.TrimSpace(req.Reason)
	if err := s.check(req); err != nil {
		return domain.Sale{}, err
	}
	sale, err := s.GetSale(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	if sale.Status != domain.SaleStatusCompleted {
		return domain.Sale{}, conflict("sale is already cancelled")
	}

	cancelled, err := s.repo.CancelSale(ctx, sale.ID, req.Reason, time.Now().UTC(), restockMoves(sale.Items))
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.Sale{}, conflict("sale is already cancelled")
		}
		return domain.Sale{}, err
	}

	s.invalidateReports(ctx)
	s.logAudit(ctx, "sale_cancel", "sale", cancelled.ID, req.Reason)
	return *cancelled, nil
}

func (s *Service) CreateOrder(ctx context.Context, req domain.OrderCreateRequest) (domain.Order, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	req.CustomerPhone = strings.TrimSpace(req.CustomerPhone)
	req.Address = strings.TrimSpace(req.Address)
	if err := s.check(req); err != nil {
		return domain.Order{}, err
	}
	if req.DeliveryFee.IsNegative() {
		return domain.Order{}, invalid("delivery_fee must not be negative")
	}

	lines, err := s.resolveLines(ctx, req.Items)
	if err != nil {
		return domain.Order{}, err
	}

	now := time.Now().UTC()
	created, err := s.repo.CreateOrder(ctx, domain.Order{
		CustomerName:  req.CustomerName,
		CustomerPhone: req.CustomerPhone,
		Address:       req.Address,
		Status:        domain.OrderStatusPending,
		DeliveryFee:   req.DeliveryFee,
		Total:         lines.subtotal.Add(req.DeliveryFee),
		Items:         lines.items,
		CreatedBy:     actor.Username,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, lines.moves)
	if err != nil {
		return domain.Order{}, err
	}

	s.logAudit(ctx, "order_create", "order", created.ID,
		fmt.Sprintf("customer=%s,lines=%d,total=%s", created.CustomerName, len(created.Items), created.Total.StringFixed(2)))
	return *created, nil
}

func (s *Service) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	filter.Status = strings.ToUpper(strings.TrimSpace(filter.Status))
	if filter.Status != "" {
		if _, open := orderTransitions[filter.Status]; !open &&
			filter.Status != domain.OrderStatusDelivered && filter.Status != domain.OrderStatusCancelled {
			return nil, invalid("unknown order status filter")
		}
	}
	if filter.Limit < 1 {
		filter.Limit = defaultOrderList
	}

	orders, err := s.repo.ListOrders(ctx, filter)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	return orders, nil
}

func (s *Service) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	order, err := s.repo.GetOrder(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

func (s *Service) UpdateOrderStatus(ctx context.Context, id string, req domain.OrderStatusRequest) (domain.Order, error) {
	to := strings.ToUpper(strings.TrimSpace(req.Status))
	if to == "" {
		return domain.Order{}, invalid("status is required")
	}

	order, err := s.repo.GetOrder(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Order{}, err
	}
	if !canTransition(order.Status, to) {
		return domain.Order{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, to)
	}

	var moves []store.StockMove
	if to == domain.OrderStatusCancelled {
		moves = restockMoves(order.Items)
	}

	updated, err := s.repo.UpdateOrderStatus(ctx, order.ID, order.Status, to, time.Now().UTC(), moves)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.Order{}, fmt.Errorf("%w: order changed concurrently", ErrInvalidTransition)
		}
		return domain.Order{}, err
	}

	if to == domain.OrderStatusDelivered {
		s.invalidateReports(ctx)
	}
	s.logAudit(ctx, "order_status", "order", updated.ID, order.Status+"->"+to)
	return *updated, nil
}

// resolveLines expands item requests into priced line items and the stock
// moves they imply. Prices and cost snapshots come from the catalog as it is
// right now.
func (s *Service) resolveLines(ctx context.Context, reqs []domain.ItemRequest) (resolvedLines, error) {
	doses := make(map[string]domain.Dose)
	offers := make(map[string]domain.Offer)
	productIDs := make([]string, 0, len(reqs))

	for i := range reqs {
		req := &reqs[i]
		req.ProductID = strings.TrimSpace(req.ProductID)
		req.DoseID = strings.TrimSpace(req.DoseID)
		req.OfferID = strings.TrimSpace(req.OfferID)

		kinds := 0
		for _, ref := range []string{req.ProductID, req.DoseID, req.OfferID} {
			if ref != "" {
				kinds++
			}
		}
		if kinds != 1 {
			return resolvedLines{}, invalid("each item needs exactly one of product_id, dose_id or offer_id")
		}

		switch {
		case req.ProductID != "":
			productIDs = append(productIDs, req.ProductID)
		case req.DoseID != "":
			if _, seen := doses[req.DoseID]; seen {
				continue
			}
			dose, err := s.repo.GetDose(ctx, req.DoseID)
			if err != nil {
				return resolvedLines{}, referenceError(err, "dose "+req.DoseID+" does not exist")
			}
			if !dose.Active {
				return resolvedLines{}, invalid("dose " + dose.Name + " is not available")
			}
			doses[dose.ID] = *dose
			productIDs = append(productIDs, dose.ProductID)
		default:
			if _, seen := offers[req.OfferID]; seen {
				continue
			}
			offer, err := s.repo.GetOffer(ctx, req.OfferID)
			if err != nil {
				return resolvedLines{}, referenceError(err, "offer "+req.OfferID+" does not exist")
			}
			if !offer.Active {
				return resolvedLines{}, invalid("offer " + offer.Name + " is not available")
			}
			if len(offer.Items) == 0 {
				return resolvedLines{}, invalid("offer " + offer.Name + " has no products")
			}
			offers[offer.ID] = *offer
			for _, component := range offer.Items {
				productIDs = append(productIDs, component.ProductID)
			}
		}
	}

	products, err := s.repo.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		return resolvedLines{}, err
	}
	lookup := func(id string) (domain.Product, error) {
		product, ok := products[id]
		if !ok {
			return domain.Product{}, invalid("product " + id + " does not exist")
		}
		if !product.Active {
			return domain.Product{}, invalid("product " + product.Name + " is not available")
		}
		return product, nil
	}

	out := resolvedLines{subtotal: decimal.Zero}
	for _, req := range reqs {
		count := decimal.NewFromInt(int64(req.Quantity))
		switch {
		case req.ProductID != "":
			product, err := lookup(req.ProductID)
			if err != nil {
				return resolvedLines{}, err
			}
			items, move, err := productLines(product, req.Quantity)
			if err != nil {
				return resolvedLines{}, err
			}
			out.items = append(out.items, items...)
			out.moves = append(out.moves, move)

		case req.DoseID != "":
			dose := doses[req.DoseID]
			product, err := lookup(dose.ProductID)
			if err != nil {
				return resolvedLines{}, err
			}
			poured, err := mulQuantity(dose.VolumeMl, req.Quantity)
			if err != nil {
				return resolvedLines{}, err
			}
			out.items = append(out.items, domain.LineItem{
				ProductID:  product.ID,
				DoseID:     dose.ID,
				Quantity:   poured,
				Price:      dose.Price.Mul(count),
				CostPrice:  product.CostPrice,
				IsDoseItem: true,
			})

		default:
			offer := offers[req.OfferID]
			first := len(out.items)
			for _, component := range offer.Items {
				product, err := lookup(component.ProductID)
				if err != nil {
					return resolvedLines{}, err
				}
				quantity, err := mulQuantity(component.Quantity, req.Quantity)
				if err != nil {
					return resolvedLines{}, err
				}
				items, move, err := productLines(product, quantity)
				if err != nil {
					return resolvedLines{}, err
				}
				for i := range items {
					items[i].OfferID = offer.ID
					items[i].Price = decimal.Zero
				}
				out.items = append(out.items, items...)
				out.moves = append(out.moves, move)
			}
			out.items[first].Price = offer.Price.Mul(count)
		}
	}

	for _, item := range out.items {
		out.subtotal = out.subtotal.Add(item.Price)
	}
	return out, nil
}

// productLines prices a plain product request. Fractioned bottles sold whole
// get one line per bottle so each carries the flat bottle cost. Quantities
// beyond the stock on hand are rejected here, before any lines are built; the
// store still re-checks inside its transaction.
func productLines(product domain.Product, quantity int) ([]domain.LineItem, store.StockMove, error) {
	if quantity > product.Stock {
		return nil, store.StockMove{}, fmt.Errorf("%w: %s", store.ErrInsufficientStock, product.Name)
	}
	move := store.StockMove{ProductID: product.ID, Delta: -quantity}
	if !product.IsFractioned {
		return []domain.LineItem{{
			ProductID: product.ID,
			Quantity:  quantity,
			Price:     product.Price.Mul(decimal.NewFromInt(int64(quantity))),
			CostPrice: product.CostPrice,
		}}, move, nil
	}

	volume := finance.DefaultBottleVolumeMl
	if product.UnitVolumeMl != nil {
		volume = *product.UnitVolumeMl
	}
	items := make([]domain.LineItem, quantity)
	for i := range items {
		items[i] = domain.LineItem{
			ProductID: product.ID,
			Quantity:  volume,
			Price:     product.Price,
			CostPrice: product.CostPrice,
		}
	}
	return items, move, nil
}

// mulQuantity multiplies two positive quantities, refusing results that do
// not fit a line quantity.
func mulQuantity(a int, b int) (int, error) {
	if a <= 0 || b <= 0 {
		return 0, invalid("quantity must be positive")
	}
	if a > math.MaxInt32/b {
		return 0, invalid("quantity is too large")
	}
	return a * b, nil
}

// restockMoves reverses the stock taken by a set of lines. Dose lines never
// moved stock, and lines whose product is gone have nothing to restock.
func restockMoves(items []domain.LineItem) []store.StockMove {
	moves := make([]store.StockMove, 0, len(items))
	for _, item := range items {
		if item.IsDose() || item.Product == nil {
			continue
		}
		delta := item.Quantity
		if item.Product.IsFractioned {
			delta = 1
		}
		moves = append(moves, store.StockMove{ProductID: item.ProductID, Delta: delta})
	}
	return moves
}

func referenceError(err error, reason string) error {
	if errors.Is(err, store.ErrNotFound) {
		return invalid(reason)
	}
	return err
}
