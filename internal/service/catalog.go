package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"adega/backend/internal/domain"
	"adega/backend/internal/store"
)

const (
	defaultProductPage  = 1
	defaultProductLimit = 20
	maxProductLimit     = 100
	defaultEntryLimit   = 50
)

func (s *Service) ListProducts(ctx context.Context, filter domain.ProductFilter) (domain.ProductListResponse, error) {
	if filter.Page < 1 {
		filter.Page = defaultProductPage
	}
	if filter.Limit < 1 {
		filter.Limit = defaultProductLimit
	}
	if filter.Limit > maxProductLimit {
		filter.Limit = maxProductLimit
	}
	filter.Search = strings.TrimSpace(filter.Search)
	filter.Category = strings.TrimSpace(filter.Category)
	filter.StockStatus = strings.ToUpper(strings.TrimSpace(filter.StockStatus))
	switch filter.StockStatus {
	case "", domain.StockStatusInStock, domain.StockStatusLowStock, domain.StockStatusOutOfStock:
	default:
		return domain.ProductListResponse{}, invalid("unknown stock status filter")
	}

	products, total, err := s.repo.ListProducts(ctx, filter)
	if err != nil {
		return domain.ProductListResponse{}, err
	}
	if products == nil {
		products = []domain.Product{}
	}
	return domain.ProductListResponse{
		Products:   products,
		Pagination: domain.NewPagination(filter.Page, filter.Limit, total),
	}, nil
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	req.Barcode = strings.TrimSpace(req.Barcode)
	if err := s.check(req); err != nil {
		return domain.Product{}, err
	}

	product := domain.Product{
		Name:         req.Name,
		Category:     req.Category,
		Barcode:      req.Barcode,
		Price:        req.Price,
		CostPrice:    req.CostPrice,
		Stock:        req.Stock,
		MinStock:     req.MinStock,
		IsFractioned: req.IsFractioned,
		UnitVolumeMl: req.UnitVolumeMl,
		Active:       true,
	}
	if err := checkProduct(product); err != nil {
		return domain.Product{}, err
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.Product{}, conflict("barcode already registered")
		}
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.ID,
		fmt.Sprintf("name=%s,price=%s,stock=%d,fractioned=%t", created.Name, created.Price.StringFixed(2), created.Stock, created.IsFractioned))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}
	if err := s.check(req); err != nil {
		return domain.Product{}, err
	}

	existing, err := s.repo.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		updated.Name = strings.TrimSpace(*req.Name)
	}
	if req.Category != nil {
		updated.Category = strings.TrimSpace(*req.Category)
	}
	if req.Barcode != nil {
		updated.Barcode = strings.TrimSpace(*req.Barcode)
	}
	if req.Price != nil {
		updated.Price = *req.Price
	}
	if req.CostPrice != nil {
		updated.CostPrice = *req.CostPrice
	}
	if req.MinStock != nil {
		updated.MinStock = *req.MinStock
	}
	if req.IsFractioned != nil {
		updated.IsFractioned = *req.IsFractioned
	}
	if req.UnitVolumeMl != nil {
		updated.UnitVolumeMl = req.UnitVolumeMl
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}
	if updated.Name == "" || updated.Category == "" {
		return domain.Product{}, invalid("name and category are required")
	}
	if err := checkProduct(updated); err != nil {
		return domain.Product{}, err
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.Product{}, conflict("barcode already registered")
		}
		return domain.Product{}, err
	}

	// Reports read the live fractioned flag and bottle volume.
	s.invalidateReports(ctx)
	s.logAudit(ctx, "product_update", "product", saved.ID,
		fmt.Sprintf("name=%s,price=%s,cost=%s,active=%t", saved.Name, saved.Price.StringFixed(2), saved.CostPrice.StringFixed(2), saved.Active))
	return *saved, nil
}

func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if err := s.repo.DeleteProduct(ctx, id); err != nil {
		return err
	}

	s.invalidateReports(ctx)
	s.logAudit(ctx, "product_delete", "product", id, "")
	return nil
}

func checkProduct(p domain.Product) error {
	if p.Price.IsNegative() || p.CostPrice.IsNegative() {
		return invalid("price and cost_price must not be negative")
	}
	if p.IsFractioned && (p.UnitVolumeMl == nil || *p.UnitVolumeMl <= 0) {
		return invalid("fractioned products need unit_volume_ml")
	}
	return nil
}

func (s *Service) CreateStockEntry(ctx context.Context, productID string, req domain.StockEntryRequest) (domain.StockEntryResponse, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.StockEntryResponse{}, err
	}
	req.Notes = strings.TrimSpace(req.Notes)
	if err := s.check(req); err != nil {
		return domain.StockEntryResponse{}, err
	}
	if req.UnitCost.IsNegative() {
		return domain.StockEntryResponse{}, invalid("unit_cost must not be negative")
	}

	actor, _ := ActorFromContext(ctx)
	entry, product, err := s.repo.CreateStockEntry(ctx, domain.StockEntry{
		ProductID: strings.TrimSpace(productID),
		Quantity:  req.Quantity,
		UnitCost:  req.UnitCost,
		Notes:     req.Notes,
		CreatedBy: actor.Username,
	})
	if err != nil {
		return domain.StockEntryResponse{}, err
	}

	s.logAudit(ctx, "stock_entry", "product", product.ID,
		fmt.Sprintf("qty=%d,unit_cost=%s,cost=%s->%s", entry.Quantity, entry.UnitCost.StringFixed(2), entry.PreviousCost.StringFixed(2), entry.NewCost.StringFixed(2)))
	return domain.StockEntryResponse{Entry: *entry, Product: *product}, nil
}

func (s *Service) ListStockEntries(ctx context.Context, productID string, limit int) ([]domain.StockEntry, error) {
	if limit < 1 {
		limit = defaultEntryLimit
	}
	entries, err := s.repo.ListStockEntries(ctx, strings.TrimSpace(productID), limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []domain.StockEntry{}
	}
	return entries, nil
}

func (s *Service) ListDoses(ctx context.Context) ([]domain.Dose, error) {
	return s.repo.ListDoses(ctx)
}

func (s *Service) GetDose(ctx context.Context, id string) (domain.Dose, error) {
	dose, err := s.repo.GetDose(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Dose{}, err
	}
	return *dose, nil
}

func (s *Service) CreateDose(ctx context.Context, req domain.DoseRequest) (domain.Dose, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Dose{}, err
	}
	dose, err := s.doseFromRequest(ctx, req)
	if err != nil {
		return domain.Dose{}, err
	}

	created, err := s.repo.CreateDose(ctx, dose)
	if err != nil {
		return domain.Dose{}, err
	}
	s.logAudit(ctx, "dose_create", "dose", created.ID,
		fmt.Sprintf("product=%s,volume_ml=%d,price=%s", created.ProductID, created.VolumeMl, created.Price.StringFixed(2)))
	return *created, nil
}

func (s *Service) UpdateDose(ctx context.Context, id string, req domain.DoseRequest) (domain.Dose, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Dose{}, err
	}
	existing, err := s.repo.GetDose(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Dose{}, err
	}
	dose, err := s.doseFromRequest(ctx, req)
	if err != nil {
		return domain.Dose{}, err
	}
	dose.ID = existing.ID
	dose.CreatedAt = existing.CreatedAt
	if req.Active == nil {
		dose.Active = existing.Active
	}

	saved, err := s.repo.UpdateDose(ctx, dose)
	if err != nil {
		return domain.Dose{}, err
	}
	s.logAudit(ctx, "dose_update", "dose", saved.ID,
		fmt.Sprintf("volume_ml=%d,price=%s,active=%t", saved.VolumeMl, saved.Price.StringFixed(2), saved.Active))
	return *saved, nil
}

func (s *Service) DeleteDose(ctx context.Context, id string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if err := s.repo.DeleteDose(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "dose_delete", "dose", id, "")
	return nil
}

func (s *Service) doseFromRequest(ctx context.Context, req domain.DoseRequest) (domain.Dose, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.ProductID = strings.TrimSpace(req.ProductID)
	if err := s.check(req); err != nil {
		return domain.Dose{}, err
	}
	if req.Price.IsNegative() {
		return domain.Dose{}, invalid("price must not be negative")
	}

	product, err := s.repo.GetProduct(ctx, req.ProductID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Dose{}, invalid("dose product does not exist")
		}
		return domain.Dose{}, err
	}
	if !product.IsFractioned {
		return domain.Dose{}, invalid("doses can only be poured from fractioned products")
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	return domain.Dose{
		Name:      req.Name,
		ProductID: product.ID,
		VolumeMl:  req.VolumeMl,
		Price:     req.Price,
		Active:    active,
	}, nil
}

func (s *Service) ListPaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error) {
	return s.repo.ListPaymentMethods(ctx)
}

func (s *Service) GetPaymentMethod(ctx context.Context, id string) (domain.PaymentMethod, error) {
	method, err := s.repo.GetPaymentMethod(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.PaymentMethod{}, err
	}
	return *method, nil
}

func (s *Service) CreatePaymentMethod(ctx context.Context, req domain.PaymentMethodCreateRequest) (domain.PaymentMethod, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.PaymentMethod{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := s.check(req); err != nil {
		return domain.PaymentMethod{}, err
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	created, err := s.repo.CreatePaymentMethod(ctx, domain.PaymentMethod{Name: req.Name, Active: active})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.PaymentMethod{}, conflict("payment method name already exists")
		}
		return domain.PaymentMethod{}, err
	}

	s.logAudit(ctx, "payment_method_create", "payment_method", created.ID, "name="+created.Name)
	return *created, nil
}

func (s *Service) UpdatePaymentMethod(ctx context.Context, id string, req domain.PaymentMethodUpdateRequest) (domain.PaymentMethod, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.PaymentMethod{}, err
	}
	if err := s.check(req); err != nil {
		return domain.PaymentMethod{}, err
	}

	existing, err := s.repo.GetPaymentMethod(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.PaymentMethod{}, err
	}
	updated := *existing
	if req.Name != nil {
		updated.Name = strings.TrimSpace(*req.Name)
		if updated.Name == "" {
			return domain.PaymentMethod{}, invalid("name is required")
		}
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}

	saved, err := s.repo.UpdatePaymentMethod(ctx, updated)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.PaymentMethod{}, conflict("payment method name already exists")
		}
		return domain.PaymentMethod{}, err
	}

	s.logAudit(ctx, "payment_method_update", "payment_method", saved.ID, fmt.Sprintf("name=%s,active=%t", saved.Name, saved.Active))
	return *saved, nil
}

func (s *Service) DeletePaymentMethod(ctx context.Context, id string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if err := s.repo.DeletePaymentMethod(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "payment_method_delete", "payment_method", id, "")
	return nil
}

func (s *Service) ListOffers(ctx context.Context) ([]domain.Offer, error) {
	return s.repo.ListOffers(ctx)
}

func (s *Service) GetOffer(ctx context.Context, id string) (domain.Offer, error) {
	offer, err := s.repo.GetOffer(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Offer{}, err
	}
	return *offer, nil
}

func (s *Service) CreateOffer(ctx context.Context, req domain.OfferRequest) (domain.Offer, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Offer{}, err
	}
	offer, err := s.offerFromRequest(req)
	if err != nil {
		return domain.Offer{}, err
	}

	created, err := s.repo.CreateOffer(ctx, offer)
	if err != nil {
		return domain.Offer{}, offerError(err)
	}
	s.logAudit(ctx, "offer_create", "offer", created.ID,
		fmt.Sprintf("name=%s,price=%s,items=%d", created.Name, created.Price.StringFixed(2), len(created.Items)))
	return *created, nil
}

func (s *Service) UpdateOffer(ctx context.Context, id string, req domain.OfferRequest) (domain.Offer, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Offer{}, err
	}
	existing, err := s.repo.GetOffer(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Offer{}, err
	}
	offer, err := s.offerFromRequest(req)
	if err != nil {
		return domain.Offer{}, err
	}
	offer.ID = existing.ID
	offer.CreatedAt = existing.CreatedAt
	if req.Active == nil {
		offer.Active = existing.Active
	}

	saved, err := s.repo.UpdateOffer(ctx, offer)
	if err != nil {
		return domain.Offer{}, offerError(err)
	}
	s.logAudit(ctx, "offer_update", "offer", saved.ID,
		fmt.Sprintf("name=%s,price=%s,items=%d", saved.Name, saved.Price.StringFixed(2), len(saved.Items)))
	return *saved, nil
}

func (s *Service) ToggleOffer(ctx context.Context, id string) (domain.Offer, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Offer{}, err
	}
	existing, err := s.repo.GetOffer(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Offer{}, err
	}
	existing.Active = !existing.Active

	saved, err := s.repo.UpdateOffer(ctx, *existing)
	if err != nil {
		return domain.Offer{}, offerError(err)
	}
	s.logAudit(ctx, "offer_toggle", "offer", saved.ID, fmt.Sprintf("active=%t", saved.Active))
	return *saved, nil
}

func (s *Service) DeleteOffer(ctx context.Context, id string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if err := s.repo.DeleteOffer(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "offer_delete", "offer", id, "")
	return nil
}

func (s *Service) offerFromRequest(req domain.OfferRequest) (domain.Offer, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Description = strings.TrimSpace(req.Description)
	for i := range req.Items {
		req.Items[i].ProductID = strings.TrimSpace(req.Items[i].ProductID)
	}
	if err := s.check(req); err != nil {
		return domain.Offer{}, err
	}
	if req.Price.IsNegative() {
		return domain.Offer{}, invalid("price must not be negative")
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	return domain.Offer{
		Name:        req.Name,
		Description: req.Description,
		Price:       req.Price,
		Items:       mergeOfferItems(req.Items),
		Active:      active,
	}, nil
}

// mergeOfferItems folds repeated products into one component, keeping the
// order in which each product first appeared.
func mergeOfferItems(items []domain.OfferItem) []domain.OfferItem {
	merged := make([]domain.OfferItem, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		if i, ok := index[item.ProductID]; ok {
			merged[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(merged)
		merged = append(merged, item)
	}
	return merged
}

// offerError turns a missing component product into a validation failure; the
// offer itself was found or is being created.
func offerError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return invalid("offer references an unknown product")
	}
	return err
}
