package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"adega/backend/internal/domain"
	"adega/backend/internal/finance"
	"adega/backend/internal/store"
	"adega/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an already opened connection pool.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

const productColumns = `id, name, category, COALESCE(barcode,''), price, cost_price, stock, min_stock,
	is_fractioned, unit_volume_ml, active, created_at, updated_at`

const stockStatusExpr = `CASE WHEN stock <= 0 THEN 'OUT_OF_STOCK' WHEN stock <= min_stock THEN 'LOW_STOCK' ELSE 'IN_STOCK' END`

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	var unitVolume sql.NullInt32
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Category,
		&p.Barcode,
		&p.Price,
		&p.CostPrice,
		&p.Stock,
		&p.MinStock,
		&p.IsFractioned,
		&unitVolume,
		&p.Active,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return p, err
	}
	if unitVolume.Valid {
		ml := int(unitVolume.Int32)
		p.UnitVolumeMl = &ml
	}
	p.StockStatus = domain.StockStatusFor(p.Stock, p.MinStock)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (s *Store) ListProducts(ctx context.Context, filter domain.ProductFilter) ([]domain.Product, int, error) {
	where := []string{"1=1"}
	args := make([]any, 0, 5)
	bind := func(clause string, val any) {
		args = append(args, val)
		where = append(where, strings.ReplaceAll(clause, "?", fmt.Sprintf("$%d", len(args))))
	}
	if !filter.IncludeInactive {
		where = append(where, "active = true")
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		bind("(name ILIKE ? OR barcode ILIKE ?)", "%"+search+"%")
	}
	if filter.Category != "" {
		bind("LOWER(category) = LOWER(?)", filter.Category)
	}
	if filter.StockStatus != "" {
		bind(stockStatusExpr+" = ?", filter.StockStatus)
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + productColumns + ` FROM products WHERE ` + clause + ` ORDER BY category, name`
	if filter.Limit > 0 {
		page := max(filter.Page, 1)
		args = append(args, filter.Limit, (page-1)*filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 32)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, 0, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return products, total, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" || strings.TrimSpace(product.Category) == "" {
		return nil, store.ErrInvalidInput
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}

	created, err := scanProduct(s.db.QueryRowContext(ctx, `
		INSERT INTO products (
			id, name, category, barcode, price, cost_price, stock, min_stock,
			is_fractioned, unit_volume_ml, active, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now(),now())
		RETURNING `+productColumns,
		product.ID, product.Name, product.Category, nullIfEmpty(product.Barcode), product.Price, product.CostPrice,
		product.Stock, product.MinStock, product.IsFractioned, nullInt(product.UnitVolumeMl), product.Active,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &created, nil
}

// UpdateProduct rewrites the catalog fields. Stock is owned by sales, orders
// and stock entries and is never overwritten here.
func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" || strings.TrimSpace(product.Category) == "" {
		return nil, store.ErrInvalidInput
	}

	updated, err := scanProduct(s.db.QueryRowContext(ctx, `
		UPDATE products
		SET name = $2, category = $3, barcode = $4, price = $5, cost_price = $6, min_stock = $7,
			is_fractioned = $8, unit_volume_ml = $9, active = $10, updated_at = now()
		WHERE id = $1
		RETURNING `+productColumns,
		product.ID, product.Name, product.Category, nullIfEmpty(product.Barcode), product.Price, product.CostPrice,
		product.MinStock, product.IsFractioned, nullInt(product.UnitVolumeMl), product.Active,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &updated, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "products", id)
}

func (s *Store) CreateStockEntry(ctx context.Context, entry domain.StockEntry) (*domain.StockEntry, *domain.Product, error) {
	if entry.Quantity < 1 || entry.UnitCost.IsNegative() {
		return nil, nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		SELECT stock, cost_price
		FROM products
		WHERE id = $1
		FOR UPDATE
	`, entry.ProductID).Scan(&entry.PreviousStock, &entry.PreviousCost)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, err
	}

	if entry.ID == "" {
		entry.ID = xid.New("stk")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.NewCost = finance.WeightedAverageCost(entry.PreviousCost, entry.PreviousStock, entry.UnitCost, entry.Quantity)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_entries (
			id, product_id, quantity, unit_cost, previous_stock, previous_cost, new_cost, notes, created_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, entry.ID, entry.ProductID, entry.Quantity, entry.UnitCost, entry.PreviousStock, entry.PreviousCost,
		entry.NewCost, nullIfEmpty(entry.Notes), entry.CreatedBy, entry.CreatedAt)
	if err != nil {
		return nil, nil, err
	}

	product, err := scanProduct(tx.QueryRowContext(ctx, `
		UPDATE products
		SET stock = stock + $2, cost_price = $3, updated_at = $4
		WHERE id = $1
		RETURNING `+productColumns,
		entry.ProductID, entry.Quantity, entry.NewCost, entry.CreatedAt,
	))
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return &entry, &product, nil
}

func (s *Store) ListStockEntries(ctx context.Context, productID string, limit int) ([]domain.StockEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if err := s.productExists(ctx, productID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, quantity, unit_cost, previous_stock, previous_cost, new_cost,
			COALESCE(notes,''), created_by, created_at
		FROM stock_entries
		WHERE product_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.StockEntry, 0, limit)
	for rows.Next() {
		var e domain.StockEntry
		if err := rows.Scan(&e.ID, &e.ProductID, &e.Quantity, &e.UnitCost, &e.PreviousStock, &e.PreviousCost,
			&e.NewCost, &e.Notes, &e.CreatedBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

const doseColumns = `id, name, product_id, volume_ml, price, active, created_at, updated_at`

func scanDose(row rowScanner) (domain.Dose, error) {
	var d domain.Dose
	err := row.Scan(&d.ID, &d.Name, &d.ProductID, &d.VolumeMl, &d.Price, &d.Active, &d.CreatedAt, &d.UpdatedAt)
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return d, err
}

func (s *Store) ListDoses(ctx context.Context) ([]domain.Dose, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+doseColumns+` FROM doses ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	doses := make([]domain.Dose, 0, 16)
	for rows.Next() {
		d, err := scanDose(rows)
		if err != nil {
			return nil, err
		}
		doses = append(doses, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return doses, nil
}

func (s *Store) GetDose(ctx context.Context, id string) (*domain.Dose, error) {
	d, err := scanDose(s.db.QueryRowContext(ctx, `SELECT `+doseColumns+` FROM doses WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (s *Store) CreateDose(ctx context.Context, dose domain.Dose) (*domain.Dose, error) {
	if strings.TrimSpace(dose.Name) == "" || dose.VolumeMl < 1 {
		return nil, store.ErrInvalidInput
	}
	if dose.ID == "" {
		dose.ID = xid.New("dose")
	}

	created, err := scanDose(s.db.QueryRowContext(ctx, `
		INSERT INTO doses (id, name, product_id, volume_ml, price, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now(),now())
		RETURNING `+doseColumns,
		dose.ID, dose.Name, dose.ProductID, dose.VolumeMl, dose.Price, dose.Active,
	))
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &created, nil
}

func (s *Store) UpdateDose(ctx context.Context, dose domain.Dose) (*domain.Dose, error) {
	if strings.TrimSpace(dose.Name) == "" || dose.VolumeMl < 1 {
		return nil, store.ErrInvalidInput
	}

	updated, err := scanDose(s.db.QueryRowContext(ctx, `
		UPDATE doses
		SET name = $2, product_id = $3, volume_ml = $4, price = $5, active = $6, updated_at = now()
		WHERE id = $1
		RETURNING `+doseColumns,
		dose.ID, dose.Name, dose.ProductID, dose.VolumeMl, dose.Price, dose.Active,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &updated, nil
}

func (s *Store) DeleteDose(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "doses", id)
}

func scanPaymentMethod(row rowScanner) (domain.PaymentMethod, error) {
	var m domain.PaymentMethod
	err := row.Scan(&m.ID, &m.Name, &m.Active, &m.CreatedAt, &m.UpdatedAt)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, err
}

func (s *Store) ListPaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, active, created_at, updated_at
		FROM payment_methods
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	methods := make([]domain.PaymentMethod, 0, 8)
	for rows.Next() {
		m, err := scanPaymentMethod(rows)
		if err != nil {
			return nil, err
		}
		methods = append(methods, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return methods, nil
}

func (s *Store) GetPaymentMethod(ctx context.Context, id string) (*domain.PaymentMethod, error) {
	m, err := scanPaymentMethod(s.db.QueryRowContext(ctx, `
		SELECT id, name, active, created_at, updated_at
		FROM payment_methods
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *Store) CreatePaymentMethod(ctx context.Context, method domain.PaymentMethod) (*domain.PaymentMethod, error) {
	method.Name = strings.TrimSpace(method.Name)
	if method.Name == "" {
		return nil, store.ErrInvalidInput
	}
	if method.ID == "" {
		method.ID = xid.New("pm")
	}

	created, err := scanPaymentMethod(s.db.QueryRowContext(ctx, `
		INSERT INTO payment_methods (id, name, active, created_at, updated_at)
		VALUES ($1,$2,$3,now(),now())
		RETURNING id, name, active, created_at, updated_at
	`, method.ID, method.Name, method.Active))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &created, nil
}

func (s *Store) UpdatePaymentMethod(ctx context.Context, method domain.PaymentMethod) (*domain.PaymentMethod, error) {
	method.Name = strings.TrimSpace(method.Name)
	if method.Name == "" {
		return nil, store.ErrInvalidInput
	}

	updated, err := scanPaymentMethod(s.db.QueryRowContext(ctx, `
		UPDATE payment_methods
		SET name = $2, active = $3, updated_at = now()
		WHERE id = $1
		RETURNING id, name, active, created_at, updated_at
	`, method.ID, method.Name, method.Active))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &updated, nil
}

func (s *Store) DeletePaymentMethod(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "payment_methods", id)
}

func (s *Store) ListOffers(ctx context.Context) ([]domain.Offer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(description,''), price, active, created_at, updated_at
		FROM offers
		ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	offers := make([]domain.Offer, 0, 16)
	for rows.Next() {
		var o domain.Offer
		if err := rows.Scan(&o.ID, &o.Name, &o.Description, &o.Price, &o.Active, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.CreatedAt = o.CreatedAt.UTC()
		o.UpdatedAt = o.UpdatedAt.UTC()
		offers = append(offers, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	items, err := s.loadOfferItems(ctx, s.db, "")
	if err != nil {
		return nil, err
	}
	for i := range offers {
		offers[i].Items = items[offers[i].ID]
		if offers[i].Items == nil {
			offers[i].Items = []domain.OfferItem{}
		}
	}
	return offers, nil
}

func (s *Store) GetOffer(ctx context.Context, id string) (*domain.Offer, error) {
	return s.getOffer(ctx, s.db, id)
}

func (s *Store) getOffer(ctx context.Context, q interface {
	queryer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, id string) (*domain.Offer, error) {
	var o domain.Offer
	err := q.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(description,''), price, active, created_at, updated_at
		FROM offers
		WHERE id = $1
	`, id).Scan(&o.ID, &o.Name, &o.Description, &o.Price, &o.Active, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()

	items, err := s.loadOfferItems(ctx, q, id)
	if err != nil {
		return nil, err
	}
	o.Items = items[id]
	if o.Items == nil {
		o.Items = []domain.OfferItem{}
	}
	return &o, nil
}

// loadOfferItems groups offer components by offer id. An empty offerID loads
// every offer's components.
func (s *Store) loadOfferItems(ctx context.Context, q queryer, offerID string) (map[string][]domain.OfferItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT offer_id, product_id, quantity
		FROM offer_items
		WHERE $1 = '' OR offer_id = $1
		ORDER BY offer_id, position
	`, offerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string][]domain.OfferItem)
	for rows.Next() {
		var id string
		var item domain.OfferItem
		if err := rows.Scan(&id, &item.ProductID, &item.Quantity); err != nil {
			return nil, err
		}
		result[id] = append(result[id], item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateOffer(ctx context.Context, offer domain.Offer) (*domain.Offer, error) {
	if strings.TrimSpace(offer.Name) == "" || len(offer.Items) == 0 {
		return nil, store.ErrInvalidInput
	}
	if offer.ID == "" {
		offer.ID = xid.New("offer")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO offers (id, name, description, price, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now(),now())
	`, offer.ID, offer.Name, nullIfEmpty(offer.Description), offer.Price, offer.Active)
	if err != nil {
		return nil, err
	}
	if err := insertOfferItems(ctx, tx, offer.ID, offer.Items); err != nil {
		return nil, err
	}

	created, err := s.getOffer(ctx, tx, offer.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Store) UpdateOffer(ctx context.Context, offer domain.Offer) (*domain.Offer, error) {
	if strings.TrimSpace(offer.Name) == "" || len(offer.Items) == 0 {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE offers
		SET name = $2, description = $3, price = $4, active = $5, updated_at = now()
		WHERE id = $1
	`, offer.ID, offer.Name, nullIfEmpty(offer.Description), offer.Price, offer.Active)
	if err != nil {
		return nil, err
	}
	if affected, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if affected == 0 {
		return nil, store.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM offer_items WHERE offer_id = $1`, offer.ID); err != nil {
		return nil, err
	}
	if err := insertOfferItems(ctx, tx, offer.ID, offer.Items); err != nil {
		return nil, err
	}

	updated, err := s.getOffer(ctx, tx, offer.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return updated, nil
}

func insertOfferItems(ctx context.Context, tx *sql.Tx, offerID string, items []domain.OfferItem) error {
	for i, item := range items {
		if item.Quantity < 1 {
			return store.ErrInvalidInput
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO offer_items (offer_id, position, product_id, quantity)
			VALUES ($1,$2,$3,$4)
		`, offerID, i, item.ProductID, item.Quantity)
		if err != nil {
			if isForeignKeyViolation(err) {
				return store.ErrNotFound
			}
			return err
		}
	}
	return nil
}

func (s *Store) DeleteOffer(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "offers", id)
}

const saleColumns = `id, seller_username, COALESCE(payment_method_id,''), status, subtotal, discount, total,
	COALESCE(cancel_reason,''), created_at, cancelled_at`

func scanSale(row rowScanner) (domain.Sale, error) {
	var sale domain.Sale
	var cancelledAt sql.NullTime
	err := row.Scan(
		&sale.ID,
		&sale.SellerUsername,
		&sale.PaymentMethodID,
		&sale.Status,
		&sale.Subtotal,
		&sale.Discount,
		&sale.Total,
		&sale.CancelReason,
		&sale.CreatedAt,
		&cancelledAt,
	)
	if err != nil {
		return sale, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	if cancelledAt.Valid {
		at := cancelledAt.Time.UTC()
		sale.CancelledAt = &at
	}
	return sale, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale, moves []store.StockMove) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, store.ErrInvalidInput
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

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := applyStockMoves(ctx, tx, moves); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, seller_username, payment_method_id, status, subtotal, discount, total, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, sale.ID, sale.SellerUsername, nullIfEmpty(sale.PaymentMethodID), sale.Status,
		sale.Subtotal, sale.Discount, sale.Total, sale.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := insertLineItems(ctx, tx, "sale_items", sale.ID, sale.Items); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetSale(ctx, sale.ID)
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	sale, err := scanSale(s.db.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	items, err := loadLineItems(ctx, s.db, "sale_items", []string{id})
	if err != nil {
		return nil, err
	}
	sale.Items = itemsOrEmpty(items[id])
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM sales
		WHERE ($1 = '' OR seller_username = $1) AND ($2 = '' OR status = $2)
	`, filter.SellerUsername, filter.Status).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + saleColumns + `
		FROM sales
		WHERE ($1 = '' OR seller_username = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id DESC`
	args := []any{filter.SellerUsername, filter.Status}
	if filter.Limit > 0 {
		page := max(filter.Page, 1)
		query += ` LIMIT $3 OFFSET $4`
		args = append(args, filter.Limit, (page-1)*filter.Limit)
	}

	sales, err := s.querySales(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return sales, total, nil
}

func (s *Store) querySales(ctx context.Context, query string, args ...any) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 32)
	ids := make([]string, 0, 32)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	items, err := loadLineItems(ctx, s.db, "sale_items", ids)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Items = itemsOrEmpty(items[sales[i].ID])
	}
	return sales, nil
}

func (s *Store) CancelSale(ctx context.Context, id string, reason string, at time.Time, moves []store.StockMove) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status
		FROM sales
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.SaleStatusCompleted {
		return nil, store.ErrConflict
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, cancel_reason = $3, cancelled_at = $4
		WHERE id = $1
	`, id, domain.SaleStatusCancelled, reason, at)
	if err != nil {
		return nil, err
	}
	if err := applyStockMoves(ctx, tx, moves); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetSale(ctx, id)
}

const orderColumns = `id, customer_name, COALESCE(customer_phone,''), address, status, delivery_fee, total,
	created_by, created_at, updated_at`

func scanOrder(row rowScanner) (domain.Order, error) {
	var o domain.Order
	err := row.Scan(
		&o.ID,
		&o.CustomerName,
		&o.CustomerPhone,
		&o.Address,
		&o.Status,
		&o.DeliveryFee,
		&o.Total,
		&o.CreatedBy,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, err
}

func (s *Store) CreateOrder(ctx context.Context, order domain.Order, moves []store.StockMove) (*domain.Order, error) {
	if len(order.Items) == 0 {
		return nil, store.ErrInvalidInput
	}
	if order.ID == "" {
		order.ID = xid.New("order")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusPending
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := applyStockMoves(ctx, tx, moves); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, customer_name, customer_phone, address, status, delivery_fee, total, created_by, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
	`, order.ID, order.CustomerName, nullIfEmpty(order.CustomerPhone), order.Address, order.Status,
		order.DeliveryFee, order.Total, order.CreatedBy, order.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := insertLineItems(ctx, tx, "order_items", order.ID, order.Items); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, order.ID)
}

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	items, err := loadLineItems(ctx, s.db, "order_items", []string{id})
	if err != nil {
		return nil, err
	}
	order.Items = itemsOrEmpty(items[id])
	return &order, nil
}

func (s *Store) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE $1 = '' OR status = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, filter.Status, limit)
}

func (s *Store) queryOrders(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, 32)
	ids := make([]string, 0, 32)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
		ids = append(ids, order.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	items, err := loadLineItems(ctx, s.db, "order_items", ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = itemsOrEmpty(items[orders[i].ID])
	}
	return orders, nil
}

// UpdateOrderStatus only succeeds while the order is still in from; the row
// lock makes concurrent transitions on the same order serialize.
func (s *Store) UpdateOrderStatus(ctx context.Context, id string, from string, to string, at time.Time, moves []store.StockMove) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status
		FROM orders
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != from {
		return nil, store.ErrConflict
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, updated_at = $3
		WHERE id = $1
	`, id, to, at)
	if err != nil {
		return nil, err
	}
	if err := applyStockMoves(ctx, tx, moves); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, id)
}

func (s *Store) CreateExpense(ctx context.Context, expense domain.Expense) (*domain.Expense, error) {
	if strings.TrimSpace(expense.Description) == "" || expense.Value.IsNegative() {
		return nil, store.ErrInvalidInput
	}
	if expense.ID == "" {
		expense.ID = xid.New("exp")
	}
	if expense.CreatedAt.IsZero() {
		expense.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO expenses (id, description, category, value, due_date, paid, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, expense.ID, expense.Description, nullIfEmpty(expense.Category), expense.Value, nullDate(expense.DueDate),
		expense.Paid, expense.CreatedBy, expense.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &expense, nil
}

func (s *Store) ListExpenses(ctx context.Context, window domain.DateRange) ([]domain.Expense, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, COALESCE(category,''), value, due_date, paid, created_by, created_at
		FROM expenses
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
			AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC, id DESC
	`, nullTime(window.From), nullTime(window.To))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	expenses := make([]domain.Expense, 0, 32)
	for rows.Next() {
		var e domain.Expense
		var dueDate sql.NullTime
		if err := rows.Scan(&e.ID, &e.Description, &e.Category, &e.Value, &dueDate, &e.Paid, &e.CreatedBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		if dueDate.Valid {
			due := dueDate.Time.UTC()
			e.DueDate = &due
		}
		e.CreatedAt = e.CreatedAt.UTC()
		expenses = append(expenses, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return expenses, nil
}

func (s *Store) ListCompletedSales(ctx context.Context, window domain.DateRange) ([]domain.Sale, error) {
	return s.querySales(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE status = $1
			AND ($2::timestamptz IS NULL OR created_at >= $2)
			AND ($3::timestamptz IS NULL OR created_at < $3)
		ORDER BY id
	`, domain.SaleStatusCompleted, nullTime(window.From), nullTime(window.To))
}

func (s *Store) ListDeliveredOrders(ctx context.Context, window domain.DateRange) ([]domain.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = $1
			AND ($2::timestamptz IS NULL OR created_at >= $2)
			AND ($3::timestamptz IS NULL OR created_at < $3)
		ORDER BY id
	`, domain.OrderStatusDelivered, nullTime(window.From), nullTime(window.To))
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID,
		nullIfEmpty(entry.Detail), entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, COALESCE(detail,''), created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action,
			&entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = domain.RoleSeller
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, name, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, user.Username, user.Name, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, name, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Name, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// applyStockMoves nets the moves per product and applies them in id order so
// concurrent writers lock rows in the same sequence. A decrement that would
// push stock below zero fails the whole transaction. Restocking a product that
// was deleted in the meantime is skipped.
func applyStockMoves(ctx context.Context, tx *sql.Tx, moves []store.StockMove) error {
	net := make(map[string]int, len(moves))
	for _, m := range moves {
		if m.ProductID == "" {
			continue
		}
		net[m.ProductID] += m.Delta
	}
	ids := make([]string, 0, len(net))
	for id, delta := range net {
		if delta != 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		delta := net[id]
		res, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock + $2, updated_at = now()
			WHERE id = $1 AND stock + $2 >= 0
		`, id, delta)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected > 0 || delta > 0 {
			continue
		}

		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrInsufficientStock
	}
	return nil
}

func lineItemParent(table string) (string, error) {
	switch table {
	case "sale_items":
		return "sale_id", nil
	case "order_items":
		return "order_id", nil
	default:
		return "", fmt.Errorf("unsupported line item table %q", table)
	}
}

func insertLineItems(ctx context.Context, tx *sql.Tx, table string, parentID string, items []domain.LineItem) error {
	parent, err := lineItemParent(table)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (
			id, %s, position, product_id, quantity, price, cost_price, is_dose_item, dose_id, offer_id
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, table, parent)

	for i, item := range items {
		if item.ID == "" {
			item.ID = xid.New("item")
		}
		_, err := tx.ExecContext(ctx, query, item.ID, parentID, i, nullIfEmpty(item.ProductID), item.Quantity,
			item.Price, item.CostPrice, item.IsDoseItem, nullIfEmpty(item.DoseID), nullIfEmpty(item.OfferID))
		if err != nil {
			if isForeignKeyViolation(err) {
				return store.ErrNotFound
			}
			return err
		}
	}
	return nil
}

// loadLineItems reads the lines of the given parents joined with the current
// product row. Lines whose product was deleted come back with a nil Product.
func loadLineItems(ctx context.Context, q queryer, table string, parentIDs []string) (map[string][]domain.LineItem, error) {
	result := make(map[string][]domain.LineItem, len(parentIDs))
	if len(parentIDs) == 0 {
		return result, nil
	}
	parent, err := lineItemParent(table)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT li.%[2]s, li.id, COALESCE(li.product_id,''), li.quantity, li.price, li.cost_price,
			li.is_dose_item, COALESCE(li.dose_id,''), COALESCE(li.offer_id,''),
			p.id, p.name, p.is_fractioned, p.unit_volume_ml
		FROM %[1]s li
		LEFT JOIN products p ON p.id = li.product_id
		WHERE li.%[2]s = ANY($1)
		ORDER BY li.%[2]s, li.position
	`, table, parent), parentIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var parentID string
		var item domain.LineItem
		var productID, productName sql.NullString
		var fractioned sql.NullBool
		var unitVolume sql.NullInt32
		if err := rows.Scan(
			&parentID,
			&item.ID,
			&item.ProductID,
			&item.Quantity,
			&item.Price,
			&item.CostPrice,
			&item.IsDoseItem,
			&item.DoseID,
			&item.OfferID,
			&productID,
			&productName,
			&fractioned,
			&unitVolume,
		); err != nil {
			return nil, err
		}
		if productID.Valid {
			ref := &domain.ProductRef{
				ID:           productID.String,
				Name:         productName.String,
				IsFractioned: fractioned.Bool,
			}
			if unitVolume.Valid {
				ml := int(unitVolume.Int32)
				ref.UnitVolumeMl = &ml
			}
			item.Product = ref
		}
		result[parentID] = append(result[parentID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func itemsOrEmpty(items []domain.LineItem) []domain.LineItem {
	if items == nil {
		return []domain.LineItem{}
	}
	return items
}

func (s *Store) deleteByID(ctx context.Context, table string, id string) error {
	switch table {
	case "products", "doses", "payment_methods", "offers":
	default:
		return fmt.Errorf("unsupported delete table %q", table)
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) productExists(ctx context.Context, id string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullInt(val *int) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	t := val.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
