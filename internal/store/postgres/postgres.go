package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"storems/backend/internal/domain"
	"storems/backend/internal/store"
	"storems/backend/internal/xid"
)

type Store struct {
	db *sql.DB
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

func (s *Store) Close() error {
	return s.db.Close()
}

const productColumns = `id, sku, product_code, name, brand, image_url, price_cents, stock_quantity, status, created_at, updated_at`

// adjustStockSQL applies one stock delta and recomputes the derived status in
// the same statement. DISCONTINUED is sticky; quantity zero means OUT_OF_STOCK
// and a positive quantity clears OUT_OF_STOCK back to IN_STOCK. The
// stock_quantity + $2 >= 0 guard makes a decrement past zero affect no rows.
const adjustStockSQL = `
	UPDATE products
	SET stock_quantity = stock_quantity + $2,
		status = CASE
			WHEN status = 'DISCONTINUED' THEN status
			WHEN stock_quantity + $2 = 0 THEN 'OUT_OF_STOCK'
			WHEN status = 'OUT_OF_STOCK' OR status = '' THEN 'IN_STOCK'
			ELSE status
		END,
		updated_at = now()
	WHERE id = $1 AND stock_quantity + $2 >= 0
`

func scanProduct(row interface{ Scan(...any) error }) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.SKU, &p.ProductCode, &p.Name, &p.Brand, &p.ImageURL,
		&p.PriceCents, &p.StockQuantity, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		ORDER BY name, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidQuantity
	}
	if product.StockQuantity < 0 {
		return nil, store.ErrInvalidQuantity
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	product.Status = derivedStatus(product.Status, product.StockQuantity)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, product.ID, product.SKU, product.ProductCode, product.Name, product.Brand, product.ImageURL,
		product.PriceCents, product.StockQuantity, product.Status, product.CreatedAt, product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("product %s already exists", product.ID)
		}
		return nil, err
	}
	created := product
	return &created, nil
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1
	`, id)
	p, err := scanProduct(row)
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

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = ANY($1)
	`, ids)
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

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidQuantity
	}

	// Stock mutations go through order/return/receive paths only, so the
	// update never touches stock_quantity. The derived status is recomputed
	// from the live quantity unless the caller pins DISCONTINUED.
	row := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET name = $2, brand = $3, image_url = $4, price_cents = $5,
			status = CASE
				WHEN $6 = 'DISCONTINUED' THEN 'DISCONTINUED'
				WHEN stock_quantity = 0 THEN 'OUT_OF_STOCK'
				ELSE 'IN_STOCK'
			END,
			updated_at = now()
		WHERE id = $1
		RETURNING `+productColumns+`
	`, product.ID, product.Name, product.Brand, product.ImageURL, product.PriceCents, product.Status)
	updated, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &updated, nil
}

func (s *Store) ReceiveStock(ctx context.Context, entry domain.LedgerEntry) (*domain.Product, error) {
	if entry.Quantity < 1 {
		return nil, store.ErrInvalidQuantity
	}
	entry.Direction = domain.MovementIn
	if entry.ReferenceType == "" {
		entry.ReferenceType = domain.ReferencePurchaseOrder
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, adjustStockSQL, entry.ProductID, entry.Quantity)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	if err := insertLedgerTx(ctx, tx, entry); err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, entry.ProductID)
	product, err := scanProduct(row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Store) ListLedgerEntries(ctx context.Context, q domain.LedgerQuery) ([]domain.LedgerEntry, error) {
	limit := q.Limit
	if limit < 1 {
		limit = 200
	}

	query := `
		SELECT id, product_id, direction, quantity, reference_type, reference_id, note, created_at
		FROM stock_ledger
		WHERE ($1 = '' OR product_id = $1)
			AND ($2 = '' OR reference_type = $2)
			AND ($3 = '' OR reference_id = $3)
	`
	args := []any{q.ProductID, q.ReferenceType, q.ReferenceID}
	if q.From != nil {
		args = append(args, *q.From)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if q.To != nil {
		args = append(args, *q.To)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0, limit)
	for rows.Next() {
		var entry domain.LedgerEntry
		if err := rows.Scan(&entry.ID, &entry.ProductID, &entry.Direction, &entry.Quantity,
			&entry.ReferenceType, &entry.ReferenceID, &entry.Note, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) GetCustomerByID(ctx context.Context, id string) (*domain.Customer, error) {
	return s.findCustomer(ctx, "id", id)
}

func (s *Store) FindCustomerByPhone(ctx context.Context, phone string) (*domain.Customer, error) {
	return s.findCustomer(ctx, "phone", phone)
}

func (s *Store) findCustomer(ctx context.Context, column string, value string) (*domain.Customer, error) {
	if column != "id" && column != "phone" {
		return nil, fmt.Errorf("unsupported lookup column")
	}

	var customer domain.Customer
	var userID sql.NullString
	query := fmt.Sprintf(`
		SELECT id, name, phone, address, user_id, created_at
		FROM customers
		WHERE %s = $1
	`, column)
	err := s.db.QueryRowContext(ctx, query, value).Scan(
		&customer.ID, &customer.Name, &customer.Phone, &customer.Address, &userID, &customer.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if userID.Valid {
		customer.UserID = userID.String
	}
	customer.CreatedAt = customer.CreatedAt.UTC()
	return &customer, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if strings.TrimSpace(customer.Name) == "" || strings.TrimSpace(customer.Phone) == "" {
		return nil, fmt.Errorf("customer name and phone required")
	}
	if customer.ID == "" {
		customer.ID = xid.New("cus")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, phone, address, user_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, customer.ID, customer.Name, customer.Phone, customer.Address, nullIfEmpty(customer.UserID), customer.CreatedAt)
	if err != nil {
		// Phone is the dedup key: a second create for the same phone hands
		// back the existing customer instead of failing.
		if isUniqueViolation(err) {
			return s.FindCustomerByPhone(ctx, customer.Phone)
		}
		return nil, err
	}
	created := customer
	return &created, nil
}

func (s *Store) GetCart(ctx context.Context, customerID string) (*domain.Cart, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, quantity, added_at
		FROM cart_items
		WHERE customer_id = $1
		ORDER BY added_at, id
	`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cart := domain.Cart{CustomerID: customerID, Items: []domain.CartItem{}}
	for rows.Next() {
		var item domain.CartItem
		if err := rows.Scan(&item.ID, &item.ProductID, &item.Quantity, &item.AddedAt); err != nil {
			return nil, err
		}
		item.AddedAt = item.AddedAt.UTC()
		cart.Items = append(cart.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &cart, nil
}

func (s *Store) UpsertCartItem(ctx context.Context, customerID string, item domain.CartItem) (*domain.Cart, error) {
	if item.Quantity < 1 {
		return nil, store.ErrInvalidQuantity
	}
	if _, err := s.GetProductByID(ctx, item.ProductID); err != nil {
		return nil, err
	}
	if item.ID == "" {
		item.ID = xid.New("cit")
	}
	if item.AddedAt.IsZero() {
		item.AddedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cart_items (id, customer_id, product_id, quantity, added_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (customer_id, product_id)
		DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity
	`, item.ID, customerID, item.ProductID, item.Quantity, item.AddedAt)
	if err != nil {
		return nil, err
	}
	return s.GetCart(ctx, customerID)
}

func (s *Store) UpdateCartItemQuantity(ctx context.Context, customerID string, itemID string, quantity int) (*domain.Cart, error) {
	if quantity < 1 {
		return nil, store.ErrInvalidQuantity
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE cart_items
		SET quantity = $3
		WHERE customer_id = $1 AND id = $2
	`, customerID, itemID, quantity)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetCart(ctx, customerID)
}

func (s *Store) RemoveCartItem(ctx context.Context, customerID string, itemID string) (*domain.Cart, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM cart_items
		WHERE customer_id = $1 AND id = $2
	`, customerID, itemID)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetCart(ctx, customerID)
}

func (s *Store) ClearCart(ctx context.Context, customerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cart_items WHERE customer_id = $1`, customerID)
	return err
}

func (s *Store) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	if len(order.Details) == 0 {
		return nil, store.ErrInvalidQuantity
	}
	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if order.OrderDate.IsZero() {
		order.OrderDate = time.Now().UTC()
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusPending
	}

	required := make(map[string]int, len(order.Details))
	for _, detail := range order.Details {
		if detail.Quantity < 1 {
			return nil, store.ErrInvalidQuantity
		}
		required[detail.ProductID] += detail.Quantity
	}
	productIDs := make([]string, 0, len(required))
	for id := range required {
		productIDs = append(productIDs, id)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Lock and validate every product before touching any stock so a failing
	// later line cannot leave earlier decrements behind.
	rows, err := tx.QueryContext(ctx, `
		SELECT id, status, stock_quantity
		FROM products
		WHERE id = ANY($1)
		FOR UPDATE
	`, productIDs)
	if err != nil {
		return nil, err
	}
	type productState struct {
		status string
		stock  int
	}
	locked := make(map[string]productState, len(productIDs))
	for rows.Next() {
		var id string
		var state productState
		if err := rows.Scan(&id, &state.status, &state.stock); err != nil {
			_ = rows.Close()
			return nil, err
		}
		locked[id] = state
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for productID, qty := range required {
		state, exists := locked[productID]
		if !exists {
			return nil, store.ErrNotFound
		}
		if state.status == domain.ProductStatusOutOfStock || state.status == domain.ProductStatusDiscontinued {
			return nil, store.ErrProductUnavailable
		}
		if state.stock < qty {
			return nil, store.ErrInsufficientStock
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, customer_id, employee_id, status, total_amount_cents, discount_cents,
			shipping_fee_cents, shipping_discount_cents, final_amount_cents, payment_method,
			promotion_code, notes, shipping_address, order_date, delivered_at, completed_at,
			return_window_days
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, order.ID, nullIfEmpty(order.CustomerID), nullIfEmpty(order.EmployeeID), order.Status,
		order.TotalAmountCents, order.DiscountCents, order.ShippingFeeCents, order.ShippingDiscountCents,
		order.FinalAmountCents, order.PaymentMethod, nullIfEmpty(order.PromotionCode), order.Notes,
		order.ShippingAddress, order.OrderDate, nullTime(order.DeliveredAt), nullTime(order.CompletedAt),
		nullInt(order.ReturnWindowDays))
	if err != nil {
		return nil, err
	}

	for i := range order.Details {
		if order.Details[i].ID == "" {
			order.Details[i].ID = xid.New("odt")
		}
		order.Details[i].OrderID = order.ID
		detail := order.Details[i]

		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_details (
				id, order_id, product_id, quantity, unit_price_cents,
				product_name, product_code, product_image
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, detail.ID, detail.OrderID, detail.ProductID, detail.Quantity, detail.UnitPriceCents,
			detail.ProductName, detail.ProductCode, detail.ProductImage)
		if err != nil {
			return nil, err
		}

		res, err := tx.ExecContext(ctx, adjustStockSQL, detail.ProductID, -detail.Quantity)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, store.ErrInsufficientStock
		}

		err = insertLedgerTx(ctx, tx, domain.LedgerEntry{
			ProductID:     detail.ProductID,
			Direction:     domain.MovementOut,
			Quantity:      detail.Quantity,
			ReferenceType: domain.ReferenceSaleOrder,
			ReferenceID:   order.ID,
			Note:          "stock out for order " + order.ID,
		})
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := order
	return &created, nil
}

const orderColumns = `id, COALESCE(customer_id,''), COALESCE(employee_id,''), status, total_amount_cents,
	discount_cents, shipping_fee_cents, shipping_discount_cents, final_amount_cents,
	payment_method, COALESCE(promotion_code,''), notes, shipping_address, order_date,
	delivered_at, completed_at, return_window_days`

func (s *Store) GetOrderByID(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = $1
	`, id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	details, err := s.loadOrderDetails(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	order.Details = details[id]
	if order.Details == nil {
		order.Details = []domain.OrderDetail{}
	}
	return &order, nil
}

func (s *Store) ListOrders(ctx context.Context, q domain.OrderQuery) ([]domain.Order, error) {
	limit := q.Limit
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE ($1 = '' OR customer_id = $1)
			AND ($2 = '' OR status = $2)
		ORDER BY order_date DESC, id DESC
		LIMIT $3
	`, q.CustomerID, q.Status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, limit)
	orderIDs := make([]string, 0, limit)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
		orderIDs = append(orderIDs, order.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	details, err := s.loadOrderDetails(ctx, orderIDs)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Details = details[orders[i].ID]
		if orders[i].Details == nil {
			orders[i].Details = []domain.OrderDetail{}
		}
	}
	return orders, nil
}

func scanOrder(row interface{ Scan(...any) error }) (domain.Order, error) {
	var order domain.Order
	var deliveredAt, completedAt sql.NullTime
	var returnWindow sql.NullInt64
	err := row.Scan(&order.ID, &order.CustomerID, &order.EmployeeID, &order.Status,
		&order.TotalAmountCents, &order.DiscountCents, &order.ShippingFeeCents,
		&order.ShippingDiscountCents, &order.FinalAmountCents, &order.PaymentMethod,
		&order.PromotionCode, &order.Notes, &order.ShippingAddress, &order.OrderDate,
		&deliveredAt, &completedAt, &returnWindow)
	if err != nil {
		return order, err
	}
	order.OrderDate = order.OrderDate.UTC()
	if deliveredAt.Valid {
		at := deliveredAt.Time.UTC()
		order.DeliveredAt = &at
	}
	if completedAt.Valid {
		at := completedAt.Time.UTC()
		order.CompletedAt = &at
	}
	if returnWindow.Valid {
		days := int(returnWindow.Int64)
		order.ReturnWindowDays = &days
	}
	return order, nil
}

func (s *Store) loadOrderDetails(ctx context.Context, orderIDs []string) (map[string][]domain.OrderDetail, error) {
	result := make(map[string][]domain.OrderDetail, len(orderIDs))
	if len(orderIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, product_id, quantity, unit_price_cents,
			product_name, product_code, product_image
		FROM order_details
		WHERE order_id = ANY($1)
		ORDER BY order_id, id
	`, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var detail domain.OrderDetail
		if err := rows.Scan(&detail.ID, &detail.OrderID, &detail.ProductID, &detail.Quantity,
			&detail.UnitPriceCents, &detail.ProductName, &detail.ProductCode, &detail.ProductImage); err != nil {
			return nil, err
		}
		result[detail.OrderID] = append(result[detail.OrderID], detail)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ConfirmOrder(ctx context.Context, orderID string, at time.Time) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	status, err := lockOrderStatus(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if status != domain.OrderStatusPending {
		return nil, store.ErrInvalidTransition
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET status = $2 WHERE id = $1
	`, orderID, domain.OrderStatusConfirmed)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE shipments SET status = $2, updated_at = $3 WHERE order_id = $1
	`, orderID, domain.ShipmentStatusShipped, at)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetOrderByID(ctx, orderID)
}

func (s *Store) CancelOrder(ctx context.Context, orderID string, at time.Time) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	status, err := lockOrderStatus(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if status != domain.OrderStatusPending {
		return nil, store.ErrInvalidTransition
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT product_id, quantity
		FROM order_details
		WHERE order_id = $1
	`, orderID)
	if err != nil {
		return nil, err
	}
	type restockLine struct {
		productID string
		quantity  int
	}
	lines := make([]restockLine, 0, 8)
	for rows.Next() {
		var line restockLine
		if err := rows.Scan(&line.productID, &line.quantity); err != nil {
			_ = rows.Close()
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, line := range lines {
		// A product deleted after the sale cannot be restocked; its ledger
		// entry is skipped with it.
		res, err := tx.ExecContext(ctx, adjustStockSQL, line.productID, line.quantity)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			continue
		}

		err = insertLedgerTx(ctx, tx, domain.LedgerEntry{
			ProductID:     line.productID,
			Direction:     domain.MovementIn,
			Quantity:      line.quantity,
			ReferenceType: domain.ReferenceSaleOrder,
			ReferenceID:   orderID,
			Note:          "restock from canceled order " + orderID,
			CreatedAt:     at,
		})
		if err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET status = $2 WHERE id = $1
	`, orderID, domain.OrderStatusCanceled)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetOrderByID(ctx, orderID)
}

func (s *Store) CompleteOrder(ctx context.Context, orderID string, at time.Time, returnWindowDays int) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	status, err := lockOrderStatus(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if status != domain.OrderStatusConfirmed {
		return nil, store.ErrInvalidTransition
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, delivered_at = $3, completed_at = $3, return_window_days = $4
		WHERE id = $1
	`, orderID, domain.OrderStatusCompleted, at, returnWindowDays)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE shipments SET status = $2, updated_at = $3 WHERE order_id = $1
	`, orderID, domain.ShipmentStatusDelivered, at)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetOrderByID(ctx, orderID)
}

func (s *Store) CreateShipment(ctx context.Context, shipment domain.Shipment) (*domain.Shipment, error) {
	if shipment.OrderID == "" {
		return nil, store.ErrInvalidQuantity
	}
	if shipment.ID == "" {
		shipment.ID = xid.New("shp")
	}
	if shipment.Status == "" {
		shipment.Status = domain.ShipmentStatusPreparing
	}
	if shipment.UpdatedAt.IsZero() {
		shipment.UpdatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shipments (id, order_id, status, tracking_number, updated_at)
		VALUES ($1,$2,$3,$4,$5)
	`, shipment.ID, shipment.OrderID, shipment.Status, shipment.TrackingNumber, shipment.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("shipment already exists for order %s", shipment.OrderID)
		}
		return nil, err
	}
	created := shipment
	return &created, nil
}

func (s *Store) GetShipmentByOrder(ctx context.Context, orderID string) (*domain.Shipment, error) {
	var shipment domain.Shipment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, status, tracking_number, updated_at
		FROM shipments
		WHERE order_id = $1
	`, orderID).Scan(&shipment.ID, &shipment.OrderID, &shipment.Status, &shipment.TrackingNumber, &shipment.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	shipment.UpdatedAt = shipment.UpdatedAt.UTC()
	return &shipment, nil
}

func (s *Store) CreateOrderReturn(ctx context.Context, ret domain.OrderReturn) (*domain.OrderReturn, error) {
	if len(ret.Items) == 0 {
		return nil, store.ErrInvalidQuantity
	}
	if _, err := s.GetOrderByID(ctx, ret.OrderID); err != nil {
		return nil, err
	}
	if ret.ID == "" {
		ret.ID = xid.New("ret")
	}
	if ret.RequestedAt.IsZero() {
		ret.RequestedAt = time.Now().UTC()
	}
	if ret.Status == "" {
		ret.Status = domain.ReturnStatusRequested
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO order_returns (
			id, order_id, customer_id, type, status, reason, admin_note,
			refund_amount_cents, employee_id, requested_at, processed_at, completed_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, ret.ID, ret.OrderID, nullIfEmpty(ret.CustomerID), ret.Type, ret.Status, ret.Reason,
		ret.AdminNote, ret.RefundAmountCents, nullIfEmpty(ret.EmployeeID), ret.RequestedAt,
		nullTime(ret.ProcessedAt), nullTime(ret.CompletedAt))
	if err != nil {
		return nil, err
	}

	for i := range ret.Items {
		if ret.Items[i].ID == "" {
			ret.Items[i].ID = xid.New("rti")
		}
		item := ret.Items[i]
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_return_items (
				id, return_id, order_detail_id, product_id, quantity,
				exchange_product_id, exchange_quantity, line_refund_cents
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, item.ID, ret.ID, item.OrderDetailID, item.ProductID, item.Quantity,
			nullIfEmpty(item.ExchangeProductID), item.ExchangeQuantity, item.LineRefundCents)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := ret
	return &created, nil
}

const returnColumns = `id, order_id, COALESCE(customer_id,''), type, status, reason, admin_note,
	refund_amount_cents, COALESCE(employee_id,''), requested_at, processed_at, completed_at`

func (s *Store) GetOrderReturnByID(ctx context.Context, id string) (*domain.OrderReturn, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+returnColumns+`
		FROM order_returns
		WHERE id = $1
	`, id)
	ret, err := scanOrderReturn(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	items, err := s.loadReturnItems(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	ret.Items = items[id]
	if ret.Items == nil {
		ret.Items = []domain.OrderReturnItem{}
	}
	return &ret, nil
}

func (s *Store) ListOrderReturns(ctx context.Context, orderID string) ([]domain.OrderReturn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+returnColumns+`
		FROM order_returns
		WHERE ($1 = '' OR order_id = $1)
		ORDER BY requested_at DESC, id DESC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	returns := make([]domain.OrderReturn, 0, 8)
	returnIDs := make([]string, 0, 8)
	for rows.Next() {
		ret, err := scanOrderReturn(rows)
		if err != nil {
			return nil, err
		}
		returns = append(returns, ret)
		returnIDs = append(returnIDs, ret.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	items, err := s.loadReturnItems(ctx, returnIDs)
	if err != nil {
		return nil, err
	}
	for i := range returns {
		returns[i].Items = items[returns[i].ID]
		if returns[i].Items == nil {
			returns[i].Items = []domain.OrderReturnItem{}
		}
	}
	return returns, nil
}

func scanOrderReturn(row interface{ Scan(...any) error }) (domain.OrderReturn, error) {
	var ret domain.OrderReturn
	var processedAt, completedAt sql.NullTime
	err := row.Scan(&ret.ID, &ret.OrderID, &ret.CustomerID, &ret.Type, &ret.Status, &ret.Reason,
		&ret.AdminNote, &ret.RefundAmountCents, &ret.EmployeeID, &ret.RequestedAt, &processedAt, &completedAt)
	if err != nil {
		return ret, err
	}
	ret.RequestedAt = ret.RequestedAt.UTC()
	if processedAt.Valid {
		at := processedAt.Time.UTC()
		ret.ProcessedAt = &at
	}
	if completedAt.Valid {
		at := completedAt.Time.UTC()
		ret.CompletedAt = &at
	}
	return ret, nil
}

func (s *Store) loadReturnItems(ctx context.Context, returnIDs []string) (map[string][]domain.OrderReturnItem, error) {
	result := make(map[string][]domain.OrderReturnItem, len(returnIDs))
	if len(returnIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, return_id, order_detail_id, product_id, quantity,
			COALESCE(exchange_product_id,''), exchange_quantity, line_refund_cents
		FROM order_return_items
		WHERE return_id = ANY($1)
		ORDER BY return_id, id
	`, returnIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var returnID string
		var item domain.OrderReturnItem
		if err := rows.Scan(&item.ID, &returnID, &item.OrderDetailID, &item.ProductID, &item.Quantity,
			&item.ExchangeProductID, &item.ExchangeQuantity, &item.LineRefundCents); err != nil {
			return nil, err
		}
		result[returnID] = append(result[returnID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetReturnedQtyByOrder(ctx context.Context, orderID string) (map[string]int, error) {
	result := make(map[string]int)
	rows, err := s.db.QueryContext(ctx, `
		SELECT ori.order_detail_id, COALESCE(SUM(ori.quantity), 0)::int
		FROM order_returns r
		JOIN order_return_items ori ON ori.return_id = r.id
		WHERE r.order_id = $1 AND r.status <> $2
		GROUP BY ori.order_detail_id
	`, orderID, domain.ReturnStatusRejected)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var detailID string
		var qty int
		if err := rows.Scan(&detailID, &qty); err != nil {
			return nil, err
		}
		result[detailID] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) DecideOrderReturn(ctx context.Context, returnID string, status string, employeeID string, adminNote string, refundCents int64, at time.Time) (*domain.OrderReturn, error) {
	if status != domain.ReturnStatusApproved && status != domain.ReturnStatusRejected {
		return nil, store.ErrInvalidTransition
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := lockReturnStatus(ctx, tx, returnID)
	if err != nil {
		return nil, err
	}
	if current != domain.ReturnStatusRequested {
		return nil, store.ErrInvalidTransition
	}

	if status == domain.ReturnStatusApproved {
		_, err = tx.ExecContext(ctx, `
			UPDATE order_returns
			SET status = $2, employee_id = $3, admin_note = $4, refund_amount_cents = $5, processed_at = $6
			WHERE id = $1
		`, returnID, status, employeeID, adminNote, refundCents, at)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE order_returns
			SET status = $2, employee_id = $3, admin_note = $4, processed_at = $5
			WHERE id = $1
		`, returnID, status, employeeID, adminNote, at)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetOrderReturnByID(ctx, returnID)
}

func (s *Store) CompleteOrderReturn(ctx context.Context, returnID string, at time.Time) (*domain.OrderReturn, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var ret domain.OrderReturn
	err = tx.QueryRowContext(ctx, `
		SELECT id, order_id, type, status
		FROM order_returns
		WHERE id = $1
		FOR UPDATE
	`, returnID).Scan(&ret.ID, &ret.OrderID, &ret.Type, &ret.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if ret.Status != domain.ReturnStatusApproved {
		return nil, store.ErrInvalidTransition
	}

	itemRows, err := tx.QueryContext(ctx, `
		SELECT product_id, quantity, COALESCE(exchange_product_id,''), exchange_quantity
		FROM order_return_items
		WHERE return_id = $1
		ORDER BY id
	`, returnID)
	if err != nil {
		return nil, err
	}
	items := make([]domain.OrderReturnItem, 0, 4)
	for itemRows.Next() {
		var item domain.OrderReturnItem
		if err := itemRows.Scan(&item.ProductID, &item.Quantity, &item.ExchangeProductID, &item.ExchangeQuantity); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		items = append(items, item)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return nil, err
	}
	_ = itemRows.Close()

	// Lock every touched product and validate the exchange decrements before
	// any stock change; the completion is all or nothing.
	touched := make(map[string]bool, len(items)*2)
	required := make(map[string]int)
	for _, item := range items {
		touched[item.ProductID] = true
		if ret.Type == domain.ReturnTypeExchange && item.ExchangeProductID != "" {
			touched[item.ExchangeProductID] = true
			required[item.ExchangeProductID] += item.ExchangeQuantity
		}
	}
	productIDs := make([]string, 0, len(touched))
	for id := range touched {
		productIDs = append(productIDs, id)
	}

	stockRows, err := tx.QueryContext(ctx, `
		SELECT id, stock_quantity
		FROM products
		WHERE id = ANY($1)
		FOR UPDATE
	`, productIDs)
	if err != nil {
		return nil, err
	}
	stock := make(map[string]int, len(productIDs))
	for stockRows.Next() {
		var id string
		var qty int
		if err := stockRows.Scan(&id, &qty); err != nil {
			_ = stockRows.Close()
			return nil, err
		}
		stock[id] = qty
	}
	if err := stockRows.Err(); err != nil {
		_ = stockRows.Close()
		return nil, err
	}
	_ = stockRows.Close()

	for id := range touched {
		if _, exists := stock[id]; !exists {
			return nil, store.ErrNotFound
		}
	}
	for productID, qty := range required {
		// A restore of the same product in this request does not offset the
		// decrement check; the exchange must be coverable on its own.
		if stock[productID] < qty {
			return nil, store.ErrInsufficientStock
		}
	}

	restockRef := domain.ReferenceSaleReturn
	if ret.Type == domain.ReturnTypeExchange {
		restockRef = domain.ReferenceSaleExchange
	}

	for _, item := range items {
		if _, err := tx.ExecContext(ctx, adjustStockSQL, item.ProductID, item.Quantity); err != nil {
			return nil, err
		}
		err = insertLedgerTx(ctx, tx, domain.LedgerEntry{
			ProductID:     item.ProductID,
			Direction:     domain.MovementIn,
			Quantity:      item.Quantity,
			ReferenceType: restockRef,
			ReferenceID:   ret.OrderID,
			Note:          "restock from " + strings.ToLower(ret.Type) + " " + ret.ID,
			CreatedAt:     at,
		})
		if err != nil {
			return nil, err
		}

		if ret.Type == domain.ReturnTypeExchange && item.ExchangeProductID != "" {
			res, err := tx.ExecContext(ctx, adjustStockSQL, item.ExchangeProductID, -item.ExchangeQuantity)
			if err != nil {
				return nil, err
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return nil, err
			}
			if affected == 0 {
				return nil, store.ErrInsufficientStock
			}
			err = insertLedgerTx(ctx, tx, domain.LedgerEntry{
				ProductID:     item.ExchangeProductID,
				Direction:     domain.MovementOut,
				Quantity:      item.ExchangeQuantity,
				ReferenceType: domain.ReferenceSaleExchange,
				ReferenceID:   ret.OrderID,
				Note:          "stock out for exchange " + ret.ID,
				CreatedAt:     at,
			})
			if err != nil {
				return nil, err
			}
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE order_returns SET status = $2, completed_at = $3 WHERE id = $1
	`, returnID, domain.ReturnStatusCompleted, at)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetOrderReturnByID(ctx, returnID)
}

func (s *Store) CreatePromotion(ctx context.Context, promo domain.Promotion) (*domain.Promotion, error) {
	code := strings.ToUpper(strings.TrimSpace(promo.Code))
	if code == "" {
		return nil, fmt.Errorf("promotion code required")
	}
	promo.Code = code
	if promo.CreatedAt.IsZero() {
		promo.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO promotions (code, type, percent, amount_cents, max_discount_cents, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, promo.Code, promo.Type, promo.Percent, promo.AmountCents, promo.MaxDiscountCents, promo.Active, promo.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("promotion %s already exists", code)
		}
		return nil, err
	}
	created := promo
	return &created, nil
}

func (s *Store) ListPromotions(ctx context.Context) ([]domain.Promotion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, type, percent, amount_cents, max_discount_cents, active, created_at
		FROM promotions
		ORDER BY code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	promos := make([]domain.Promotion, 0, 16)
	for rows.Next() {
		var promo domain.Promotion
		if err := rows.Scan(&promo.Code, &promo.Type, &promo.Percent, &promo.AmountCents,
			&promo.MaxDiscountCents, &promo.Active, &promo.CreatedAt); err != nil {
			return nil, err
		}
		promo.CreatedAt = promo.CreatedAt.UTC()
		promos = append(promos, promo)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return promos, nil
}

func (s *Store) GetPromotionByCode(ctx context.Context, code string) (*domain.Promotion, error) {
	var promo domain.Promotion
	err := s.db.QueryRowContext(ctx, `
		SELECT code, type, percent, amount_cents, max_discount_cents, active, created_at
		FROM promotions
		WHERE code = $1
	`, strings.ToUpper(strings.TrimSpace(code))).Scan(&promo.Code, &promo.Type, &promo.Percent,
		&promo.AmountCents, &promo.MaxDiscountCents, &promo.Active, &promo.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	promo.CreatedAt = promo.CreatedAt.UTC()
	return &promo, nil
}

func (s *Store) GetSetting(ctx context.Context, key string) (*domain.Setting, error) {
	var setting domain.Setting
	err := s.db.QueryRowContext(ctx, `
		SELECT key, value, updated_at
		FROM settings
		WHERE key = $1
	`, key).Scan(&setting.Key, &setting.Value, &setting.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	setting.UpdatedAt = setting.UpdatedAt.UTC()
	return &setting, nil
}

func (s *Store) UpsertSetting(ctx context.Context, setting domain.Setting) error {
	if strings.TrimSpace(setting.Key) == "" {
		return fmt.Errorf("setting key required")
	}
	if setting.UpdatedAt.IsZero() {
		setting.UpdatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, setting.Key, setting.Value, setting.UpdatedAt)
	return err
}

func (s *Store) GetAssociationPairs(ctx context.Context, sourceIDs []string) ([]domain.AssociationPair, error) {
	pairs := make([]domain.AssociationPair, 0)
	if len(sourceIDs) == 0 {
		return pairs, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT source_product_id, target_product_id, affinity_score
		FROM association_pairs
		WHERE source_product_id = ANY($1)
	`, sourceIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var pair domain.AssociationPair
		if err := rows.Scan(&pair.SourceProductID, &pair.TargetProductID, &pair.Affinity); err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return pairs, nil
}

func (s *Store) RebuildAssociationPairs(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT od.order_id, od.product_id
		FROM order_details od
		JOIN orders o ON o.id = od.order_id
		WHERE o.status = $1
	`, domain.OrderStatusCompleted)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	orderToProducts := map[string]map[string]struct{}{}
	for rows.Next() {
		var orderID string
		var productID string
		if err := rows.Scan(&orderID, &productID); err != nil {
			return 0, err
		}
		bucket := orderToProducts[orderID]
		if bucket == nil {
			bucket = map[string]struct{}{}
			orderToProducts[orderID] = bucket
		}
		bucket[productID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	// Co-occurrence counts over completed orders.
	sourceCounts := map[string]int{}
	pairCounts := map[string]map[string]int{}
	for _, productSet := range orderToProducts {
		for source := range productSet {
			sourceCounts[source]++
			for target := range productSet {
				if source == target {
					continue
				}
				if pairCounts[source] == nil {
					pairCounts[source] = map[string]int{}
				}
				pairCounts[source][target]++
			}
		}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM association_pairs`); err != nil {
		return 0, err
	}

	total := 0
	for source, targets := range pairCounts {
		for target, count := range targets {
			affinity := float64(count) / float64(sourceCounts[source])
			_, err := tx.ExecContext(ctx, `
				INSERT INTO association_pairs (source_product_id, target_product_id, affinity_score)
				VALUES ($1,$2,$3)
			`, source, target, affinity)
			if err != nil {
				return 0, err
			}
			total++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("aud")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1
			AND created_at < $2
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
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return fmt.Errorf("username required")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_accounts (username, password_hash, role, active, customer_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, username, user.Password, user.Role, user.Active, nullIfEmpty(user.CustomerID), user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("username already exists")
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, role, active, COALESCE(customer_id,''), created_at
		FROM user_accounts
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CustomerID, &user.CreatedAt); err != nil {
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
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_accounts SET password_hash = $2 WHERE username = $1
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

func insertLedgerTx(ctx context.Context, tx *sql.Tx, entry domain.LedgerEntry) error {
	if entry.ID == "" {
		entry.ID = xid.New("led")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock_ledger (id, product_id, direction, quantity, reference_type, reference_id, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ProductID, entry.Direction, entry.Quantity, entry.ReferenceType, entry.ReferenceID, entry.Note, entry.CreatedAt)
	return err
}

func lockOrderStatus(ctx context.Context, tx *sql.Tx, orderID string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, `
		SELECT status FROM orders WHERE id = $1 FOR UPDATE
	`, orderID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", store.ErrNotFound
		}
		return "", err
	}
	return status, nil
}

func lockReturnStatus(ctx context.Context, tx *sql.Tx, returnID string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, `
		SELECT status FROM order_returns WHERE id = $1 FOR UPDATE
	`, returnID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", store.ErrNotFound
		}
		return "", err
	}
	return status, nil
}

// derivedStatus mirrors the CASE expression in adjustStockSQL for inserts that
// carry an initial quantity. DISCONTINUED is sticky.
func derivedStatus(current string, quantity int) string {
	if current == domain.ProductStatusDiscontinued {
		return current
	}
	if quantity == 0 {
		return domain.ProductStatusOutOfStock
	}
	if current == domain.ProductStatusOutOfStock || current == "" {
		return domain.ProductStatusInStock
	}
	return current
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return val.UTC()
}

func nullInt(val *int) any {
	if val == nil {
		return nil
	}
	return *val
}
