package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"storems/backend/internal/domain"
	"storems/backend/internal/store"
	"storems/backend/internal/xid"
)

type Store struct {
	mu               sync.RWMutex
	products         map[string]domain.Product
	ledger           []domain.LedgerEntry
	customersByID    map[string]domain.Customer
	customerByPhone  map[string]string
	carts            map[string]domain.Cart
	ordersByID       map[string]*domain.Order
	returnsByID      map[string]*domain.OrderReturn
	shipmentsByOrder map[string]domain.Shipment
	promosByCode     map[string]domain.Promotion
	settings         map[string]domain.Setting
	associationPairs []domain.AssociationPair
	auditLogs        []domain.AuditLog
	usersByUsername  map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD, SEED_EMPLOYEE_PASSWORD and
// SEED_CUSTOMER_PASSWORD environment variables. If unset, hardcoded dev
// defaults are used with a warning printed to stdout. These credentials are
// never used in production (the backend uses PostgreSQL when DATABASE_URL is
// set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	employeePwd := envOr("SEED_EMPLOYEE_PASSWORD", "employee123")
	customerPwd := envOr("SEED_CUSTOMER_PASSWORD", "customer123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_EMPLOYEE_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_EMPLOYEE_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username   string
		password   string
		role       string
		customerID string
	}{
		{"admin", adminPwd, "admin", ""},
		{"employee", employeePwd, "employee", ""},
		{"linh", customerPwd, "customer", "cus-linh-01"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:   u.username,
			Password:   string(hash),
			Role:       u.role,
			Active:     true,
			CustomerID: u.customerID,
			CreatedAt:  now,
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

func NewSeeded() *Store {
	now := time.Now().UTC()
	products := []domain.Product{
		{ID: "prd-tee-01", SKU: "SKU-TEE-01", ProductCode: "TEE-BASIC", Name: "Basic Cotton Tee", Brand: "Northline", PriceCents: 15900, StockQuantity: 80, Status: domain.ProductStatusInStock},
		{ID: "prd-hoodie-01", SKU: "SKU-HOODIE-01", ProductCode: "HD-FLEECE", Name: "Fleece Hoodie", Brand: "Northline", PriceCents: 45900, StockQuantity: 40, Status: domain.ProductStatusInStock},
		{ID: "prd-jeans-01", SKU: "SKU-JEANS-01", ProductCode: "JN-SLIM", Name: "Slim Fit Jeans", Brand: "Denvik", PriceCents: 52900, StockQuantity: 35, Status: domain.ProductStatusInStock},
		{ID: "prd-cap-01", SKU: "SKU-CAP-01", ProductCode: "CP-CANVAS", Name: "Canvas Cap", Brand: "Denvik", PriceCents: 12900, StockQuantity: 60, Status: domain.ProductStatusInStock},
		{ID: "prd-sock-01", SKU: "SKU-SOCK-01", ProductCode: "SK-CREW-3P", Name: "Crew Socks 3-Pack", Brand: "Northline", PriceCents: 8900, StockQuantity: 150, Status: domain.ProductStatusInStock},
		{ID: "prd-belt-01", SKU: "SKU-BELT-01", ProductCode: "BL-LEATHER", Name: "Leather Belt", Brand: "Denvik", PriceCents: 21900, StockQuantity: 25, Status: domain.ProductStatusInStock},
		{ID: "prd-tote-01", SKU: "SKU-TOTE-01", ProductCode: "TT-CANVAS", Name: "Canvas Tote Bag", Brand: "Northline", PriceCents: 17900, StockQuantity: 45, Status: domain.ProductStatusInStock},
		{ID: "prd-scarf-01", SKU: "SKU-SCARF-01", ProductCode: "SC-WOOL", Name: "Wool Scarf", Brand: "Denvik", PriceCents: 25900, StockQuantity: 0, Status: domain.ProductStatusOutOfStock},
	}

	productMap := make(map[string]domain.Product, len(products))
	for _, p := range products {
		p.CreatedAt = now
		p.UpdatedAt = now
		productMap[p.ID] = p
	}

	pairs := []domain.AssociationPair{
		{SourceProductID: "prd-tee-01", TargetProductID: "prd-jeans-01", Affinity: 0.78},
		{SourceProductID: "prd-jeans-01", TargetProductID: "prd-belt-01", Affinity: 0.71},
		{SourceProductID: "prd-hoodie-01", TargetProductID: "prd-cap-01", Affinity: 0.64},
		{SourceProductID: "prd-tee-01", TargetProductID: "prd-sock-01", Affinity: 0.52},
		{SourceProductID: "prd-cap-01", TargetProductID: "prd-hoodie-01", Affinity: 0.49},
	}

	customers := map[string]domain.Customer{
		"cus-linh-01": {ID: "cus-linh-01", Name: "Linh Tran", Phone: "0901000001", Address: "12 Riverside Rd", UserID: "linh", CreatedAt: now},
	}
	customerByPhone := map[string]string{"0901000001": "cus-linh-01"}

	return &Store{
		products:         productMap,
		ledger:           make([]domain.LedgerEntry, 0, 256),
		customersByID:    customers,
		customerByPhone:  customerByPhone,
		carts:            make(map[string]domain.Cart),
		ordersByID:       make(map[string]*domain.Order),
		returnsByID:      make(map[string]*domain.OrderReturn),
		shipmentsByOrder: make(map[string]domain.Shipment),
		promosByCode:     make(map[string]domain.Promotion),
		settings: map[string]domain.Setting{
			"RETURN_WINDOW_DAYS": {Key: "RETURN_WINDOW_DAYS", Value: "7", UpdatedAt: now},
		},
		associationPairs: pairs,
		auditLogs:        make([]domain.AuditLog, 0, 128),
		usersByUsername:  seedUsers(),
	}
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Brand == b.Brand {
			return cmpString(a.Name, b.Name)
		}
		return cmpString(a.Brand, b.Brand)
	})

	return products, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.SKU == "" || product.Name == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidQuantity
	}
	if product.StockQuantity < 0 {
		return nil, store.ErrInvalidQuantity
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, fmt.Errorf("product %s already exists", product.ID)
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	product.Status = derivedStatus(product.Status, product.StockQuantity)

	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) GetProductByID(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
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

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.products[product.ID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if product.Name == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidQuantity
	}

	// Stock mutations go through order/return/receive paths only.
	product.StockQuantity = existing.StockQuantity
	product.CreatedAt = existing.CreatedAt
	product.UpdatedAt = time.Now().UTC()
	if product.Status != domain.ProductStatusDiscontinued {
		product.Status = derivedStatus(product.Status, product.StockQuantity)
	}

	s.products[product.ID] = product
	updated := product
	return &updated, nil
}

func (s *Store) ReceiveStock(_ context.Context, entry domain.LedgerEntry) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Quantity < 1 {
		return nil, store.ErrInvalidQuantity
	}
	product, exists := s.products[entry.ProductID]
	if !exists {
		return nil, store.ErrNotFound
	}

	product.StockQuantity += entry.Quantity
	product.Status = derivedStatus(product.Status, product.StockQuantity)
	product.UpdatedAt = time.Now().UTC()
	s.products[product.ID] = product

	entry.Direction = domain.MovementIn
	if entry.ReferenceType == "" {
		entry.ReferenceType = domain.ReferencePurchaseOrder
	}
	s.appendLedgerLocked(entry)

	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) ListLedgerEntries(_ context.Context, q domain.LedgerQuery) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.LedgerEntry, 0, len(s.ledger))
	for _, entry := range s.ledger {
		if q.ProductID != "" && entry.ProductID != q.ProductID {
			continue
		}
		if q.ReferenceType != "" && entry.ReferenceType != q.ReferenceType {
			continue
		}
		if q.ReferenceID != "" && entry.ReferenceID != q.ReferenceID {
			continue
		}
		if q.From != nil && entry.CreatedAt.Before(*q.From) {
			continue
		}
		if q.To != nil && entry.CreatedAt.After(*q.To) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.LedgerEntry) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

func (s *Store) GetCustomerByID(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, exists := s.customersByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyCustomer := customer
	return &copyCustomer, nil
}

func (s *Store) FindCustomerByPhone(_ context.Context, phone string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.customerByPhone[phone]
	if !ok {
		return nil, store.ErrNotFound
	}
	customer := s.customersByID[id]
	copyCustomer := customer
	return &copyCustomer, nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(customer.Name) == "" || strings.TrimSpace(customer.Phone) == "" {
		return nil, fmt.Errorf("customer name and phone required")
	}
	if existingID, ok := s.customerByPhone[customer.Phone]; ok {
		existing := s.customersByID[existingID]
		copyCustomer := existing
		return &copyCustomer, nil
	}
	if customer.ID == "" {
		customer.ID = xid.New("cus")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	s.customersByID[customer.ID] = customer
	s.customerByPhone[customer.Phone] = customer.ID
	created := customer
	return &created, nil
}

func (s *Store) GetCart(_ context.Context, customerID string) (*domain.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cartLocked(customerID), nil
}

func (s *Store) UpsertCartItem(_ context.Context, customerID string, item domain.CartItem) (*domain.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.Quantity < 1 {
		return nil, store.ErrInvalidQuantity
	}
	if _, exists := s.products[item.ProductID]; !exists {
		return nil, store.ErrNotFound
	}

	cart := s.carts[customerID]
	cart.CustomerID = customerID
	merged := false
	for i := range cart.Items {
		if cart.Items[i].ProductID == item.ProductID {
			cart.Items[i].Quantity += item.Quantity
			merged = true
			break
		}
	}
	if !merged {
		if item.ID == "" {
			item.ID = xid.New("cit")
		}
		if item.AddedAt.IsZero() {
			item.AddedAt = time.Now().UTC()
		}
		cart.Items = append(cart.Items, item)
	}
	s.carts[customerID] = cart
	return s.cartLocked(customerID), nil
}

func (s *Store) UpdateCartItemQuantity(_ context.Context, customerID string, itemID string, quantity int) (*domain.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if quantity < 1 {
		return nil, store.ErrInvalidQuantity
	}
	cart, ok := s.carts[customerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	for i := range cart.Items {
		if cart.Items[i].ID == itemID {
			cart.Items[i].Quantity = quantity
			s.carts[customerID] = cart
			return s.cartLocked(customerID), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) RemoveCartItem(_ context.Context, customerID string, itemID string) (*domain.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cart, ok := s.carts[customerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	for i := range cart.Items {
		if cart.Items[i].ID == itemID {
			cart.Items = append(cart.Items[:i], cart.Items[i+1:]...)
			s.carts[customerID] = cart
			return s.cartLocked(customerID), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ClearCart(_ context.Context, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.carts, customerID)
	return nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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

	// Validate every line before touching any stock so a failing later line
	// cannot leave earlier decrements behind.
	required := make(map[string]int, len(order.Details))
	for _, detail := range order.Details {
		if detail.Quantity < 1 {
			return nil, store.ErrInvalidQuantity
		}
		product, exists := s.products[detail.ProductID]
		if !exists {
			return nil, store.ErrNotFound
		}
		if product.Status == domain.ProductStatusOutOfStock || product.Status == domain.ProductStatusDiscontinued {
			return nil, store.ErrProductUnavailable
		}
		required[detail.ProductID] += detail.Quantity
	}
	for productID, qty := range required {
		if s.products[productID].StockQuantity < qty {
			return nil, store.ErrInsufficientStock
		}
	}

	for i := range order.Details {
		if order.Details[i].ID == "" {
			order.Details[i].ID = xid.New("odt")
		}
		order.Details[i].OrderID = order.ID
	}

	for _, detail := range order.Details {
		product := s.products[detail.ProductID]
		product.StockQuantity -= detail.Quantity
		product.Status = derivedStatus(product.Status, product.StockQuantity)
		product.UpdatedAt = time.Now().UTC()
		s.products[detail.ProductID] = product

		s.appendLedgerLocked(domain.LedgerEntry{
			ProductID:     detail.ProductID,
			Direction:     domain.MovementOut,
			Quantity:      detail.Quantity,
			ReferenceType: domain.ReferenceSaleOrder,
			ReferenceID:   order.ID,
			Note:          "stock out for order " + order.ID,
		})
	}

	stored := cloneOrder(&order)
	s.ordersByID[order.ID] = stored
	return cloneOrder(stored), nil
}

func (s *Store) GetOrderByID(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.ordersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneOrder(order), nil
}

func (s *Store) ListOrders(_ context.Context, q domain.OrderQuery) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Order, 0, len(s.ordersByID))
	for _, order := range s.ordersByID {
		if q.CustomerID != "" && order.CustomerID != q.CustomerID {
			continue
		}
		if q.Status != "" && order.Status != q.Status {
			continue
		}
		result = append(result, *cloneOrder(order))
	}

	slices.SortFunc(result, func(a, b domain.Order) int {
		if a.OrderDate.Equal(b.OrderDate) {
			return cmpString(b.ID, a.ID)
		}
		if a.OrderDate.After(b.OrderDate) {
			return -1
		}
		return 1
	})
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

func (s *Store) ConfirmOrder(_ context.Context, orderID string, at time.Time) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByID[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if order.Status != domain.OrderStatusPending {
		return nil, store.ErrInvalidTransition
	}

	order.Status = domain.OrderStatusConfirmed
	if shipment, ok := s.shipmentsByOrder[orderID]; ok {
		shipment.Status = domain.ShipmentStatusShipped
		shipment.UpdatedAt = at
		s.shipmentsByOrder[orderID] = shipment
	}
	return cloneOrder(order), nil
}

func (s *Store) CancelOrder(_ context.Context, orderID string, at time.Time) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByID[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if order.Status != domain.OrderStatusPending {
		return nil, store.ErrInvalidTransition
	}

	for _, detail := range order.Details {
		product, exists := s.products[detail.ProductID]
		if !exists {
			continue
		}
		product.StockQuantity += detail.Quantity
		product.Status = derivedStatus(product.Status, product.StockQuantity)
		product.UpdatedAt = at
		s.products[detail.ProductID] = product

		s.appendLedgerLocked(domain.LedgerEntry{
			ProductID:     detail.ProductID,
			Direction:     domain.MovementIn,
			Quantity:      detail.Quantity,
			ReferenceType: domain.ReferenceSaleOrder,
			ReferenceID:   order.ID,
			Note:          "restock from canceled order " + order.ID,
			CreatedAt:     at,
		})
	}

	order.Status = domain.OrderStatusCanceled
	return cloneOrder(order), nil
}

func (s *Store) CompleteOrder(_ context.Context, orderID string, at time.Time, returnWindowDays int) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByID[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if order.Status != domain.OrderStatusConfirmed {
		return nil, store.ErrInvalidTransition
	}

	delivered := at
	completed := at
	order.Status = domain.OrderStatusCompleted
	order.DeliveredAt = &delivered
	order.CompletedAt = &completed
	windowCopy := returnWindowDays
	order.ReturnWindowDays = &windowCopy

	if shipment, ok := s.shipmentsByOrder[orderID]; ok {
		shipment.Status = domain.ShipmentStatusDelivered
		shipment.UpdatedAt = at
		s.shipmentsByOrder[orderID] = shipment
	}
	return cloneOrder(order), nil
}

func (s *Store) CreateShipment(_ context.Context, shipment domain.Shipment) (*domain.Shipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if shipment.OrderID == "" {
		return nil, store.ErrInvalidQuantity
	}
	if _, exists := s.shipmentsByOrder[shipment.OrderID]; exists {
		return nil, fmt.Errorf("shipment already exists for order %s", shipment.OrderID)
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

	s.shipmentsByOrder[shipment.OrderID] = shipment
	created := shipment
	return &created, nil
}

func (s *Store) GetShipmentByOrder(_ context.Context, orderID string) (*domain.Shipment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shipment, ok := s.shipmentsByOrder[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyShipment := shipment
	return &copyShipment, nil
}

func (s *Store) CreateOrderReturn(_ context.Context, ret domain.OrderReturn) (*domain.OrderReturn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(ret.Items) == 0 {
		return nil, store.ErrInvalidQuantity
	}
	if _, ok := s.ordersByID[ret.OrderID]; !ok {
		return nil, store.ErrNotFound
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
	for i := range ret.Items {
		if ret.Items[i].ID == "" {
			ret.Items[i].ID = xid.New("rti")
		}
	}

	stored := cloneReturn(&ret)
	s.returnsByID[ret.ID] = stored
	return cloneReturn(stored), nil
}

func (s *Store) GetOrderReturnByID(_ context.Context, id string) (*domain.OrderReturn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ret, ok := s.returnsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneReturn(ret), nil
}

func (s *Store) ListOrderReturns(_ context.Context, orderID string) ([]domain.OrderReturn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.OrderReturn, 0, 4)
	for _, ret := range s.returnsByID {
		if orderID != "" && ret.OrderID != orderID {
			continue
		}
		result = append(result, *cloneReturn(ret))
	}
	slices.SortFunc(result, func(a, b domain.OrderReturn) int {
		if a.RequestedAt.Equal(b.RequestedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.RequestedAt.After(b.RequestedAt) {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) GetReturnedQtyByOrder(_ context.Context, orderID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]int)
	for _, ret := range s.returnsByID {
		if ret.OrderID != orderID || ret.Status == domain.ReturnStatusRejected {
			continue
		}
		for _, item := range ret.Items {
			result[item.OrderDetailID] += item.Quantity
		}
	}
	return result, nil
}

func (s *Store) DecideOrderReturn(_ context.Context, returnID string, status string, employeeID string, adminNote string, refundCents int64, at time.Time) (*domain.OrderReturn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret, ok := s.returnsByID[returnID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if ret.Status != domain.ReturnStatusRequested {
		return nil, store.ErrInvalidTransition
	}
	if status != domain.ReturnStatusApproved && status != domain.ReturnStatusRejected {
		return nil, store.ErrInvalidTransition
	}

	ret.Status = status
	ret.EmployeeID = employeeID
	ret.AdminNote = adminNote
	if status == domain.ReturnStatusApproved {
		ret.RefundAmountCents = refundCents
	}
	processed := at
	ret.ProcessedAt = &processed
	return cloneReturn(ret), nil
}

func (s *Store) CompleteOrderReturn(_ context.Context, returnID string, at time.Time) (*domain.OrderReturn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret, ok := s.returnsByID[returnID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if ret.Status != domain.ReturnStatusApproved {
		return nil, store.ErrInvalidTransition
	}

	// Validate every exchange decrement up front; the completion is all or
	// nothing.
	required := make(map[string]int)
	for _, item := range ret.Items {
		if _, exists := s.products[item.ProductID]; !exists {
			return nil, store.ErrNotFound
		}
		if ret.Type == domain.ReturnTypeExchange && item.ExchangeProductID != "" {
			if _, exists := s.products[item.ExchangeProductID]; !exists {
				return nil, store.ErrNotFound
			}
			required[item.ExchangeProductID] += item.ExchangeQuantity
		}
	}
	for productID, qty := range required {
		// A restore of the same product in this request does not offset the
		// decrement check; the exchange must be coverable on its own.
		if s.products[productID].StockQuantity < qty {
			return nil, store.ErrInsufficientStock
		}
	}

	restockRef := domain.ReferenceSaleReturn
	if ret.Type == domain.ReturnTypeExchange {
		restockRef = domain.ReferenceSaleExchange
	}

	for _, item := range ret.Items {
		product := s.products[item.ProductID]
		product.StockQuantity += item.Quantity
		product.Status = derivedStatus(product.Status, product.StockQuantity)
		product.UpdatedAt = at
		s.products[item.ProductID] = product

		s.appendLedgerLocked(domain.LedgerEntry{
			ProductID:     item.ProductID,
			Direction:     domain.MovementIn,
			Quantity:      item.Quantity,
			ReferenceType: restockRef,
			ReferenceID:   ret.OrderID,
			Note:          "restock from " + strings.ToLower(ret.Type) + " " + ret.ID,
			CreatedAt:     at,
		})

		if ret.Type == domain.ReturnTypeExchange && item.ExchangeProductID != "" {
			exchange := s.products[item.ExchangeProductID]
			exchange.StockQuantity -= item.ExchangeQuantity
			exchange.Status = derivedStatus(exchange.Status, exchange.StockQuantity)
			exchange.UpdatedAt = at
			s.products[item.ExchangeProductID] = exchange

			s.appendLedgerLocked(domain.LedgerEntry{
				ProductID:     item.ExchangeProductID,
				Direction:     domain.MovementOut,
				Quantity:      item.ExchangeQuantity,
				ReferenceType: domain.ReferenceSaleExchange,
				ReferenceID:   ret.OrderID,
				Note:          "stock out for exchange " + ret.ID,
				CreatedAt:     at,
			})
		}
	}

	ret.Status = domain.ReturnStatusCompleted
	completed := at
	ret.CompletedAt = &completed
	return cloneReturn(ret), nil
}

func (s *Store) CreatePromotion(_ context.Context, promo domain.Promotion) (*domain.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code := strings.ToUpper(strings.TrimSpace(promo.Code))
	if code == "" {
		return nil, fmt.Errorf("promotion code required")
	}
	if _, exists := s.promosByCode[code]; exists {
		return nil, fmt.Errorf("promotion %s already exists", code)
	}
	promo.Code = code
	if promo.CreatedAt.IsZero() {
		promo.CreatedAt = time.Now().UTC()
	}
	s.promosByCode[code] = promo
	created := promo
	return &created, nil
}

func (s *Store) ListPromotions(_ context.Context) ([]domain.Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Promotion, 0, len(s.promosByCode))
	for _, promo := range s.promosByCode {
		result = append(result, promo)
	}
	slices.SortFunc(result, func(a, b domain.Promotion) int {
		return cmpString(a.Code, b.Code)
	})
	return result, nil
}

func (s *Store) GetPromotionByCode(_ context.Context, code string) (*domain.Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	promo, ok := s.promosByCode[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyPromo := promo
	return &copyPromo, nil
}

func (s *Store) GetSetting(_ context.Context, key string) (*domain.Setting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	setting, ok := s.settings[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	copySetting := setting
	return &copySetting, nil
}

func (s *Store) UpsertSetting(_ context.Context, setting domain.Setting) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(setting.Key) == "" {
		return fmt.Errorf("setting key required")
	}
	if setting.UpdatedAt.IsZero() {
		setting.UpdatedAt = time.Now().UTC()
	}
	s.settings[setting.Key] = setting
	return nil
}

func (s *Store) GetAssociationPairs(_ context.Context, sourceIDs []string) ([]domain.AssociationPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]bool, len(sourceIDs))
	for _, id := range sourceIDs {
		wanted[id] = true
	}

	result := make([]domain.AssociationPair, 0, 8)
	for _, pair := range s.associationPairs {
		if wanted[pair.SourceProductID] {
			result = append(result, pair)
		}
	}
	return result, nil
}

func (s *Store) RebuildAssociationPairs(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Co-occurrence counts over completed orders.
	pairCounts := make(map[string]map[string]int)
	sourceCounts := make(map[string]int)
	for _, order := range s.ordersByID {
		if order.Status != domain.OrderStatusCompleted {
			continue
		}
		seen := make(map[string]bool, len(order.Details))
		for _, detail := range order.Details {
			seen[detail.ProductID] = true
		}
		for source := range seen {
			sourceCounts[source]++
			for target := range seen {
				if source == target {
					continue
				}
				if pairCounts[source] == nil {
					pairCounts[source] = make(map[string]int)
				}
				pairCounts[source][target]++
			}
		}
	}

	pairs := make([]domain.AssociationPair, 0, len(pairCounts))
	for source, targets := range pairCounts {
		for target, count := range targets {
			pairs = append(pairs, domain.AssociationPair{
				SourceProductID: source,
				TargetProductID: target,
				Affinity:        float64(count) / float64(sourceCounts[source]),
			})
		}
	}
	slices.SortFunc(pairs, func(a, b domain.AssociationPair) int {
		if a.SourceProductID == b.SourceProductID {
			return cmpString(a.TargetProductID, b.TargetProductID)
		}
		return cmpString(a.SourceProductID, b.SourceProductID)
	})

	s.associationPairs = pairs
	return len(pairs), nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("aud")
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

	result := make([]domain.AuditLog, 0, limit)
	for _, entry := range s.auditLogs {
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && entry.CreatedAt.After(to) {
			continue
		}
		result = append(result, entry)
	}
	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
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
	if username == "" {
		return fmt.Errorf("username required")
	}
	if _, exists := s.usersByUsername[username]; exists {
		return fmt.Errorf("username already exists")
	}
	user.Username = username
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		result = append(result, user)
	}
	return result, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) appendLedgerLocked(entry domain.LedgerEntry) {
	if entry.ID == "" {
		entry.ID = xid.New("led")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.ledger = append(s.ledger, entry)
}

func (s *Store) cartLocked(customerID string) *domain.Cart {
	cart, ok := s.carts[customerID]
	if !ok {
		cart = domain.Cart{CustomerID: customerID, Items: []domain.CartItem{}}
		s.carts[customerID] = cart
	}
	return cloneCart(&cart)
}

// derivedStatus recomputes the stock-derived product status. DISCONTINUED is
// sticky and only cleared by an explicit product update.
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

func cmpString(a string, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cloneOrder(src *domain.Order) *domain.Order {
	clone := *src
	clone.Details = append([]domain.OrderDetail(nil), src.Details...)
	if src.DeliveredAt != nil {
		delivered := *src.DeliveredAt
		clone.DeliveredAt = &delivered
	}
	if src.CompletedAt != nil {
		completed := *src.CompletedAt
		clone.CompletedAt = &completed
	}
	if src.ReturnWindowDays != nil {
		window := *src.ReturnWindowDays
		clone.ReturnWindowDays = &window
	}
	return &clone
}

func cloneReturn(src *domain.OrderReturn) *domain.OrderReturn {
	clone := *src
	clone.Items = append([]domain.OrderReturnItem(nil), src.Items...)
	if src.ProcessedAt != nil {
		processed := *src.ProcessedAt
		clone.ProcessedAt = &processed
	}
	if src.CompletedAt != nil {
		completed := *src.CompletedAt
		clone.CompletedAt = &completed
	}
	return &clone
}

func cloneCart(src *domain.Cart) *domain.Cart {
	clone := *src
	clone.Items = append([]domain.CartItem(nil), src.Items...)
	return &clone
}
