package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"storems/backend/internal/domain"
	"storems/backend/internal/recommendation"
	"storems/backend/internal/store"
	"storems/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const returnWindowSettingKey = "RETURN_WINDOW_DAYS"

const defaultReturnWindowDays = 7

type Service struct {
	repo        store.Repository
	recommender *recommendation.Engine
}

func New(repo store.Repository, recommender *recommendation.Engine) *Service {
	return &Service{
		repo:        repo,
		recommender: recommender,
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	product, err := s.repo.GetProductByID(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.ProductCode = strings.ToUpper(strings.TrimSpace(req.ProductCode))
	req.Name = strings.TrimSpace(req.Name)

	if req.SKU == "" || req.Name == "" {
		return domain.Product{}, store.ErrInvalidQuantity
	}
	if req.PriceCents < 1 || req.InitialStock < 0 {
		return domain.Product{}, store.ErrInvalidQuantity
	}

	product := domain.Product{
		SKU:         req.SKU,
		ProductCode: req.ProductCode,
		Name:        req.Name,
		Brand:       strings.TrimSpace(req.Brand),
		ImageURL:    strings.TrimSpace(req.ImageURL),
		PriceCents:  req.PriceCents,
		Status:      domain.ProductStatusOutOfStock,
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	if req.InitialStock > 0 {
		received, err := s.repo.ReceiveStock(ctx, domain.LedgerEntry{
			ProductID:     created.ID,
			Direction:     domain.MovementIn,
			Quantity:      req.InitialStock,
			ReferenceType: domain.ReferencePurchaseOrder,
			ReferenceID:   "initial-stock",
			Note:          "initial stock on product creation",
		})
		if err != nil {
			return domain.Product{}, err
		}
		created = received
	}

	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("sku=%s,price=%d,stock=%d", created.SKU, created.PriceCents, created.StockQuantity))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, productID string, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	existing, err := s.repo.GetProductByID(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, store.ErrInvalidQuantity
		}
		updated.Name = name
	}
	if req.Brand != nil {
		updated.Brand = strings.TrimSpace(*req.Brand)
	}
	if req.ImageURL != nil {
		updated.ImageURL = strings.TrimSpace(*req.ImageURL)
	}
	if req.PriceCents != nil {
		if *req.PriceCents < 1 {
			return domain.Product{}, store.ErrInvalidQuantity
		}
		updated.PriceCents = *req.PriceCents
	}
	if req.Status != nil {
		status := strings.ToUpper(strings.TrimSpace(*req.Status))
		// Only the manual states are accepted here; the stock-derived pair is
		// recomputed by the store on every mutation.
		if status != domain.ProductStatusDiscontinued && status != domain.ProductStatusInStock {
			return domain.Product{}, store.ErrInvalidQuantity
		}
		updated.Status = status
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_update", "product", saved.ID, fmt.Sprintf("status=%s,price=%d", saved.Status, saved.PriceCents))
	return *saved, nil
}

func (s *Service) ReceiveStock(ctx context.Context, req domain.StockReceiveRequest) (domain.Product, error) {
	actor, err := staffFromContext(ctx)
	if err != nil {
		return domain.Product{}, err
	}
	if req.Quantity < 1 {
		return domain.Product{}, store.ErrInvalidQuantity
	}

	referenceID := strings.TrimSpace(req.ReferenceID)
	if referenceID == "" {
		referenceID = xid.New("po")
	}

	product, err := s.repo.ReceiveStock(ctx, domain.LedgerEntry{
		ProductID:     req.ProductID,
		Direction:     domain.MovementIn,
		Quantity:      req.Quantity,
		ReferenceType: domain.ReferencePurchaseOrder,
		ReferenceID:   referenceID,
		Note:          strings.TrimSpace(req.Note),
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "stock_receive", "product", product.ID, fmt.Sprintf("qty=%d,reference=%s,by=%s", req.Quantity, referenceID, actor.Username))
	return *product, nil
}

func (s *Service) ListLedgerEntries(ctx context.Context, q domain.LedgerQuery) ([]domain.LedgerEntry, error) {
	if _, err := staffFromContext(ctx); err != nil {
		return nil, err
	}
	if q.Limit < 1 {
		q.Limit = 200
	}
	return s.repo.ListLedgerEntries(ctx, q)
}

// ReconcileProductStock recomputes a product's expected quantity from its
// ledger history and reports any drift against the live register.
func (s *Service) ReconcileProductStock(ctx context.Context, productID string) (domain.StockReconciliation, error) {
	if _, err := staffFromContext(ctx); err != nil {
		return domain.StockReconciliation{}, err
	}

	product, err := s.repo.GetProductByID(ctx, productID)
	if err != nil {
		return domain.StockReconciliation{}, err
	}
	entries, err := s.repo.ListLedgerEntries(ctx, domain.LedgerQuery{ProductID: productID})
	if err != nil {
		return domain.StockReconciliation{}, err
	}

	expected := 0
	for _, entry := range entries {
		switch entry.Direction {
		case domain.MovementIn:
			expected += entry.Quantity
		case domain.MovementOut:
			expected -= entry.Quantity
		}
	}

	return domain.StockReconciliation{
		ProductID:   product.ID,
		LedgerQty:   expected,
		RegisterQty: product.StockQuantity,
		DriftQty:    product.StockQuantity - expected,
		Balanced:    product.StockQuantity == expected,
	}, nil
}

func (s *Service) GetCart(ctx context.Context) (domain.Cart, error) {
	customerID, err := customerFromContext(ctx)
	if err != nil {
		return domain.Cart{}, err
	}
	cart, err := s.repo.GetCart(ctx, customerID)
	if err != nil {
		return domain.Cart{}, err
	}
	return *cart, nil
}

func (s *Service) AddToCart(ctx context.Context, req domain.CartAddRequest) (domain.Cart, error) {
	customerID, err := customerFromContext(ctx)
	if err != nil {
		return domain.Cart{}, err
	}
	if req.Quantity < 1 {
		return domain.Cart{}, store.ErrInvalidQuantity
	}

	product, err := s.repo.GetProductByID(ctx, req.ProductID)
	if err != nil {
		return domain.Cart{}, err
	}
	if product.Status != domain.ProductStatusInStock {
		return domain.Cart{}, store.ErrProductUnavailable
	}

	cart, err := s.repo.UpsertCartItem(ctx, customerID, domain.CartItem{
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
	})
	if err != nil {
		return domain.Cart{}, err
	}
	return *cart, nil
}

func (s *Service) UpdateCartItem(ctx context.Context, itemID string, req domain.CartUpdateRequest) (domain.Cart, error) {
	customerID, err := customerFromContext(ctx)
	if err != nil {
		return domain.Cart{}, err
	}
	cart, err := s.repo.UpdateCartItemQuantity(ctx, customerID, itemID, req.Quantity)
	if err != nil {
		return domain.Cart{}, err
	}
	return *cart, nil
}

func (s *Service) RemoveCartItem(ctx context.Context, itemID string) (domain.Cart, error) {
	customerID, err := customerFromContext(ctx)
	if err != nil {
		return domain.Cart{}, err
	}
	cart, err := s.repo.RemoveCartItem(ctx, customerID, itemID)
	if err != nil {
		return domain.Cart{}, err
	}
	return *cart, nil
}

// CreateOrderFromCart checks out the acting customer's whole cart. The cart
// is cleared only after the order commits.
func (s *Service) CreateOrderFromCart(ctx context.Context, req domain.OrderCreateRequest) (domain.Order, error) {
	customerID, err := customerFromContext(ctx)
	if err != nil {
		return domain.Order{}, err
	}

	cart, err := s.repo.GetCart(ctx, customerID)
	if err != nil {
		return domain.Order{}, err
	}
	if len(cart.Items) == 0 {
		return domain.Order{}, store.ErrInvalidQuantity
	}

	lines := make([]domain.OrderLine, 0, len(cart.Items))
	for _, item := range cart.Items {
		lines = append(lines, domain.OrderLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	order, err := s.createOrder(ctx, customerID, "", lines, req)
	if err != nil {
		return domain.Order{}, err
	}

	if err := s.repo.ClearCart(ctx, customerID); err != nil {
		log.Printf("[service] WARN: failed to clear cart customer=%s after order %s: %v", customerID, order.ID, err)
	}
	return order, nil
}

func (s *Service) CreateOrderDirect(ctx context.Context, req domain.DirectOrderRequest) (domain.Order, error) {
	customerID, err := customerFromContext(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	return s.createOrder(ctx, customerID, "", []domain.OrderLine{req.Line}, req.Info)
}

// CreateOrderForCustomer records an in-store sale keyed to a walk-in buyer.
// The buyer is deduplicated by phone number.
func (s *Service) CreateOrderForCustomer(ctx context.Context, req domain.WalkInOrderRequest) (domain.Order, error) {
	actor, err := staffFromContext(ctx)
	if err != nil {
		return domain.Order{}, err
	}

	req.Customer.Name = strings.TrimSpace(req.Customer.Name)
	req.Customer.Phone = strings.TrimSpace(req.Customer.Phone)
	if req.Customer.Name == "" || req.Customer.Phone == "" {
		return domain.Order{}, store.ErrInvalidQuantity
	}

	customer, err := s.repo.CreateCustomer(ctx, domain.Customer{
		Name:    req.Customer.Name,
		Phone:   req.Customer.Phone,
		Address: strings.TrimSpace(req.Customer.Address),
	})
	if err != nil {
		return domain.Order{}, err
	}

	return s.createOrder(ctx, customer.ID, actor.Username, req.Lines, req.Info)
}

func (s *Service) createOrder(ctx context.Context, customerID string, employeeID string, lines []domain.OrderLine, info domain.OrderCreateRequest) (domain.Order, error) {
	if len(lines) == 0 {
		return domain.Order{}, store.ErrInvalidQuantity
	}
	if info.ShippingFeeCents < 0 || info.ShippingDiscountCents < 0 {
		return domain.Order{}, store.ErrInvalidQuantity
	}
	paymentMethod := strings.ToUpper(strings.TrimSpace(info.PaymentMethod))
	if paymentMethod == "" {
		paymentMethod = domain.PaymentMethodCash
	}
	if paymentMethod != domain.PaymentMethodCash && paymentMethod != domain.PaymentMethodTransfer {
		return domain.Order{}, store.ErrInvalidQuantity
	}

	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		if line.Quantity < 1 {
			return domain.Order{}, store.ErrInvalidQuantity
		}
		ids = append(ids, line.ProductID)
	}

	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return domain.Order{}, err
	}

	total := int64(0)
	details := make([]domain.OrderDetail, 0, len(lines))
	for _, line := range lines {
		product, exists := products[line.ProductID]
		if !exists {
			return domain.Order{}, store.ErrNotFound
		}
		if product.Status == domain.ProductStatusOutOfStock || product.Status == domain.ProductStatusDiscontinued {
			return domain.Order{}, store.ErrProductUnavailable
		}

		total += int64(line.Quantity) * product.PriceCents
		details = append(details, domain.OrderDetail{
			ProductID:      product.ID,
			Quantity:       line.Quantity,
			UnitPriceCents: product.PriceCents,
			ProductName:    product.Name,
			ProductCode:    product.ProductCode,
			ProductImage:   product.ImageURL,
		})
	}

	discount, err := s.promotionDiscount(ctx, info.PromotionCode, total)
	if err != nil {
		return domain.Order{}, err
	}

	shippingDiscount := info.ShippingDiscountCents
	if shippingDiscount > info.ShippingFeeCents {
		shippingDiscount = info.ShippingFeeCents
	}

	final := total - discount + info.ShippingFeeCents - shippingDiscount
	if final < 0 {
		final = 0
	}

	order := domain.Order{
		CustomerID:            customerID,
		EmployeeID:            employeeID,
		Status:                domain.OrderStatusPending,
		TotalAmountCents:      total,
		DiscountCents:         discount,
		ShippingFeeCents:      info.ShippingFeeCents,
		ShippingDiscountCents: shippingDiscount,
		FinalAmountCents:      final,
		PaymentMethod:         paymentMethod,
		PromotionCode:         strings.ToUpper(strings.TrimSpace(info.PromotionCode)),
		Notes:                 strings.TrimSpace(info.Notes),
		ShippingAddress:       strings.TrimSpace(info.ShippingAddress),
		OrderDate:             time.Now().UTC(),
		Details:               details,
	}

	created, err := s.repo.CreateOrder(ctx, order)
	if err != nil {
		return domain.Order{}, err
	}

	if _, err := s.repo.CreateShipment(ctx, domain.Shipment{
		OrderID: created.ID,
		Status:  domain.ShipmentStatusPreparing,
	}); err != nil {
		log.Printf("[service] WARN: failed to create shipment for order %s: %v", created.ID, err)
	}

	s.logAudit(ctx, "order_create", "order", created.ID, fmt.Sprintf("total=%d,discount=%d,final=%d,lines=%d", created.TotalAmountCents, created.DiscountCents, created.FinalAmountCents, len(created.Details)))
	return *created, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := s.checkOrderAccess(ctx, order); err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

func (s *Service) ListOrders(ctx context.Context, q domain.OrderQuery) ([]domain.Order, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authentication required")
	}
	if actor.Role == "customer" {
		if actor.CustomerID == "" {
			return nil, store.ErrOwnershipViolation
		}
		q.CustomerID = actor.CustomerID
	}
	if q.Limit < 1 {
		q.Limit = 100
	}
	return s.repo.ListOrders(ctx, q)
}

func (s *Service) ConfirmOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if _, err := staffFromContext(ctx); err != nil {
		return domain.Order{}, err
	}

	order, err := s.repo.ConfirmOrder(ctx, orderID, time.Now().UTC())
	if err != nil {
		return domain.Order{}, err
	}

	s.logAudit(ctx, "order_confirm", "order", order.ID, "")
	return *order, nil
}

// CancelOrder voids a pending order and restores every decremented line. The
// restores are recorded as new IN entries, never by rewriting history.
func (s *Service) CancelOrder(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := s.checkOrderAccess(ctx, order); err != nil {
		return domain.Order{}, err
	}

	canceled, err := s.repo.CancelOrder(ctx, orderID, time.Now().UTC())
	if err != nil {
		return domain.Order{}, err
	}

	s.logAudit(ctx, "order_cancel", "order", canceled.ID, fmt.Sprintf("lines=%d", len(canceled.Details)))
	return *canceled, nil
}

// ConfirmDelivery completes a confirmed order. The return window in force at
// this moment is snapshotted onto the order so later policy changes do not
// move the goalposts.
func (s *Service) ConfirmDelivery(ctx context.Context, orderID string) (domain.Order, error) {
	if _, err := staffFromContext(ctx); err != nil {
		return domain.Order{}, err
	}

	windowDays := s.returnWindowDays(ctx)
	order, err := s.repo.CompleteOrder(ctx, orderID, time.Now().UTC(), windowDays)
	if err != nil {
		return domain.Order{}, err
	}

	s.logAudit(ctx, "order_complete", "order", order.ID, fmt.Sprintf("return_window_days=%d", windowDays))
	return *order, nil
}

func (s *Service) GetShipment(ctx context.Context, orderID string) (domain.Shipment, error) {
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return domain.Shipment{}, err
	}
	if err := s.checkOrderAccess(ctx, order); err != nil {
		return domain.Shipment{}, err
	}

	shipment, err := s.repo.GetShipmentByOrder(ctx, orderID)
	if err != nil {
		return domain.Shipment{}, err
	}
	return *shipment, nil
}

func (s *Service) RequestReturn(ctx context.Context, req domain.ReturnCreateRequest) (domain.OrderReturn, error) {
	return s.requestReturn(ctx, domain.ReturnTypeReturn, req)
}

func (s *Service) RequestExchange(ctx context.Context, req domain.ReturnCreateRequest) (domain.OrderReturn, error) {
	return s.requestReturn(ctx, domain.ReturnTypeExchange, req)
}

func (s *Service) requestReturn(ctx context.Context, returnType string, req domain.ReturnCreateRequest) (domain.OrderReturn, error) {
	if len(req.Lines) == 0 {
		return domain.OrderReturn{}, store.ErrInvalidQuantity
	}

	order, err := s.repo.GetOrderByID(ctx, req.OrderID)
	if err != nil {
		return domain.OrderReturn{}, err
	}
	if err := s.checkOrderAccess(ctx, order); err != nil {
		return domain.OrderReturn{}, err
	}
	if order.Status != domain.OrderStatusCompleted {
		return domain.OrderReturn{}, store.ErrInvalidTransition
	}
	if err := checkReturnWindow(order, time.Now().UTC()); err != nil {
		return domain.OrderReturn{}, err
	}

	detailsByID := make(map[string]domain.OrderDetail, len(order.Details))
	for _, detail := range order.Details {
		detailsByID[detail.ID] = detail
	}

	alreadyReturned, err := s.repo.GetReturnedQtyByOrder(ctx, order.ID)
	if err != nil {
		return domain.OrderReturn{}, err
	}

	requested := make(map[string]int, len(req.Lines))
	items := make([]domain.OrderReturnItem, 0, len(req.Lines))
	refundTotal := int64(0)
	for _, line := range req.Lines {
		if line.Quantity < 1 {
			return domain.OrderReturn{}, store.ErrInvalidQuantity
		}
		detail, exists := detailsByID[line.OrderDetailID]
		if !exists {
			return domain.OrderReturn{}, store.ErrNotFound
		}

		requested[line.OrderDetailID] += line.Quantity
		if alreadyReturned[line.OrderDetailID]+requested[line.OrderDetailID] > detail.Quantity {
			return domain.OrderReturn{}, store.ErrInvalidQuantity
		}

		item := domain.OrderReturnItem{
			OrderDetailID:   detail.ID,
			ProductID:       detail.ProductID,
			Quantity:        line.Quantity,
			LineRefundCents: lineRefund(detail.UnitPriceCents, line.Quantity, order.TotalAmountCents, order.DiscountCents),
		}

		if returnType == domain.ReturnTypeExchange {
			if line.ExchangeProductID == "" || line.ExchangeQuantity < 1 {
				return domain.OrderReturn{}, store.ErrInvalidQuantity
			}
			exchange, err := s.repo.GetProductByID(ctx, line.ExchangeProductID)
			if err != nil {
				return domain.OrderReturn{}, err
			}
			if exchange.Status == domain.ProductStatusDiscontinued {
				return domain.OrderReturn{}, store.ErrProductUnavailable
			}
			item.ExchangeProductID = line.ExchangeProductID
			item.ExchangeQuantity = line.ExchangeQuantity
		}

		refundTotal += item.LineRefundCents
		items = append(items, item)
	}

	ret := domain.OrderReturn{
		OrderID:           order.ID,
		CustomerID:        order.CustomerID,
		Type:              returnType,
		Status:            domain.ReturnStatusRequested,
		Reason:            strings.TrimSpace(req.Reason),
		RefundAmountCents: refundTotal,
		Items:             items,
	}

	created, err := s.repo.CreateOrderReturn(ctx, ret)
	if err != nil {
		return domain.OrderReturn{}, err
	}

	s.logAudit(ctx, "return_request", "order_return", created.ID, fmt.Sprintf("type=%s,order=%s,refund=%d,lines=%d", returnType, order.ID, refundTotal, len(items)))
	return *created, nil
}

func (s *Service) ApproveReturn(ctx context.Context, returnID string, req domain.ReturnDecisionRequest) (domain.OrderReturn, error) {
	actor, err := staffFromContext(ctx)
	if err != nil {
		return domain.OrderReturn{}, err
	}

	existing, err := s.repo.GetOrderReturnByID(ctx, returnID)
	if err != nil {
		return domain.OrderReturn{}, err
	}

	refund := existing.RefundAmountCents
	if req.RefundOverrideCents != nil {
		if *req.RefundOverrideCents < 0 {
			return domain.OrderReturn{}, store.ErrInvalidQuantity
		}
		refund = *req.RefundOverrideCents
	}

	decided, err := s.repo.DecideOrderReturn(ctx, returnID, domain.ReturnStatusApproved, actor.Username, strings.TrimSpace(req.AdminNote), refund, time.Now().UTC())
	if err != nil {
		return domain.OrderReturn{}, err
	}

	s.logAudit(ctx, "return_approve", "order_return", decided.ID, fmt.Sprintf("refund=%d,override=%t", refund, req.RefundOverrideCents != nil))
	return *decided, nil
}

func (s *Service) RejectReturn(ctx context.Context, returnID string, req domain.ReturnDecisionRequest) (domain.OrderReturn, error) {
	actor, err := staffFromContext(ctx)
	if err != nil {
		return domain.OrderReturn{}, err
	}

	decided, err := s.repo.DecideOrderReturn(ctx, returnID, domain.ReturnStatusRejected, actor.Username, strings.TrimSpace(req.AdminNote), 0, time.Now().UTC())
	if err != nil {
		return domain.OrderReturn{}, err
	}

	s.logAudit(ctx, "return_reject", "order_return", decided.ID, "")
	return *decided, nil
}

// CompleteReturn restocks the returned goods; for exchanges it also decrements
// the replacement products. The whole completion is atomic in the store, so an
// exchange that cannot be covered leaves no partial restock behind.
func (s *Service) CompleteReturn(ctx context.Context, returnID string) (domain.OrderReturn, error) {
	if _, err := staffFromContext(ctx); err != nil {
		return domain.OrderReturn{}, err
	}

	completed, err := s.repo.CompleteOrderReturn(ctx, returnID, time.Now().UTC())
	if err != nil {
		return domain.OrderReturn{}, err
	}

	s.logAudit(ctx, "return_complete", "order_return", completed.ID, fmt.Sprintf("type=%s,refund=%d", completed.Type, completed.RefundAmountCents))
	return *completed, nil
}

func (s *Service) GetReturn(ctx context.Context, returnID string) (domain.OrderReturn, error) {
	ret, err := s.repo.GetOrderReturnByID(ctx, returnID)
	if err != nil {
		return domain.OrderReturn{}, err
	}
	if err := s.checkReturnAccess(ctx, ret); err != nil {
		return domain.OrderReturn{}, err
	}
	return *ret, nil
}

func (s *Service) ListReturns(ctx context.Context, orderID string) ([]domain.OrderReturn, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authentication required")
	}
	if actor.Role == "customer" {
		if orderID == "" {
			return nil, store.ErrOwnershipViolation
		}
		order, err := s.repo.GetOrderByID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if order.CustomerID != actor.CustomerID {
			return nil, store.ErrOwnershipViolation
		}
	}
	return s.repo.ListOrderReturns(ctx, orderID)
}

func (s *Service) CreatePromotion(ctx context.Context, req domain.PromotionCreateRequest) (domain.Promotion, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Promotion{}, fmt.Errorf("admin role required")
	}

	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	req.Type = strings.ToUpper(strings.TrimSpace(req.Type))
	if req.Code == "" {
		return domain.Promotion{}, store.ErrInvalidQuantity
	}
	switch req.Type {
	case domain.PromotionTypePercent:
		if req.Percent <= 0 || req.Percent > 100 {
			return domain.Promotion{}, store.ErrInvalidQuantity
		}
	case domain.PromotionTypeFixed:
		if req.AmountCents < 1 {
			return domain.Promotion{}, store.ErrInvalidQuantity
		}
	default:
		return domain.Promotion{}, store.ErrInvalidQuantity
	}
	if req.MaxDiscountCents < 0 {
		return domain.Promotion{}, store.ErrInvalidQuantity
	}

	promo, err := s.repo.CreatePromotion(ctx, domain.Promotion{
		Code:             req.Code,
		Type:             req.Type,
		Percent:          req.Percent,
		AmountCents:      req.AmountCents,
		MaxDiscountCents: req.MaxDiscountCents,
		Active:           true,
	})
	if err != nil {
		return domain.Promotion{}, err
	}

	s.logAudit(ctx, "promotion_create", "promotion", promo.Code, fmt.Sprintf("type=%s", promo.Type))
	return *promo, nil
}

func (s *Service) ListPromotions(ctx context.Context) ([]domain.Promotion, error) {
	if _, err := staffFromContext(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListPromotions(ctx)
}

func (s *Service) GetReturnWindowDays(ctx context.Context) (int, error) {
	if _, err := staffFromContext(ctx); err != nil {
		return 0, err
	}
	return s.returnWindowDays(ctx), nil
}

func (s *Service) SetReturnWindowDays(ctx context.Context, days int) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return fmt.Errorf("admin role required")
	}
	if days < 0 {
		return store.ErrInvalidQuantity
	}

	if err := s.repo.UpsertSetting(ctx, domain.Setting{
		Key:   returnWindowSettingKey,
		Value: strconv.Itoa(days),
	}); err != nil {
		return err
	}

	s.logAudit(ctx, "setting_update", "setting", returnWindowSettingKey, strconv.Itoa(days))
	return nil
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrInvalidQuantity
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) Recommend(ctx context.Context, req domain.RecommendationRequest) (domain.RecommendationResponse, error) {
	if len(req.ProductIDs) == 0 {
		return domain.RecommendationResponse{Recommendations: []domain.Recommendation{}}, nil
	}

	pairs, err := s.repo.GetAssociationPairs(ctx, req.ProductIDs)
	if err != nil {
		return domain.RecommendationResponse{}, err
	}

	wanted := make(map[string]struct{}, len(req.ProductIDs)+len(pairs))
	for _, id := range req.ProductIDs {
		wanted[id] = struct{}{}
	}
	for _, pair := range pairs {
		wanted[pair.TargetProductID] = struct{}{}
	}
	ids := make([]string, 0, len(wanted))
	for id := range wanted {
		ids = append(ids, id)
	}

	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return domain.RecommendationResponse{}, err
	}

	return s.recommender.Recommend(ctx, req, products, pairs), nil
}

func (s *Service) RetrainAssociations(ctx context.Context) (domain.RetrainResponse, error) {
	if _, err := staffFromContext(ctx); err != nil {
		return domain.RetrainResponse{}, err
	}

	updated, err := s.repo.RebuildAssociationPairs(ctx)
	if err != nil {
		return domain.RetrainResponse{}, err
	}

	return domain.RetrainResponse{
		UpdatedPairs: updated,
		UpdatedAt:    time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (s *Service) promotionDiscount(ctx context.Context, code string, totalCents int64) (int64, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || totalCents < 1 {
		return 0, nil
	}

	promo, err := s.repo.GetPromotionByCode(ctx, code)
	if err != nil {
		return 0, err
	}
	if !promo.Active {
		return 0, fmt.Errorf("promotion %s: %w", code, store.ErrNotFound)
	}

	discount := int64(0)
	switch promo.Type {
	case domain.PromotionTypePercent:
		discount = int64(math.Round(float64(totalCents) * promo.Percent / 100))
	case domain.PromotionTypeFixed:
		discount = promo.AmountCents
	}
	if promo.MaxDiscountCents > 0 && discount > promo.MaxDiscountCents {
		discount = promo.MaxDiscountCents
	}
	if discount > totalCents {
		discount = totalCents
	}
	return discount, nil
}

// returnWindowDays reads the live return policy. A broken or missing setting
// falls back to the default rather than blocking deliveries.
func (s *Service) returnWindowDays(ctx context.Context) int {
	setting, err := s.repo.GetSetting(ctx, returnWindowSettingKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("[service] WARN: failed to read %s setting: %v", returnWindowSettingKey, err)
		}
		return defaultReturnWindowDays
	}

	days, err := strconv.Atoi(strings.TrimSpace(setting.Value))
	if err != nil || days < 0 {
		log.Printf("[service] WARN: invalid %s value %q, using default", returnWindowSettingKey, setting.Value)
		return defaultReturnWindowDays
	}
	return days
}

// checkReturnWindow enforces the per-order return deadline. Orders completed
// before the window snapshot existed carry no snapshot and stay eligible; a
// snapshot of zero days means no deadline.
func checkReturnWindow(order *domain.Order, now time.Time) error {
	if order.ReturnWindowDays == nil || *order.ReturnWindowDays == 0 {
		return nil
	}

	base := order.OrderDate
	if order.DeliveredAt != nil {
		base = *order.DeliveredAt
	}
	if order.CompletedAt != nil {
		base = *order.CompletedAt
	}

	if now.After(base.AddDate(0, 0, *order.ReturnWindowDays)) {
		return store.ErrReturnWindowExpired
	}
	return nil
}

// lineRefund allocates the order discount proportionally onto a returned line
// and rounds the result half-up to whole cents using integer arithmetic only.
func lineRefund(unitPriceCents int64, quantity int, totalCents int64, discountCents int64) int64 {
	itemSubtotal := unitPriceCents * int64(quantity)
	if totalCents < 1 || discountCents < 1 {
		return itemSubtotal
	}

	discountShare := (2*discountCents*itemSubtotal + totalCents) / (2 * totalCents)
	refund := itemSubtotal - discountShare
	if refund < 0 {
		refund = 0
	}
	return refund
}

func (s *Service) checkOrderAccess(ctx context.Context, order *domain.Order) error {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return fmt.Errorf("authentication required")
	}
	if actor.Role == "customer" && order.CustomerID != actor.CustomerID {
		return store.ErrOwnershipViolation
	}
	return nil
}

func (s *Service) checkReturnAccess(ctx context.Context, ret *domain.OrderReturn) error {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return fmt.Errorf("authentication required")
	}
	if actor.Role == "customer" && ret.CustomerID != actor.CustomerID {
		return store.ErrOwnershipViolation
	}
	return nil
}

func staffFromContext(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || (actor.Role != "admin" && actor.Role != "employee") {
		return domain.Actor{}, fmt.Errorf("staff role required")
	}
	return actor, nil
}

func customerFromContext(ctx context.Context) (string, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "customer" || actor.CustomerID == "" {
		return "", fmt.Errorf("customer account required")
	}
	return actor.CustomerID, nil
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("aud"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}
