package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"storems/backend/internal/cache"
	"storems/backend/internal/domain"
	"storems/backend/internal/recommendation"
	"storems/backend/internal/store"
	"storems/backend/internal/store/memory"
)

func newTestService() (*Service, store.Repository) {
	repo := memory.NewSeeded()
	recommender := recommendation.NewEngine(cache.NoopRecommendationCache{}, 5*time.Second)
	return New(repo, recommender), repo
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func employeeCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "dewi", Role: "employee"})
}

func customerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "linh", Role: "customer", CustomerID: "cus-linh-01"})
}

func createTestProduct(t *testing.T, svc *Service, sku string, priceCents int64, stock int) domain.Product {
	t.Helper()
	product, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{
		SKU:          sku,
		ProductCode:  sku,
		Name:         "Test " + sku,
		PriceCents:   priceCents,
		InitialStock: stock,
	})
	if err != nil {
		t.Fatalf("create product %s: %v", sku, err)
	}
	return product
}

// placeDiscountedOrder books the walk-in sale used across the order and return
// tests: 3 units at 100 plus 2 units at 50 with a fixed 40 discount.
func placeDiscountedOrder(t *testing.T, svc *Service) (domain.Order, domain.Product, domain.Product) {
	t.Helper()

	tee := createTestProduct(t, svc, "RT-TEE", 100, 10)
	hat := createTestProduct(t, svc, "RT-CAP", 50, 10)

	if _, err := svc.CreatePromotion(adminCtx(), domain.PromotionCreateRequest{
		Code:        "WELCOME40",
		Type:        domain.PromotionTypeFixed,
		AmountCents: 40,
	}); err != nil {
		t.Fatalf("create promotion: %v", err)
	}

	order, err := svc.CreateOrderForCustomer(employeeCtx(), domain.WalkInOrderRequest{
		Customer: domain.WalkInCustomer{Name: "Mai Pham", Phone: "0905123456"},
		Lines: []domain.OrderLine{
			{ProductID: tee.ID, Quantity: 3},
			{ProductID: hat.ID, Quantity: 2},
		},
		Info: domain.OrderCreateRequest{PromotionCode: "WELCOME40"},
	})
	if err != nil {
		t.Fatalf("create walk-in order: %v", err)
	}
	return order, tee, hat
}

func deliverOrder(t *testing.T, svc *Service, orderID string) domain.Order {
	t.Helper()
	if _, err := svc.ConfirmOrder(employeeCtx(), orderID); err != nil {
		t.Fatalf("confirm order: %v", err)
	}
	order, err := svc.ConfirmDelivery(employeeCtx(), orderID)
	if err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}
	return order
}

func detailByProduct(t *testing.T, order domain.Order, productID string) domain.OrderDetail {
	t.Helper()
	for _, detail := range order.Details {
		if detail.ProductID == productID {
			return detail
		}
	}
	t.Fatalf("order %s has no detail for product %s", order.ID, productID)
	return domain.OrderDetail{}
}

func countLedger(t *testing.T, svc *Service, productID, direction, referenceType, referenceID string) int {
	t.Helper()
	entries, err := svc.ListLedgerEntries(employeeCtx(), domain.LedgerQuery{ProductID: productID})
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	n := 0
	for _, entry := range entries {
		if entry.Direction == direction && entry.ReferenceType == referenceType && entry.ReferenceID == referenceID {
			n++
		}
	}
	return n
}

func TestWalkInOrderTotalsAndStock(t *testing.T) {
	svc, _ := newTestService()
	order, tee, hat := placeDiscountedOrder(t, svc)

	if order.Status != domain.OrderStatusPending {
		t.Fatalf("expected PENDING, got %s", order.Status)
	}
	if order.TotalAmountCents != 400 {
		t.Fatalf("expected total 400, got %d", order.TotalAmountCents)
	}
	if order.DiscountCents != 40 {
		t.Fatalf("expected discount 40, got %d", order.DiscountCents)
	}
	if order.FinalAmountCents != 360 {
		t.Fatalf("expected final 360, got %d", order.FinalAmountCents)
	}
	if order.EmployeeID != "dewi" {
		t.Fatalf("expected employee dewi on order, got %q", order.EmployeeID)
	}

	detail := detailByProduct(t, order, tee.ID)
	if detail.ProductName != tee.Name || detail.ProductCode != tee.ProductCode {
		t.Fatalf("expected product snapshot on detail, got name=%q code=%q", detail.ProductName, detail.ProductCode)
	}
	if detail.UnitPriceCents != 100 {
		t.Fatalf("expected snapshot unit price 100, got %d", detail.UnitPriceCents)
	}

	for _, p := range []struct {
		id   string
		want int
	}{{tee.ID, 7}, {hat.ID, 8}} {
		got, err := svc.GetProduct(employeeCtx(), p.id)
		if err != nil {
			t.Fatalf("get product: %v", err)
		}
		if got.StockQuantity != p.want {
			t.Fatalf("expected stock %d for %s, got %d", p.want, p.id, got.StockQuantity)
		}
		if n := countLedger(t, svc, p.id, domain.MovementOut, domain.ReferenceSaleOrder, order.ID); n != 1 {
			t.Fatalf("expected one OUT ledger entry for %s, got %d", p.id, n)
		}
	}
}

func TestCancelOrderRestoresStock(t *testing.T) {
	svc, _ := newTestService()
	order, tee, hat := placeDiscountedOrder(t, svc)

	canceled, err := svc.CancelOrder(employeeCtx(), order.ID)
	if err != nil {
		t.Fatalf("cancel order: %v", err)
	}
	if canceled.Status != domain.OrderStatusCanceled {
		t.Fatalf("expected CANCELED, got %s", canceled.Status)
	}

	for _, id := range []string{tee.ID, hat.ID} {
		got, err := svc.GetProduct(employeeCtx(), id)
		if err != nil {
			t.Fatalf("get product: %v", err)
		}
		if got.StockQuantity != 10 {
			t.Fatalf("expected stock restored to 10 for %s, got %d", id, got.StockQuantity)
		}
		if n := countLedger(t, svc, id, domain.MovementIn, domain.ReferenceSaleOrder, order.ID); n != 1 {
			t.Fatalf("expected one restock IN entry for %s, got %d", id, n)
		}

		recon, err := svc.ReconcileProductStock(employeeCtx(), id)
		if err != nil {
			t.Fatalf("reconcile: %v", err)
		}
		if !recon.Balanced || recon.DriftQty != 0 {
			t.Fatalf("expected balanced register for %s, got %+v", id, recon)
		}
	}

	if _, err := svc.CancelOrder(employeeCtx(), order.ID); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on double cancel, got %v", err)
	}
}

func TestOrderStateMachine(t *testing.T) {
	svc, _ := newTestService()
	order, _, _ := placeDiscountedOrder(t, svc)

	if _, err := svc.ConfirmDelivery(employeeCtx(), order.ID); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition delivering a pending order, got %v", err)
	}

	if _, err := svc.ConfirmOrder(employeeCtx(), order.ID); err != nil {
		t.Fatalf("confirm order: %v", err)
	}
	if _, err := svc.CancelOrder(employeeCtx(), order.ID); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition canceling a confirmed order, got %v", err)
	}

	delivered, err := svc.ConfirmDelivery(employeeCtx(), order.ID)
	if err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}
	if delivered.Status != domain.OrderStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", delivered.Status)
	}
	if delivered.DeliveredAt == nil || delivered.CompletedAt == nil {
		t.Fatalf("expected delivery timestamps, got %+v", delivered)
	}
	if delivered.ReturnWindowDays == nil || *delivered.ReturnWindowDays != 7 {
		t.Fatalf("expected snapshot window 7, got %v", delivered.ReturnWindowDays)
	}

	shipment, err := svc.GetShipment(employeeCtx(), order.ID)
	if err != nil {
		t.Fatalf("get shipment: %v", err)
	}
	if shipment.Status != domain.ShipmentStatusDelivered {
		t.Fatalf("expected shipment DELIVERED, got %s", shipment.Status)
	}

	if _, err := svc.ConfirmOrder(employeeCtx(), order.ID); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition confirming a completed order, got %v", err)
	}
}

func TestOrderRejectsUnavailableProducts(t *testing.T) {
	svc, _ := newTestService()

	// prd-scarf-01 is seeded with zero stock.
	_, err := svc.CreateOrderForCustomer(employeeCtx(), domain.WalkInOrderRequest{
		Customer: domain.WalkInCustomer{Name: "Mai Pham", Phone: "0905123456"},
		Lines:    []domain.OrderLine{{ProductID: "prd-scarf-01", Quantity: 1}},
	})
	if !errors.Is(err, store.ErrProductUnavailable) {
		t.Fatalf("expected ErrProductUnavailable for out-of-stock product, got %v", err)
	}

	retired := createTestProduct(t, svc, "RT-RETIRED", 900, 5)
	status := domain.ProductStatusDiscontinued
	if _, err := svc.UpdateProduct(adminCtx(), retired.ID, domain.ProductUpdateRequest{Status: &status}); err != nil {
		t.Fatalf("discontinue product: %v", err)
	}
	_, err = svc.CreateOrderForCustomer(employeeCtx(), domain.WalkInOrderRequest{
		Customer: domain.WalkInCustomer{Name: "Mai Pham", Phone: "0905123456"},
		Lines:    []domain.OrderLine{{ProductID: retired.ID, Quantity: 1}},
	})
	if !errors.Is(err, store.ErrProductUnavailable) {
		t.Fatalf("expected ErrProductUnavailable for discontinued product, got %v", err)
	}

	_, err = svc.CreateOrderForCustomer(employeeCtx(), domain.WalkInOrderRequest{
		Customer: domain.WalkInCustomer{Name: "Mai Pham", Phone: "0905123456"},
		Lines:    []domain.OrderLine{{ProductID: "prd-tee-01", Quantity: 500}},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
}

func TestCartCheckoutClearsCartOnlyOnSuccess(t *testing.T) {
	svc, _ := newTestService()
	ctx := customerCtx()

	if _, err := svc.AddToCart(ctx, domain.CartAddRequest{ProductID: "prd-scarf-01", Quantity: 1}); !errors.Is(err, store.ErrProductUnavailable) {
		t.Fatalf("expected ErrProductUnavailable adding out-of-stock product, got %v", err)
	}

	if _, err := svc.AddToCart(ctx, domain.CartAddRequest{ProductID: "prd-tee-01", Quantity: 2}); err != nil {
		t.Fatalf("add to cart: %v", err)
	}

	if _, err := svc.CreateOrderFromCart(ctx, domain.OrderCreateRequest{PromotionCode: "NO-SUCH-CODE"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown promotion, got %v", err)
	}

	cart, err := svc.GetCart(ctx)
	if err != nil {
		t.Fatalf("get cart: %v", err)
	}
	if len(cart.Items) != 1 {
		t.Fatalf("expected cart kept after failed checkout, got %d items", len(cart.Items))
	}

	order, err := svc.CreateOrderFromCart(ctx, domain.OrderCreateRequest{ShippingAddress: "12 Riverside Rd"})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if order.TotalAmountCents != 2*15900 {
		t.Fatalf("expected total %d, got %d", 2*15900, order.TotalAmountCents)
	}
	if order.CustomerID != "cus-linh-01" {
		t.Fatalf("expected order bound to cus-linh-01, got %s", order.CustomerID)
	}
	if order.ShippingAddress != "12 Riverside Rd" {
		t.Fatalf("expected address snapshot, got %q", order.ShippingAddress)
	}

	cart, err = svc.GetCart(ctx)
	if err != nil {
		t.Fatalf("get cart: %v", err)
	}
	if len(cart.Items) != 0 {
		t.Fatalf("expected empty cart after checkout, got %d items", len(cart.Items))
	}
}

func TestShippingFeeAndDiscount(t *testing.T) {
	svc, _ := newTestService()
	product := createTestProduct(t, svc, "RT-SHIP", 1000, 5)

	order, err := svc.CreateOrderForCustomer(employeeCtx(), domain.WalkInOrderRequest{
		Customer: domain.WalkInCustomer{Name: "Mai Pham", Phone: "0905123456"},
		Lines:    []domain.OrderLine{{ProductID: product.ID, Quantity: 1}},
		Info:     domain.OrderCreateRequest{ShippingFeeCents: 300, ShippingDiscountCents: 500},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	// Shipping discount never exceeds the fee.
	if order.ShippingDiscountCents != 300 {
		t.Fatalf("expected shipping discount clamped to 300, got %d", order.ShippingDiscountCents)
	}
	if order.FinalAmountCents != 1000 {
		t.Fatalf("expected final 1000, got %d", order.FinalAmountCents)
	}
}

func TestProportionalRefund(t *testing.T) {
	svc, _ := newTestService()
	order, tee, _ := placeDiscountedOrder(t, svc)
	deliverOrder(t, svc, order.ID)

	order, err := svc.GetOrder(employeeCtx(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	detail := detailByProduct(t, order, tee.ID)

	ret, err := svc.RequestReturn(employeeCtx(), domain.ReturnCreateRequest{
		OrderID: order.ID,
		Reason:  "wrong size",
		Lines:   []domain.ReturnRequestLine{{OrderDetailID: detail.ID, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("request return: %v", err)
	}
	// Item subtotal 100 of total 400 carries a quarter of the 40 discount.
	if ret.RefundAmountCents != 90 {
		t.Fatalf("expected refund 90, got %d", ret.RefundAmountCents)
	}
	if len(ret.Items) != 1 || ret.Items[0].LineRefundCents != 90 {
		t.Fatalf("expected line refund 90, got %+v", ret.Items)
	}
	if ret.Status != domain.ReturnStatusRequested {
		t.Fatalf("expected REQUESTED, got %s", ret.Status)
	}
}

func TestExchangeRefundUsesProportionalAllocation(t *testing.T) {
	svc, _ := newTestService()
	order, tee, hat := placeDiscountedOrder(t, svc)
	deliverOrder(t, svc, order.ID)

	order, err := svc.GetOrder(employeeCtx(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	teeDetail := detailByProduct(t, order, tee.ID)
	hatDetail := detailByProduct(t, order, hat.ID)

	ret, err := svc.RequestExchange(employeeCtx(), domain.ReturnCreateRequest{
		OrderID: order.ID,
		Reason:  "size swap",
		Lines: []domain.ReturnRequestLine{
			{OrderDetailID: teeDetail.ID, Quantity: 1, ExchangeProductID: tee.ID, ExchangeQuantity: 1},
			{OrderDetailID: hatDetail.ID, Quantity: 2, ExchangeProductID: hat.ID, ExchangeQuantity: 2},
		},
	})
	if err != nil {
		t.Fatalf("request exchange: %v", err)
	}

	// Same allocation as a plain return: 100 carries 10 of the 40 discount on
	// the 400 total, 2x50 carries another 10.
	if len(ret.Items) != 2 {
		t.Fatalf("expected two exchange lines, got %+v", ret.Items)
	}
	if ret.Items[0].LineRefundCents != 90 || ret.Items[1].LineRefundCents != 90 {
		t.Fatalf("expected line refunds 90/90, got %d/%d", ret.Items[0].LineRefundCents, ret.Items[1].LineRefundCents)
	}
	if ret.RefundAmountCents != 180 {
		t.Fatalf("expected refund 180, got %d", ret.RefundAmountCents)
	}
}

func TestLineRefund(t *testing.T) {
	cases := []struct {
		name     string
		price    int64
		qty      int
		total    int64
		discount int64
		want     int64
	}{
		{"quarter share", 100, 1, 400, 40, 90},
		{"three of five units", 100, 3, 400, 40, 270},
		{"no discount", 100, 2, 400, 0, 200},
		{"remaining share", 50, 2, 400, 40, 90},
		{"discount covers line", 100, 1, 100, 100, 0},
	}
	for _, tc := range cases {
		if got := lineRefund(tc.price, tc.qty, tc.total, tc.discount); got != tc.want {
			t.Errorf("%s: lineRefund(%d,%d,%d,%d) = %d, want %d", tc.name, tc.price, tc.qty, tc.total, tc.discount, got, tc.want)
		}
	}
}

func TestReturnWindowExpired(t *testing.T) {
	svc, repo := newTestService()
	order, _, _ := placeDiscountedOrder(t, svc)

	// Complete the order in the past, outside the 7 day window.
	if _, err := repo.ConfirmOrder(context.Background(), order.ID, time.Now().UTC().AddDate(0, 0, -11)); err != nil {
		t.Fatalf("confirm order: %v", err)
	}
	if _, err := repo.CompleteOrder(context.Background(), order.ID, time.Now().UTC().AddDate(0, 0, -10), 7); err != nil {
		t.Fatalf("complete order: %v", err)
	}

	got, err := svc.GetOrder(employeeCtx(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	detail := got.Details[0]

	_, err = svc.RequestReturn(employeeCtx(), domain.ReturnCreateRequest{
		OrderID: order.ID,
		Reason:  "late change of mind",
		Lines:   []domain.ReturnRequestLine{{OrderDetailID: detail.ID, Quantity: 1}},
	})
	if !errors.Is(err, store.ErrReturnWindowExpired) {
		t.Fatalf("expected ErrReturnWindowExpired, got %v", err)
	}
}

func TestCheckReturnWindow(t *testing.T) {
	now := time.Now().UTC()
	days := 7
	zero := 0
	old := now.AddDate(0, 0, -10)
	recent := now.AddDate(0, 0, -2)

	cases := []struct {
		name    string
		order   domain.Order
		wantErr bool
	}{
		{"no snapshot stays eligible", domain.Order{OrderDate: old}, false},
		{"zero snapshot means no deadline", domain.Order{OrderDate: old, CompletedAt: &old, ReturnWindowDays: &zero}, false},
		{"inside window", domain.Order{OrderDate: old, CompletedAt: &recent, ReturnWindowDays: &days}, false},
		{"past window", domain.Order{OrderDate: old, CompletedAt: &old, ReturnWindowDays: &days}, true},
		{"completed wins over delivered", domain.Order{OrderDate: old, DeliveredAt: &old, CompletedAt: &recent, ReturnWindowDays: &days}, false},
	}
	for _, tc := range cases {
		err := checkReturnWindow(&tc.order, now)
		if tc.wantErr && !errors.Is(err, store.ErrReturnWindowExpired) {
			t.Errorf("%s: expected ErrReturnWindowExpired, got %v", tc.name, err)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("%s: expected nil, got %v", tc.name, err)
		}
	}
}

func TestReturnDecisionFlow(t *testing.T) {
	svc, _ := newTestService()
	order, tee, _ := placeDiscountedOrder(t, svc)
	deliverOrder(t, svc, order.ID)

	order, err := svc.GetOrder(employeeCtx(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	detail := detailByProduct(t, order, tee.ID)

	ret, err := svc.RequestReturn(employeeCtx(), domain.ReturnCreateRequest{
		OrderID: order.ID,
		Lines:   []domain.ReturnRequestLine{{OrderDetailID: detail.ID, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("request return: %v", err)
	}

	if _, err := svc.CompleteReturn(employeeCtx(), ret.ID); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition completing an undecided return, got %v", err)
	}

	override := int64(50)
	approved, err := svc.ApproveReturn(employeeCtx(), ret.ID, domain.ReturnDecisionRequest{
		AdminNote:           "partial wear",
		RefundOverrideCents: &override,
	})
	if err != nil {
		t.Fatalf("approve return: %v", err)
	}
	if approved.Status != domain.ReturnStatusApproved {
		t.Fatalf("expected APPROVED, got %s", approved.Status)
	}
	if approved.RefundAmountCents != 50 {
		t.Fatalf("expected overridden refund 50, got %d", approved.RefundAmountCents)
	}
	if approved.EmployeeID != "dewi" || approved.AdminNote != "partial wear" {
		t.Fatalf("expected decision metadata, got %+v", approved)
	}

	if _, err := svc.RejectReturn(employeeCtx(), ret.ID, domain.ReturnDecisionRequest{AdminNote: "too late"}); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition rejecting an approved return, got %v", err)
	}

	stockBefore, err := svc.GetProduct(employeeCtx(), tee.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	completed, err := svc.CompleteReturn(employeeCtx(), ret.ID)
	if err != nil {
		t.Fatalf("complete return: %v", err)
	}
	if completed.Status != domain.ReturnStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", completed.Status)
	}
	stockAfter, err := svc.GetProduct(employeeCtx(), tee.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if stockAfter.StockQuantity != stockBefore.StockQuantity+1 {
		t.Fatalf("expected restock of 1, got %d -> %d", stockBefore.StockQuantity, stockAfter.StockQuantity)
	}
	if n := countLedger(t, svc, tee.ID, domain.MovementIn, domain.ReferenceSaleReturn, order.ID); n != 1 {
		t.Fatalf("expected one SALE_RETURN restock entry, got %d", n)
	}

	if _, err := svc.CompleteReturn(employeeCtx(), ret.ID); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on double complete, got %v", err)
	}
}

func TestCumulativeReturnedQuantityCap(t *testing.T) {
	svc, _ := newTestService()
	order, tee, _ := placeDiscountedOrder(t, svc)
	deliverOrder(t, svc, order.ID)

	order, err := svc.GetOrder(employeeCtx(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	detail := detailByProduct(t, order, tee.ID) // sold quantity 3

	first, err := svc.RequestReturn(employeeCtx(), domain.ReturnCreateRequest{
		OrderID: order.ID,
		Lines:   []domain.ReturnRequestLine{{OrderDetailID: detail.ID, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("first return request: %v", err)
	}

	// 2 already requested, 2 more would exceed the 3 sold.
	_, err = svc.RequestReturn(employeeCtx(), domain.ReturnCreateRequest{
		OrderID: order.ID,
		Lines:   []domain.ReturnRequestLine{{OrderDetailID: detail.ID, Quantity: 2}},
	})
	if !errors.Is(err, store.ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity over the sold quantity, got %v", err)
	}

	if _, err := svc.RejectReturn(employeeCtx(), first.ID, domain.ReturnDecisionRequest{AdminNote: "withdrawn"}); err != nil {
		t.Fatalf("reject return: %v", err)
	}

	// Rejected requests no longer count against the cap.
	if _, err := svc.RequestReturn(employeeCtx(), domain.ReturnCreateRequest{
		OrderID: order.ID,
		Lines:   []domain.ReturnRequestLine{{OrderDetailID: detail.ID, Quantity: 3}},
	}); err != nil {
		t.Fatalf("expected full return after rejection, got %v", err)
	}
}

func TestExchangeInsufficientStockRollsBack(t *testing.T) {
	svc, _ := newTestService()
	order, tee, _ := placeDiscountedOrder(t, svc)
	deliverOrder(t, svc, order.ID)

	order, err := svc.GetOrder(employeeCtx(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	detail := detailByProduct(t, order, tee.ID)

	ret, err := svc.RequestExchange(employeeCtx(), domain.ReturnCreateRequest{
		OrderID: order.ID,
		Reason:  "swap for scarf",
		Lines: []domain.ReturnRequestLine{{
			OrderDetailID:     detail.ID,
			Quantity:          1,
			ExchangeProductID: "prd-scarf-01",
			ExchangeQuantity:  1,
		}},
	})
	if err != nil {
		t.Fatalf("request exchange: %v", err)
	}
	// Exchanges carry the same proportional refund as returns; the exchanged
	// unit's 100 minus its 10 share of the 40 discount on the 400 total.
	if ret.RefundAmountCents != 90 {
		t.Fatalf("expected proportional refund 90 for exchange, got %d", ret.RefundAmountCents)
	}

	if _, err := svc.ApproveReturn(employeeCtx(), ret.ID, domain.ReturnDecisionRequest{AdminNote: "ok"}); err != nil {
		t.Fatalf("approve exchange: %v", err)
	}

	before, err := svc.GetProduct(employeeCtx(), tee.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if _, err := svc.CompleteReturn(employeeCtx(), ret.ID); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock completing against empty replacement stock, got %v", err)
	}

	// The failed completion leaves no partial restock behind.
	after, err := svc.GetProduct(employeeCtx(), tee.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if after.StockQuantity != before.StockQuantity {
		t.Fatalf("expected restock rolled back, got %d -> %d", before.StockQuantity, after.StockQuantity)
	}
	got, err := svc.GetReturn(employeeCtx(), ret.ID)
	if err != nil {
		t.Fatalf("get return: %v", err)
	}
	if got.Status != domain.ReturnStatusApproved {
		t.Fatalf("expected return still APPROVED, got %s", got.Status)
	}

	if _, err := svc.ReceiveStock(employeeCtx(), domain.StockReceiveRequest{ProductID: "prd-scarf-01", Quantity: 5}); err != nil {
		t.Fatalf("receive stock: %v", err)
	}

	completed, err := svc.CompleteReturn(employeeCtx(), ret.ID)
	if err != nil {
		t.Fatalf("complete exchange: %v", err)
	}
	if completed.Status != domain.ReturnStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", completed.Status)
	}

	after, err = svc.GetProduct(employeeCtx(), tee.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if after.StockQuantity != before.StockQuantity+1 {
		t.Fatalf("expected returned unit restocked, got %d", after.StockQuantity)
	}
	scarf, err := svc.GetProduct(employeeCtx(), "prd-scarf-01")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if scarf.StockQuantity != 4 {
		t.Fatalf("expected replacement stock 4, got %d", scarf.StockQuantity)
	}
	if n := countLedger(t, svc, tee.ID, domain.MovementIn, domain.ReferenceSaleExchange, order.ID); n != 1 {
		t.Fatalf("expected one SALE_EXCHANGE restock entry, got %d", n)
	}
	if n := countLedger(t, svc, "prd-scarf-01", domain.MovementOut, domain.ReferenceSaleExchange, order.ID); n != 1 {
		t.Fatalf("expected one SALE_EXCHANGE stock-out entry, got %d", n)
	}
}

func TestConcurrentCheckoutLastUnit(t *testing.T) {
	svc, _ := newTestService()
	product := createTestProduct(t, svc, "RT-LAST", 100, 1)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.CreateOrderDirect(customerCtx(), domain.DirectOrderRequest{
				Line: domain.OrderLine{ProductID: product.ID, Quantity: 1},
			})
		}(i)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		// The loser fails on the stock check, or on the availability check if
		// the winner's commit already flipped the product to OUT_OF_STOCK.
		case errors.Is(err, store.ErrInsufficientStock), errors.Is(err, store.ErrProductUnavailable):
			lost++
		default:
			t.Fatalf("unexpected checkout error: %v", err)
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("expected exactly one winner, got %d wins / %d stockouts", won, lost)
	}

	got, err := svc.GetProduct(employeeCtx(), product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if got.StockQuantity != 0 {
		t.Fatalf("expected stock 0, got %d", got.StockQuantity)
	}
	if got.Status != domain.ProductStatusOutOfStock {
		t.Fatalf("expected OUT_OF_STOCK, got %s", got.Status)
	}
}

func TestStockStatusDerivation(t *testing.T) {
	svc, _ := newTestService()

	scarf, err := svc.ReceiveStock(employeeCtx(), domain.StockReceiveRequest{ProductID: "prd-scarf-01", Quantity: 5, Note: "restock"})
	if err != nil {
		t.Fatalf("receive stock: %v", err)
	}
	if scarf.Status != domain.ProductStatusInStock || scarf.StockQuantity != 5 {
		t.Fatalf("expected IN_STOCK with 5 units, got %s/%d", scarf.Status, scarf.StockQuantity)
	}

	created := createTestProduct(t, svc, "RT-EMPTY", 700, 0)
	if created.Status != domain.ProductStatusOutOfStock {
		t.Fatalf("expected new zero-stock product OUT_OF_STOCK, got %s", created.Status)
	}

	retired := createTestProduct(t, svc, "RT-STICKY", 700, 5)
	status := domain.ProductStatusDiscontinued
	if _, err := svc.UpdateProduct(adminCtx(), retired.ID, domain.ProductUpdateRequest{Status: &status}); err != nil {
		t.Fatalf("discontinue: %v", err)
	}
	// DISCONTINUED is manual and survives stock movements.
	got, err := svc.ReceiveStock(employeeCtx(), domain.StockReceiveRequest{ProductID: retired.ID, Quantity: 3})
	if err != nil {
		t.Fatalf("receive stock: %v", err)
	}
	if got.Status != domain.ProductStatusDiscontinued {
		t.Fatalf("expected DISCONTINUED to stick, got %s", got.Status)
	}
}

func TestWalkInCustomerDedupByPhone(t *testing.T) {
	svc, _ := newTestService()
	product := createTestProduct(t, svc, "RT-DEDUP", 100, 10)

	// Seeded customer cus-linh-01 already owns this phone number.
	order, err := svc.CreateOrderForCustomer(employeeCtx(), domain.WalkInOrderRequest{
		Customer: domain.WalkInCustomer{Name: "Linh Tran", Phone: "0901000001"},
		Lines:    []domain.OrderLine{{ProductID: product.ID, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.CustomerID != "cus-linh-01" {
		t.Fatalf("expected walk-in sale keyed to existing customer, got %s", order.CustomerID)
	}
}

func TestCustomerOwnership(t *testing.T) {
	svc, _ := newTestService()
	product := createTestProduct(t, svc, "RT-OWN", 100, 10)

	order, err := svc.CreateOrderForCustomer(employeeCtx(), domain.WalkInOrderRequest{
		Customer: domain.WalkInCustomer{Name: "Minh Vo", Phone: "0902000002"},
		Lines:    []domain.OrderLine{{ProductID: product.ID, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	if _, err := svc.GetOrder(customerCtx(), order.ID); !errors.Is(err, store.ErrOwnershipViolation) {
		t.Fatalf("expected ErrOwnershipViolation reading a foreign order, got %v", err)
	}
	if _, err := svc.CancelOrder(customerCtx(), order.ID); !errors.Is(err, store.ErrOwnershipViolation) {
		t.Fatalf("expected ErrOwnershipViolation canceling a foreign order, got %v", err)
	}
	if _, err := svc.ListReturns(customerCtx(), order.ID); !errors.Is(err, store.ErrOwnershipViolation) {
		t.Fatalf("expected ErrOwnershipViolation listing foreign returns, got %v", err)
	}

	orders, err := svc.ListOrders(customerCtx(), domain.OrderQuery{})
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	for _, o := range orders {
		if o.CustomerID != "cus-linh-01" {
			t.Fatalf("customer listing leaked foreign order %s", o.ID)
		}
	}
}

func TestRoleEnforcement(t *testing.T) {
	svc, _ := newTestService()

	if _, err := svc.CreateProduct(employeeCtx(), domain.ProductCreateRequest{SKU: "RT-X", Name: "X", PriceCents: 100}); err == nil {
		t.Fatal("expected employee product creation to fail")
	}
	if _, err := svc.ReceiveStock(customerCtx(), domain.StockReceiveRequest{ProductID: "prd-tee-01", Quantity: 1}); err == nil {
		t.Fatal("expected customer stock receive to fail")
	}
	if err := svc.SetReturnWindowDays(employeeCtx(), 10); err == nil {
		t.Fatal("expected employee policy change to fail")
	}
	if _, err := svc.ListAuditLogs(employeeCtx(), "", 10); err == nil {
		t.Fatal("expected employee audit access to fail")
	}
	if _, err := svc.CreateOrderForCustomer(customerCtx(), domain.WalkInOrderRequest{
		Customer: domain.WalkInCustomer{Name: "X", Phone: "0900"},
		Lines:    []domain.OrderLine{{ProductID: "prd-tee-01", Quantity: 1}},
	}); err == nil {
		t.Fatal("expected customer walk-in sale to fail")
	}
}

func TestReturnWindowPolicy(t *testing.T) {
	svc, _ := newTestService()

	days, err := svc.GetReturnWindowDays(employeeCtx())
	if err != nil {
		t.Fatalf("get window: %v", err)
	}
	if days != 7 {
		t.Fatalf("expected seeded window 7, got %d", days)
	}

	if err := svc.SetReturnWindowDays(adminCtx(), 10); err != nil {
		t.Fatalf("set window: %v", err)
	}

	order, _, _ := placeDiscountedOrder(t, svc)
	delivered := deliverOrder(t, svc, order.ID)
	if delivered.ReturnWindowDays == nil || *delivered.ReturnWindowDays != 10 {
		t.Fatalf("expected snapshot window 10, got %v", delivered.ReturnWindowDays)
	}

	// Later policy changes never move an existing order's deadline.
	if err := svc.SetReturnWindowDays(adminCtx(), 0); err != nil {
		t.Fatalf("set window: %v", err)
	}
	got, err := svc.GetOrder(employeeCtx(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.ReturnWindowDays == nil || *got.ReturnWindowDays != 10 {
		t.Fatalf("expected snapshot unchanged at 10, got %v", got.ReturnWindowDays)
	}
}

func TestPercentPromotionWithCap(t *testing.T) {
	svc, _ := newTestService()
	product := createTestProduct(t, svc, "RT-PROMO", 1000, 10)

	if _, err := svc.CreatePromotion(adminCtx(), domain.PromotionCreateRequest{
		Code:             "TEN",
		Type:             domain.PromotionTypePercent,
		Percent:          10,
		MaxDiscountCents: 250,
	}); err != nil {
		t.Fatalf("create promotion: %v", err)
	}

	order, err := svc.CreateOrderForCustomer(employeeCtx(), domain.WalkInOrderRequest{
		Customer: domain.WalkInCustomer{Name: "Mai Pham", Phone: "0905123456"},
		Lines:    []domain.OrderLine{{ProductID: product.ID, Quantity: 4}},
		Info:     domain.OrderCreateRequest{PromotionCode: "ten"},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	// 10% of 4000 is 400, capped at 250.
	if order.DiscountCents != 250 {
		t.Fatalf("expected capped discount 250, got %d", order.DiscountCents)
	}
	if order.FinalAmountCents != 3750 {
		t.Fatalf("expected final 3750, got %d", order.FinalAmountCents)
	}
}

func TestReconcileProductStockAfterActivity(t *testing.T) {
	svc, _ := newTestService()
	order, tee, _ := placeDiscountedOrder(t, svc)
	deliverOrder(t, svc, order.ID)

	order, err := svc.GetOrder(employeeCtx(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	detail := detailByProduct(t, order, tee.ID)
	ret, err := svc.RequestReturn(employeeCtx(), domain.ReturnCreateRequest{
		OrderID: order.ID,
		Lines:   []domain.ReturnRequestLine{{OrderDetailID: detail.ID, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("request return: %v", err)
	}
	if _, err := svc.ApproveReturn(employeeCtx(), ret.ID, domain.ReturnDecisionRequest{}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := svc.CompleteReturn(employeeCtx(), ret.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	recon, err := svc.ReconcileProductStock(employeeCtx(), tee.ID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !recon.Balanced {
		t.Fatalf("expected balanced register, got %+v", recon)
	}
	if recon.RegisterQty != 9 {
		t.Fatalf("expected 9 units after sale of 3 and return of 2, got %d", recon.RegisterQty)
	}
}
