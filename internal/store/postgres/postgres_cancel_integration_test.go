package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"storems/backend/internal/domain"
)

func TestCancelOrderRestocksInventory(t *testing.T) {
	databaseURL := os.Getenv("STOREMS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set STOREMS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prd-cancel-it-%d", stamp)
	orderID := fmt.Sprintf("ord-cancel-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_ledger WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM order_details WHERE order_id = $1`, orderID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, orderID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, sku, product_code, name, brand, image_url, price_cents, stock_quantity, status, created_at, updated_at)
		VALUES ($1, $1, $1, 'Cancel IT Tee', '', '', 12000, 10, 'IN_STOCK', now(), now())
	`, productID); err != nil {
		t.Fatalf("insert product: %v", err)
	}

	created, err := s.CreateOrder(ctx, domain.Order{
		ID:     orderID,
		Status: domain.OrderStatusPending,
		Details: []domain.OrderDetail{
			{ProductID: productID, Quantity: 2, UnitPriceCents: 12000, ProductName: "Cancel IT Tee", ProductCode: productID},
		},
		TotalAmountCents: 24000,
		FinalAmountCents: 24000,
		PaymentMethod:    domain.PaymentMethodCash,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	var qty int
	if err := s.db.QueryRowContext(ctx, `
		SELECT stock_quantity FROM products WHERE id = $1
	`, productID).Scan(&qty); err != nil {
		t.Fatalf("query stock: %v", err)
	}
	if qty != 8 {
		t.Fatalf("expected stock 8 after checkout, got %d", qty)
	}

	at := time.Now().UTC()
	canceled, err := s.CancelOrder(ctx, created.ID, at)
	if err != nil {
		t.Fatalf("cancel order: %v", err)
	}
	if canceled.Status != domain.OrderStatusCanceled {
		t.Fatalf("expected order status CANCELED, got %s", canceled.Status)
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT stock_quantity FROM products WHERE id = $1
	`, productID).Scan(&qty); err != nil {
		t.Fatalf("query stock: %v", err)
	}
	if qty != 10 {
		t.Fatalf("expected stock 10 after cancel restock, got %d", qty)
	}

	entries, err := s.ListLedgerEntries(ctx, domain.LedgerQuery{ProductID: productID})
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	var outs, ins int
	for _, entry := range entries {
		if entry.ReferenceType != domain.ReferenceSaleOrder || entry.ReferenceID != orderID {
			continue
		}
		switch entry.Direction {
		case domain.MovementOut:
			outs++
		case domain.MovementIn:
			ins++
		}
	}
	if outs != 1 || ins != 1 {
		t.Fatalf("expected one OUT and one IN ledger entry for the order, got %d OUT / %d IN", outs, ins)
	}
}
