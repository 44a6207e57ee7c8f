package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tokokas/backend/internal/domain"
	"tokokas/backend/internal/store"
)

func TestCancelSaleRestocksInventory(t *testing.T) {
	databaseURL := os.Getenv("TOKOKAS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set TOKOKAS_TEST_DATABASE_URL to run postgres integration test")
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
	orgID := fmt.Sprintf("org-it-%d", stamp)
	operatorID := fmt.Sprintf("user-it-%d", stamp)
	productID := fmt.Sprintf("prod-it-%d", stamp)
	saleID := fmt.Sprintf("sale-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM credit_note_items WHERE credit_note_id IN (SELECT id FROM credit_notes WHERE sale_id = $1)`, saleID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM credit_notes WHERE sale_id = $1`, saleID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_lines WHERE sale_id = $1`, saleID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, saleID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE organization_id = $1`, orgID)
	})

	now := time.Now().UTC()
	if _, err := s.CreateProduct(ctx, domain.Product{
		ID:             productID,
		OrganizationID: orgID,
		SKU:            fmt.Sprintf("SKU-IT-%d", stamp),
		Name:           "Integration Grinder",
		UnitPrice:      decimal.RequireFromString("100"),
		TaxRate:        decimal.RequireFromString("21"),
		Stock:          10,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}); err != nil {
		t.Fatalf("create product: %v", err)
	}

	sale := domain.Sale{
		ID:             saleID,
		OrganizationID: orgID,
		OperatorID:     operatorID,
		Lines: []domain.SaleLine{{
			ID:             saleID + "-ln-1",
			SaleID:         saleID,
			ProductID:      productID,
			ProductName:    "Integration Grinder",
			Quantity:       2,
			UnitPrice:      decimal.RequireFromString("100"),
			TaxRate:        decimal.RequireFromString("21"),
			DiscountAmount: decimal.Zero,
			TaxAmount:      decimal.RequireFromString("42"),
			Subtotal:       decimal.RequireFromString("242"),
		}},
		Subtotal:       decimal.RequireFromString("200"),
		TaxAmount:      decimal.RequireFromString("42"),
		DiscountAmount: decimal.Zero,
		Total:          decimal.RequireFromString("242"),
		PaymentMethod:  domain.PaymentCash,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := s.CreateSale(ctx, sale, nil); err != nil {
		t.Fatalf("create sale: %v", err)
	}

	product, err := s.GetProductByID(ctx, orgID, productID)
	if err != nil {
		t.Fatalf("get product after sale: %v", err)
	}
	if product.Stock != 8 {
		t.Fatalf("expected stock 8 after sale, got %d", product.Stock)
	}

	cancelled, note, err := s.CancelSale(ctx, orgID, saleID, operatorID, "integration test cancel", "", time.Now().UTC())
	if err != nil {
		t.Fatalf("cancel sale: %v", err)
	}
	if cancelled.Status != domain.SaleStatusCancelled {
		t.Fatalf("expected cancelled status, got %s", cancelled.Status)
	}
	if note.Type != domain.CreditNoteFull {
		t.Fatalf("expected full credit note, got %s", note.Type)
	}
	if !note.Amount.Equal(decimal.RequireFromString("242")) {
		t.Fatalf("expected credit note amount 242, got %s", note.Amount)
	}

	product, err = s.GetProductByID(ctx, orgID, productID)
	if err != nil {
		t.Fatalf("get product after cancel: %v", err)
	}
	if product.Stock != 10 {
		t.Fatalf("expected stock 10 after restock, got %d", product.Stock)
	}

	if _, _, err := s.CancelSale(ctx, orgID, saleID, operatorID, "second cancel", "", time.Now().UTC()); !errors.Is(err, store.ErrSaleClosed) {
		t.Fatalf("expected ErrSaleClosed on second cancel, got %v", err)
	}
}
