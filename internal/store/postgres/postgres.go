package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"tokokas/backend/internal/authz"
	"tokokas/backend/internal/domain"
	"tokokas/backend/internal/money"
	"tokokas/backend/internal/store"
	"tokokas/backend/internal/xid"
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

func (s *Store) ListProducts(ctx context.Context, orgID string) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, sku, name, unit_price, tax_rate, stock, active, created_at, updated_at
		FROM products
		WHERE organization_id = $1 AND active = true
		ORDER BY name
	`, orgID)
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
	if product.OrganizationID == "" || product.Name == "" || product.UnitPrice.IsNegative() || product.TaxRate.IsNegative() {
		return nil, store.ErrValidation
	}
	if product.ID == "" {
		product.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, organization_id, sku, name, unit_price, tax_rate, stock, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,true,$8,$8)
	`, product.ID, product.OrganizationID, nullIfEmpty(product.SKU), product.Name, product.UnitPrice, product.TaxRate, product.Stock, product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	product.Active = true
	return &product, nil
}

func (s *Store) GetProductByID(ctx context.Context, orgID string, productID string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, sku, name, unit_price, tax_rate, stock, active, created_at, updated_at
		FROM products
		WHERE organization_id = $1 AND id = $2
	`, orgID, productID)

	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, orgID string, productIDs []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(productIDs))
	if len(productIDs) == 0 {
		return result, nil
	}

	args := make([]any, 0, len(productIDs)+1)
	args = append(args, orgID)
	placeholders := make([]string, 0, len(productIDs))
	for i, id := range productIDs {
		args = append(args, id)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, organization_id, sku, name, unit_price, tax_rate, stock, active, created_at, updated_at
		FROM products
		WHERE organization_id = $1 AND id IN (%s)
	`, strings.Join(placeholders, ",")), args...)
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

func (s *Store) UpdateProduct(ctx context.Context, orgID string, productID string, upd domain.ProductUpdateRequest, at time.Time) (*domain.Product, error) {
	sets := make([]string, 0, 6)
	args := make([]any, 0, 8)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if upd.Name != nil {
		if *upd.Name == "" {
			return nil, store.ErrValidation
		}
		sets = append(sets, "name = "+next(*upd.Name))
	}
	if upd.UnitPrice != nil {
		if upd.UnitPrice.IsNegative() {
			return nil, store.ErrValidation
		}
		sets = append(sets, "unit_price = "+next(*upd.UnitPrice))
	}
	if upd.TaxRate != nil {
		if upd.TaxRate.IsNegative() {
			return nil, store.ErrValidation
		}
		sets = append(sets, "tax_rate = "+next(*upd.TaxRate))
	}
	if upd.Stock != nil {
		sets = append(sets, "stock = "+next(*upd.Stock))
	}
	if upd.Active != nil {
		sets = append(sets, "active = "+next(*upd.Active))
	}
	if len(sets) == 0 {
		return s.GetProductByID(ctx, orgID, productID)
	}
	sets = append(sets, "updated_at = "+next(at))

	query := fmt.Sprintf(`
		UPDATE products
		SET %s
		WHERE organization_id = %s AND id = %s
		RETURNING id, organization_id, sku, name, unit_price, tax_rate, stock, active, created_at, updated_at
	`, strings.Join(sets, ", "), next(orgID), next(productID))

	p, err := scanProduct(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// CreateSale is one serializable transaction: product existence check and
// stock decrement, sale and line inserts, optional invoice insert, then the
// drawer movement and shift aggregates when the operator has an open drawer.
func (s *Store) CreateSale(ctx context.Context, sale domain.Sale, invoice *domain.Invoice) (*domain.Sale, error) {
	if len(sale.Lines) == 0 || sale.OrganizationID == "" || sale.OperatorID == "" {
		return nil, store.ErrValidation
	}
	for _, ln := range sale.Lines {
		if ln.Quantity < 1 {
			return nil, store.ErrValidation
		}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Stock may go negative: the decrement never blocks the sale.
	for _, ln := range sale.Lines {
		res, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock - $3, updated_at = $4
			WHERE organization_id = $1 AND id = $2
		`, sale.OrganizationID, ln.ProductID, ln.Quantity, sale.CreatedAt)
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
	}

	if invoice != nil {
		sale.InvoiceID = invoice.ID
	}
	sale.Status = domain.SaleStatusCompleted
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (id, organization_id, operator_id, client_id, subtotal, tax_amount, discount_amount, total,
			payment_method, status, cancel_reason, invoice_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULL,$11,$12,$12)
	`, sale.ID, sale.OrganizationID, sale.OperatorID, nullIfEmpty(sale.ClientID), sale.Subtotal, sale.TaxAmount,
		sale.DiscountAmount, sale.Total, sale.PaymentMethod, sale.Status, nullIfEmpty(sale.InvoiceID), sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	for _, ln := range sale.Lines {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sale_lines (id, sale_id, product_id, product_name, quantity, unit_price, tax_rate,
				discount_amount, tax_amount, subtotal)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, ln.ID, sale.ID, ln.ProductID, ln.ProductName, ln.Quantity, ln.UnitPrice, ln.TaxRate,
			ln.DiscountAmount, ln.TaxAmount, ln.Subtotal)
		if err != nil {
			return nil, err
		}
	}

	if invoice != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO invoices (id, organization_id, sale_id, total, issued_at)
			VALUES ($1,$2,$3,$4,$5)
		`, invoice.ID, invoice.OrganizationID, invoice.SaleID, invoice.Total, invoice.IssuedAt)
		if err != nil {
			return nil, err
		}
	}

	drawer, err := lockOpenDrawer(ctx, tx, sale.OrganizationID, sale.OperatorID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if drawer != nil {
		movementType := domain.MovementSaleCard
		if sale.PaymentMethod == domain.PaymentCash {
			movementType = domain.MovementSaleCash
		}
		if _, err := applyMovementTx(ctx, tx, drawer, sale.OperatorID, movementType, sale.Total, "sale "+sale.ID, sale.CreatedAt); err != nil {
			return nil, err
		}
		cashDelta := decimal.Zero
		cardDelta := decimal.Zero
		if sale.PaymentMethod == domain.PaymentCash {
			cashDelta = sale.Total
		} else {
			cardDelta = sale.Total
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE shifts
			SET total_sales = total_sales + $2, total_cash = total_cash + $3, total_card = total_card + $4,
				sales_count = sales_count + 1
			WHERE drawer_id = $1 AND status = $5
		`, drawer.ID, sale.Total, cashDelta, cardDelta, domain.ShiftStatusActive)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) FindSaleByID(ctx context.Context, orgID string, saleID string) (*domain.Sale, error) {
	sale, err := s.findSale(ctx, s.db, orgID, saleID, false)
	if err != nil {
		return nil, err
	}
	lines, err := s.loadLines(ctx, saleID)
	if err != nil {
		return nil, err
	}
	sale.Lines = lines
	return sale, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) findSale(ctx context.Context, q rowQuerier, orgID string, saleID string, forUpdate bool) (*domain.Sale, error) {
	query := `
		SELECT id, organization_id, operator_id, COALESCE(client_id, ''), subtotal, tax_amount, discount_amount, total,
			payment_method, status, COALESCE(cancel_reason, ''), COALESCE(invoice_id, ''), created_at, updated_at
		FROM sales
		WHERE organization_id = $1 AND id = $2
	`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var sale domain.Sale
	err := q.QueryRowContext(ctx, query, orgID, saleID).Scan(
		&sale.ID, &sale.OrganizationID, &sale.OperatorID, &sale.ClientID, &sale.Subtotal, &sale.TaxAmount,
		&sale.DiscountAmount, &sale.Total, &sale.PaymentMethod, &sale.Status, &sale.CancelReason,
		&sale.InvoiceID, &sale.CreatedAt, &sale.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &sale, nil
}

func (s *Store) loadLines(ctx context.Context, saleID string) ([]domain.SaleLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, product_id, product_name, quantity, unit_price, tax_rate, discount_amount, tax_amount, subtotal
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		var ln domain.SaleLine
		if err := rows.Scan(&ln.ID, &ln.SaleID, &ln.ProductID, &ln.ProductName, &ln.Quantity, &ln.UnitPrice,
			&ln.TaxRate, &ln.DiscountAmount, &ln.TaxAmount, &ln.Subtotal); err != nil {
			return nil, err
		}
		lines = append(lines, ln)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *Store) ListSales(ctx context.Context, orgID string, limit int) ([]domain.Sale, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, operator_id, COALESCE(client_id, ''), subtotal, tax_amount, discount_amount, total,
			payment_method, status, COALESCE(cancel_reason, ''), COALESCE(invoice_id, ''), created_at, updated_at
		FROM sales
		WHERE organization_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		var sale domain.Sale
		if err := rows.Scan(&sale.ID, &sale.OrganizationID, &sale.OperatorID, &sale.ClientID, &sale.Subtotal,
			&sale.TaxAmount, &sale.DiscountAmount, &sale.Total, &sale.PaymentMethod, &sale.Status,
			&sale.CancelReason, &sale.InvoiceID, &sale.CreatedAt, &sale.UpdatedAt); err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range sales {
		lines, err := s.loadLines(ctx, sales[i].ID)
		if err != nil {
			return nil, err
		}
		sales[i].Lines = lines
	}
	return sales, nil
}

func (s *Store) CancelSale(ctx context.Context, orgID string, saleID string, operatorID string, reason string, overrideID string, at time.Time) (*domain.Sale, *domain.CreditNote, error) {
	if reason == "" {
		return nil, nil, store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	sale, err := s.findSale(ctx, tx, orgID, saleID, true)
	if err != nil {
		return nil, nil, err
	}
	if sale.Status != domain.SaleStatusCompleted {
		return nil, nil, store.ErrSaleClosed
	}
	refunded, err := refundedQtyTx(ctx, tx, saleID)
	if err != nil {
		return nil, nil, err
	}
	if len(refunded) > 0 {
		return nil, nil, store.ErrConflict
	}
	if overrideID != "" {
		if err := consumeOverrideTx(ctx, tx, orgID, overrideID, authz.ActionCancelSale, saleID, at); err != nil {
			return nil, nil, err
		}
	}

	lines, err := s.loadLines(ctx, saleID)
	if err != nil {
		return nil, nil, err
	}
	sale.Lines = lines

	for _, ln := range lines {
		_, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock + $3, updated_at = $4
			WHERE organization_id = $1 AND id = $2
		`, orgID, ln.ProductID, ln.Quantity, at)
		if err != nil {
			return nil, nil, err
		}
	}

	note := domain.CreditNote{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		SaleID:         saleID,
		Type:           domain.CreditNoteFull,
		Reason:         reason,
		Amount:         sale.Total,
		IssuedAt:       at,
	}
	note.Items = make([]domain.CreditNoteItem, 0, len(lines))
	for _, ln := range lines {
		note.Items = append(note.Items, domain.CreditNoteItem{
			CreditNoteID: note.ID,
			ProductID:    ln.ProductID,
			Quantity:     ln.Quantity,
			UnitPrice:    ln.UnitPrice,
			Subtotal:     ln.Subtotal,
		})
	}
	if err := insertCreditNoteTx(ctx, tx, note); err != nil {
		return nil, nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sales
		SET status = $3, cancel_reason = $4, updated_at = $5
		WHERE organization_id = $1 AND id = $2
	`, orgID, saleID, domain.SaleStatusCancelled, reason, at)
	if err != nil {
		return nil, nil, err
	}
	sale.Status = domain.SaleStatusCancelled
	sale.CancelReason = reason
	sale.UpdatedAt = at

	if err := applyRefundMovementTx(ctx, tx, orgID, operatorID, sale.PaymentMethod, sale.Total, "refund sale "+saleID, at); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return sale, &note, nil
}

func (s *Store) CreatePartialRefund(ctx context.Context, orgID string, saleID string, operatorID string, reason string, items []domain.RefundItemRequest, overrideID string, at time.Time) (*domain.Sale, *domain.CreditNote, error) {
	if reason == "" || len(items) == 0 {
		return nil, nil, store.ErrValidation
	}
	for _, item := range items {
		if item.Quantity < 1 {
			return nil, nil, store.ErrValidation
		}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// The row lock on the sale serializes concurrent refunds; the replay
	// below therefore sees every committed credit note.
	sale, err := s.findSale(ctx, tx, orgID, saleID, true)
	if err != nil {
		return nil, nil, err
	}
	if sale.Status != domain.SaleStatusCompleted {
		return nil, nil, store.ErrSaleClosed
	}
	if overrideID != "" {
		if err := consumeOverrideTx(ctx, tx, orgID, overrideID, authz.ActionRefundSale, saleID, at); err != nil {
			return nil, nil, err
		}
	}

	lines, err := s.loadLines(ctx, saleID)
	if err != nil {
		return nil, nil, err
	}
	sale.Lines = lines
	// A product can appear on several lines; the guard and the refund amount
	// work on per-product totals across all of them.
	soldQty := make(map[string]int, len(lines))
	soldSubtotal := make(map[string]decimal.Decimal, len(lines))
	unitPrice := make(map[string]decimal.Decimal, len(lines))
	for _, ln := range lines {
		soldQty[ln.ProductID] += ln.Quantity
		soldSubtotal[ln.ProductID] = soldSubtotal[ln.ProductID].Add(ln.Subtotal)
		unitPrice[ln.ProductID] = ln.UnitPrice
	}

	refunded, err := refundedQtyTx(ctx, tx, saleID)
	if err != nil {
		return nil, nil, err
	}

	// Merge duplicate products in the request so the guard sees the combined
	// requested quantity.
	reqOrder := make([]string, 0, len(items))
	reqQty := make(map[string]int, len(items))
	for _, item := range items {
		if _, sold := soldQty[item.ProductID]; !sold {
			return nil, nil, store.ErrNotFound
		}
		if _, seen := reqQty[item.ProductID]; !seen {
			reqOrder = append(reqOrder, item.ProductID)
		}
		reqQty[item.ProductID] += item.Quantity
	}

	note := domain.CreditNote{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		SaleID:         saleID,
		Type:           domain.CreditNotePartial,
		Reason:         reason,
		IssuedAt:       at,
	}
	amount := decimal.Zero
	for _, productID := range reqOrder {
		qty := reqQty[productID]
		if qty > soldQty[productID]-refunded[productID] {
			return nil, nil, store.ErrRefundExceedsSold
		}
		unit := soldSubtotal[productID].Div(decimal.NewFromInt(int64(soldQty[productID])))
		sub := money.Round(unit.Mul(decimal.NewFromInt(int64(qty))))
		amount = amount.Add(sub)
		note.Items = append(note.Items, domain.CreditNoteItem{
			CreditNoteID: note.ID,
			ProductID:    productID,
			Quantity:     qty,
			UnitPrice:    unitPrice[productID],
			Subtotal:     sub,
		})
	}
	note.Amount = amount

	for _, productID := range reqOrder {
		_, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock + $3, updated_at = $4
			WHERE organization_id = $1 AND id = $2
		`, orgID, productID, reqQty[productID], at)
		if err != nil {
			return nil, nil, err
		}
	}

	if err := insertCreditNoteTx(ctx, tx, note); err != nil {
		return nil, nil, err
	}

	// Recompute closure including the new note. Every line exhausted means
	// the sale is fully refunded.
	for _, item := range note.Items {
		refunded[item.ProductID] += item.Quantity
	}
	exhausted := true
	for productID, qty := range soldQty {
		if refunded[productID] < qty {
			exhausted = false
			break
		}
	}
	nextStatus := sale.Status
	if exhausted {
		nextStatus = domain.SaleStatusRefunded
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE sales
		SET status = $3, updated_at = $4
		WHERE organization_id = $1 AND id = $2
	`, orgID, saleID, nextStatus, at)
	if err != nil {
		return nil, nil, err
	}
	sale.Status = nextStatus
	sale.UpdatedAt = at

	if err := applyRefundMovementTx(ctx, tx, orgID, operatorID, sale.PaymentMethod, amount, "partial refund sale "+saleID, at); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return sale, &note, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// refundedQtyTx aggregates refunded quantity per product over the sale's
// credit note items in one query.
func refundedQtyTx(ctx context.Context, q querier, saleID string) (map[string]int, error) {
	result := make(map[string]int)
	rows, err := q.QueryContext(ctx, `
		SELECT cni.product_id, COALESCE(SUM(cni.quantity), 0)::int
		FROM credit_notes cn
		JOIN credit_note_items cni ON cni.credit_note_id = cn.id
		WHERE cn.sale_id = $1
		GROUP BY cni.product_id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var productID string
		var qty int
		if err := rows.Scan(&productID, &qty); err != nil {
			return nil, err
		}
		result[productID] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetRefundedQtyBySale(ctx context.Context, orgID string, saleID string) (map[string]int, error) {
	if _, err := s.findSale(ctx, s.db, orgID, saleID, false); err != nil {
		return nil, err
	}
	return refundedQtyTx(ctx, s.db, saleID)
}

func insertCreditNoteTx(ctx context.Context, tx *sql.Tx, note domain.CreditNote) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_notes (id, organization_id, sale_id, type, reason, amount, issued_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, note.ID, note.OrganizationID, note.SaleID, note.Type, note.Reason, note.Amount, note.IssuedAt)
	if err != nil {
		return err
	}
	for _, item := range note.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO credit_note_items (credit_note_id, product_id, quantity, unit_price, subtotal)
			VALUES ($1,$2,$3,$4,$5)
		`, note.ID, item.ProductID, item.Quantity, item.UnitPrice, item.Subtotal)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListCreditNotes(ctx context.Context, orgID string, saleID string) ([]domain.CreditNote, error) {
	if _, err := s.findSale(ctx, s.db, orgID, saleID, false); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, sale_id, type, reason, amount, issued_at
		FROM credit_notes
		WHERE organization_id = $1 AND sale_id = $2
		ORDER BY issued_at
	`, orgID, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notes := make([]domain.CreditNote, 0, 4)
	for rows.Next() {
		var n domain.CreditNote
		if err := rows.Scan(&n.ID, &n.OrganizationID, &n.SaleID, &n.Type, &n.Reason, &n.Amount, &n.IssuedAt); err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range notes {
		itemRows, err := s.db.QueryContext(ctx, `
			SELECT credit_note_id, product_id, quantity, unit_price, subtotal
			FROM credit_note_items
			WHERE credit_note_id = $1
		`, notes[i].ID)
		if err != nil {
			return nil, err
		}
		for itemRows.Next() {
			var item domain.CreditNoteItem
			if err := itemRows.Scan(&item.CreditNoteID, &item.ProductID, &item.Quantity, &item.UnitPrice, &item.Subtotal); err != nil {
				_ = itemRows.Close()
				return nil, err
			}
			notes[i].Items = append(notes[i].Items, item)
		}
		if err := itemRows.Err(); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		_ = itemRows.Close()
	}
	return notes, nil
}

// drawerRow is the locked working copy of a drawer inside a transaction.
type drawerRow struct {
	ID             string
	CurrentAmount  decimal.Decimal
	ExpectedAmount decimal.Decimal
}

func lockOpenDrawer(ctx context.Context, tx *sql.Tx, orgID string, operatorID string) (*drawerRow, error) {
	var d drawerRow
	err := tx.QueryRowContext(ctx, `
		SELECT id, current_amount, expected_amount
		FROM cash_drawers
		WHERE organization_id = $1 AND current_user_id = $2 AND status = $3
		FOR UPDATE
	`, orgID, operatorID, domain.DrawerStatusOpen).Scan(&d.ID, &d.CurrentAmount, &d.ExpectedAmount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// applyMovementTx writes one ledger entry and updates the drawer row.
// Outflows clamp the applied amount at the current balance while the
// expected amount absorbs the full theoretical value. Card sales leave the
// cash balance untouched.
func applyMovementTx(ctx context.Context, tx *sql.Tx, drawer *drawerRow, operatorID string, movementType string, amount decimal.Decimal, description string, at time.Time) (*domain.CashMovement, error) {
	before := drawer.CurrentAmount
	after := before
	applied := amount
	expected := drawer.ExpectedAmount

	switch movementType {
	case domain.MovementSaleCash, domain.MovementCashIn:
		after = before.Add(amount)
		expected = expected.Add(amount)
	case domain.MovementRefund, domain.MovementCashOut:
		if applied.GreaterThan(before) {
			applied = before
		}
		after = before.Sub(applied)
		expected = expected.Sub(amount)
	case domain.MovementSaleCard:
	default:
		return nil, store.ErrValidation
	}

	mov := domain.CashMovement{
		ID:            xid.New("mov"),
		DrawerID:      drawer.ID,
		OperatorID:    operatorID,
		Type:          movementType,
		Amount:        applied,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   description,
		CreatedAt:     at,
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cash_movements (id, drawer_id, operator_id, type, amount, balance_before, balance_after, description, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, mov.ID, mov.DrawerID, mov.OperatorID, mov.Type, mov.Amount, mov.BalanceBefore, mov.BalanceAfter, nullIfEmpty(mov.Description), mov.CreatedAt)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE cash_drawers
		SET current_amount = $2, expected_amount = $3, last_activity_at = $4
		WHERE id = $1
	`, drawer.ID, after, expected, at)
	if err != nil {
		return nil, err
	}
	drawer.CurrentAmount = after
	drawer.ExpectedAmount = expected
	return &mov, nil
}

// applyRefundMovementTx records a refund against the operator's open drawer
// when there is one. Card refunds keep the balance flat and only count
// toward the shift's refund aggregates.
func applyRefundMovementTx(ctx context.Context, tx *sql.Tx, orgID string, operatorID string, paymentMethod string, amount decimal.Decimal, description string, at time.Time) error {
	drawer, err := lockOpenDrawer(ctx, tx, orgID, operatorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	if paymentMethod == domain.PaymentCash {
		if _, err := applyMovementTx(ctx, tx, drawer, operatorID, domain.MovementRefund, amount, description, at); err != nil {
			return err
		}
	} else {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cash_movements (id, drawer_id, operator_id, type, amount, balance_before, balance_after, description, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$6,$7,$8)
		`, xid.New("mov"), drawer.ID, operatorID, domain.MovementRefund, amount, drawer.CurrentAmount, nullIfEmpty(description), at)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE cash_drawers SET last_activity_at = $2 WHERE id = $1
		`, drawer.ID, at)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE shifts
		SET total_refunds = total_refunds + $2, refund_count = refund_count + 1
		WHERE drawer_id = $1 AND status = $3
	`, drawer.ID, amount, domain.ShiftStatusActive)
	return err
}

func (s *Store) OpenDrawer(ctx context.Context, orgID string, operatorID string, openingAmount decimal.Decimal, at time.Time) (*domain.CashDrawer, *domain.Shift, error) {
	if openingAmount.IsNegative() {
		return nil, nil, store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	drawer, shift, err := openDrawerTx(ctx, tx, orgID, operatorID, openingAmount, at)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return drawer, shift, nil
}

func openDrawerTx(ctx context.Context, tx *sql.Tx, orgID string, operatorID string, openingAmount decimal.Decimal, at time.Time) (*domain.CashDrawer, *domain.Shift, error) {
	if _, err := lockOpenDrawer(ctx, tx, orgID, operatorID); err == nil {
		return nil, nil, store.ErrConflict
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, nil, err
	}

	drawer := domain.CashDrawer{
		ID:             xid.New("drw"),
		OrganizationID: orgID,
		CurrentUserID:  operatorID,
		Status:         domain.DrawerStatusOpen,
		OpeningAmount:  openingAmount,
		CurrentAmount:  openingAmount,
		ExpectedAmount: openingAmount,
		LastActivityAt: at,
		OpenedAt:       at,
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cash_drawers (id, organization_id, current_user_id, status, opening_amount, current_amount,
			expected_amount, last_activity_at, opened_at, closed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8,NULL)
	`, drawer.ID, drawer.OrganizationID, drawer.CurrentUserID, drawer.Status, drawer.OpeningAmount,
		drawer.CurrentAmount, drawer.ExpectedAmount, at)
	if err != nil {
		return nil, nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cash_movements (id, drawer_id, operator_id, type, amount, balance_before, balance_after, description, created_at)
		VALUES ($1,$2,$3,$4,$5,0,$5,$6,$7)
	`, xid.New("mov"), drawer.ID, operatorID, domain.MovementCashIn, openingAmount, "opening amount", at)
	if err != nil {
		return nil, nil, err
	}

	shift := domain.Shift{
		ID:           xid.New("shf"),
		DrawerID:     drawer.ID,
		OperatorID:   operatorID,
		Status:       domain.ShiftStatusActive,
		StartedAt:    at,
		TotalSales:   decimal.Zero,
		TotalCash:    decimal.Zero,
		TotalCard:    decimal.Zero,
		TotalRefunds: decimal.Zero,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO shifts (id, drawer_id, operator_id, status, started_at, ended_at, total_sales, total_cash,
			total_card, total_refunds, sales_count, refund_count)
		VALUES ($1,$2,$3,$4,$5,NULL,0,0,0,0,0,0)
	`, shift.ID, shift.DrawerID, shift.OperatorID, shift.Status, shift.StartedAt)
	if err != nil {
		return nil, nil, err
	}

	return &drawer, &shift, nil
}

func (s *Store) CloseDrawer(ctx context.Context, orgID string, operatorID string, countedAmount decimal.Decimal, at time.Time) (*domain.DrawerCloseResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := closeDrawerTx(ctx, tx, orgID, operatorID, countedAmount, at)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

// closeDrawerTx marks the drawer closed and freezes the active shift. The
// counted-versus-expected difference is returned for display, never written
// back into the ledger.
func closeDrawerTx(ctx context.Context, tx *sql.Tx, orgID string, operatorID string, countedAmount decimal.Decimal, at time.Time) (*domain.DrawerCloseResult, error) {
	locked, err := lockOpenDrawer(ctx, tx, orgID, operatorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrDrawerNotOpen
		}
		return nil, err
	}

	expected := locked.ExpectedAmount
	difference := countedAmount.Sub(expected)

	var drawer domain.CashDrawer
	err = tx.QueryRowContext(ctx, `
		UPDATE cash_drawers
		SET status = $2, current_amount = $3, last_activity_at = $4, closed_at = $4
		WHERE id = $1
		RETURNING id, organization_id, current_user_id, status, opening_amount, current_amount, expected_amount,
			last_activity_at, opened_at, closed_at
	`, locked.ID, domain.DrawerStatusClosed, countedAmount, at).Scan(
		&drawer.ID, &drawer.OrganizationID, &drawer.CurrentUserID, &drawer.Status, &drawer.OpeningAmount,
		&drawer.CurrentAmount, &drawer.ExpectedAmount, &drawer.LastActivityAt, &drawer.OpenedAt, &drawer.ClosedAt,
	)
	if err != nil {
		return nil, err
	}

	var shift domain.Shift
	var shiftFound bool
	err = tx.QueryRowContext(ctx, `
		UPDATE shifts
		SET status = $2, ended_at = $3
		WHERE drawer_id = $1 AND status = $4
		RETURNING id, drawer_id, operator_id, status, started_at, ended_at, total_sales, total_cash, total_card,
			total_refunds, sales_count, refund_count
	`, locked.ID, domain.ShiftStatusClosed, at, domain.ShiftStatusActive).Scan(
		&shift.ID, &shift.DrawerID, &shift.OperatorID, &shift.Status, &shift.StartedAt, &shift.EndedAt,
		&shift.TotalSales, &shift.TotalCash, &shift.TotalCard, &shift.TotalRefunds, &shift.SalesCount, &shift.RefundCount,
	)
	if err == nil {
		shiftFound = true
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	result := &domain.DrawerCloseResult{
		Drawer:         drawer,
		CountedAmount:  countedAmount,
		ExpectedAmount: expected,
		Difference:     difference,
	}
	if shiftFound {
		result.Shift = &shift
	}
	return result, nil
}

// TransferDrawer hands the till to another operator in one transaction: a
// transfer movement zeroes the source, the source session closes with the
// counted amount, and a fresh drawer plus shift opens for the receiver
// seeded with that amount.
func (s *Store) TransferDrawer(ctx context.Context, orgID string, operatorID string, toOperatorID string, countedAmount decimal.Decimal, at time.Time) (*domain.DrawerTransferResult, error) {
	if toOperatorID == "" || toOperatorID == operatorID {
		return nil, store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	source, err := lockOpenDrawer(ctx, tx, orgID, operatorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrDrawerNotOpen
		}
		return nil, err
	}
	if _, err := lockOpenDrawer(ctx, tx, orgID, toOperatorID); err == nil {
		return nil, store.ErrConflict
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	balance := source.CurrentAmount
	_, err = tx.ExecContext(ctx, `
		INSERT INTO cash_movements (id, drawer_id, operator_id, type, amount, balance_before, balance_after, description, created_at)
		VALUES ($1,$2,$3,$4,$5,$5,0,$6,$7)
	`, xid.New("mov"), source.ID, operatorID, domain.MovementTransfer, balance, "transfer to "+toOperatorID, at)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE cash_drawers SET current_amount = 0, last_activity_at = $2 WHERE id = $1
	`, source.ID, at)
	if err != nil {
		return nil, err
	}

	closed, err := closeDrawerTx(ctx, tx, orgID, operatorID, countedAmount, at)
	if err != nil {
		return nil, err
	}

	opened, _, err := openDrawerTx(ctx, tx, orgID, toOperatorID, countedAmount, at)
	if err != nil {
		return nil, err
	}
	// Rewrite the seed movement as the transfer in.
	_, err = tx.ExecContext(ctx, `
		UPDATE cash_movements
		SET type = $2, description = $3
		WHERE drawer_id = $1
	`, opened.ID, domain.MovementTransfer, "transfer from "+operatorID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &domain.DrawerTransferResult{
		Closed:     *closed,
		Opened:     *opened,
		OpenedFor:  toOperatorID,
		Difference: closed.Difference,
	}, nil
}

func (s *Store) ApplyMovement(ctx context.Context, orgID string, operatorID string, movementType string, amount decimal.Decimal, description string, at time.Time) (*domain.CashMovement, error) {
	if movementType != domain.MovementCashIn && movementType != domain.MovementCashOut {
		return nil, store.ErrValidation
	}
	if !amount.IsPositive() {
		return nil, store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	drawer, err := lockOpenDrawer(ctx, tx, orgID, operatorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrDrawerRequired
		}
		return nil, err
	}
	mov, err := applyMovementTx(ctx, tx, drawer, operatorID, movementType, amount, description, at)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return mov, nil
}

func (s *Store) GetOpenDrawerForOperator(ctx context.Context, orgID string, operatorID string) (*domain.CashDrawer, error) {
	var d domain.CashDrawer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, current_user_id, status, opening_amount, current_amount, expected_amount,
			last_activity_at, opened_at, closed_at
		FROM cash_drawers
		WHERE organization_id = $1 AND current_user_id = $2 AND status = $3
	`, orgID, operatorID, domain.DrawerStatusOpen).Scan(
		&d.ID, &d.OrganizationID, &d.CurrentUserID, &d.Status, &d.OpeningAmount, &d.CurrentAmount,
		&d.ExpectedAmount, &d.LastActivityAt, &d.OpenedAt, &d.ClosedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (s *Store) ListMovements(ctx context.Context, orgID string, drawerID string, limit int) ([]domain.CashMovement, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}

	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT true FROM cash_drawers WHERE organization_id = $1 AND id = $2
	`, orgID, drawerID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, drawer_id, operator_id, type, amount, balance_before, balance_after, COALESCE(description, ''), created_at
		FROM cash_movements
		WHERE drawer_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, drawerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.CashMovement, 0, limit)
	for rows.Next() {
		var m domain.CashMovement
		if err := rows.Scan(&m.ID, &m.DrawerID, &m.OperatorID, &m.Type, &m.Amount, &m.BalanceBefore,
			&m.BalanceAfter, &m.Description, &m.CreatedAt); err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) GetActiveShift(ctx context.Context, orgID string, drawerID string) (*domain.Shift, error) {
	var shift domain.Shift
	err := s.db.QueryRowContext(ctx, `
		SELECT sh.id, sh.drawer_id, sh.operator_id, sh.status, sh.started_at, sh.ended_at, sh.total_sales,
			sh.total_cash, sh.total_card, sh.total_refunds, sh.sales_count, sh.refund_count
		FROM shifts sh
		JOIN cash_drawers d ON d.id = sh.drawer_id
		WHERE d.organization_id = $1 AND sh.drawer_id = $2 AND sh.status = $3
	`, orgID, drawerID, domain.ShiftStatusActive).Scan(
		&shift.ID, &shift.DrawerID, &shift.OperatorID, &shift.Status, &shift.StartedAt, &shift.EndedAt,
		&shift.TotalSales, &shift.TotalCash, &shift.TotalCard, &shift.TotalRefunds, &shift.SalesCount, &shift.RefundCount,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &shift, nil
}

func (s *Store) CreateOverride(ctx context.Context, override domain.ManagerOverride) (*domain.ManagerOverride, error) {
	if override.OrganizationID == "" || override.ActionKind == "" {
		return nil, store.ErrValidation
	}
	if override.ID == "" {
		override.ID = uuid.NewString()
	}
	override.Status = domain.OverrideStatusApproved

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO manager_overrides (id, organization_id, requested_by, approved_by, action_kind, entity_ref,
			original_value, new_value, status, expires_at, created_at, used_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NULL)
	`, override.ID, override.OrganizationID, override.RequestedBy, nullIfEmpty(override.ApprovedBy),
		override.ActionKind, nullIfEmpty(override.EntityRef), nullIfEmpty(override.OriginalValue),
		nullIfEmpty(override.NewValue), override.Status, override.ExpiresAt, override.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &override, nil
}

func (s *Store) GetOverrideByID(ctx context.Context, orgID string, overrideID string) (*domain.ManagerOverride, error) {
	var o domain.ManagerOverride
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, requested_by, COALESCE(approved_by, ''), action_kind, COALESCE(entity_ref, ''),
			COALESCE(original_value, ''), COALESCE(new_value, ''), status, expires_at, created_at, used_at
		FROM manager_overrides
		WHERE organization_id = $1 AND id = $2
	`, orgID, overrideID).Scan(
		&o.ID, &o.OrganizationID, &o.RequestedBy, &o.ApprovedBy, &o.ActionKind, &o.EntityRef,
		&o.OriginalValue, &o.NewValue, &o.Status, &o.ExpiresAt, &o.CreatedAt, &o.UsedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

func (s *Store) ListOverrides(ctx context.Context, orgID string, limit int) ([]domain.ManagerOverride, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, requested_by, COALESCE(approved_by, ''), action_kind, COALESCE(entity_ref, ''),
			COALESCE(original_value, ''), COALESCE(new_value, ''), status, expires_at, created_at, used_at
		FROM manager_overrides
		WHERE organization_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	overrides := make([]domain.ManagerOverride, 0, limit)
	for rows.Next() {
		var o domain.ManagerOverride
		if err := rows.Scan(&o.ID, &o.OrganizationID, &o.RequestedBy, &o.ApprovedBy, &o.ActionKind, &o.EntityRef,
			&o.OriginalValue, &o.NewValue, &o.Status, &o.ExpiresAt, &o.CreatedAt, &o.UsedAt); err != nil {
			return nil, err
		}
		overrides = append(overrides, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return overrides, nil
}

// consumeOverrideTx enforces the override state machine under the row lock:
// approved goes to used exactly once, and a use attempt past expiry flips
// the row to expired instead.
func consumeOverrideTx(ctx context.Context, tx *sql.Tx, orgID string, overrideID string, actionKind string, entityRef string, at time.Time) error {
	var status, kind string
	var ref sql.NullString
	var expiresAt time.Time
	err := tx.QueryRowContext(ctx, `
		SELECT status, action_kind, entity_ref, expires_at
		FROM manager_overrides
		WHERE organization_id = $1 AND id = $2
		FOR UPDATE
	`, orgID, overrideID).Scan(&status, &kind, &ref, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrOverrideInvalid
		}
		return err
	}

	if status != domain.OverrideStatusApproved {
		if status == domain.OverrideStatusExpired {
			return store.ErrOverrideExpired
		}
		return store.ErrOverrideInvalid
	}
	if at.After(expiresAt) {
		// The flip rolls back with the caller's transaction; a later
		// attempt re-derives expiry from the timestamp.
		if _, err := tx.ExecContext(ctx, `
			UPDATE manager_overrides SET status = $2 WHERE id = $1
		`, overrideID, domain.OverrideStatusExpired); err != nil {
			return err
		}
		return store.ErrOverrideExpired
	}
	if kind != actionKind {
		return store.ErrOverrideInvalid
	}
	if ref.Valid && ref.String != "" && ref.String != entityRef {
		return store.ErrOverrideInvalid
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE manager_overrides SET status = $2, used_at = $3 WHERE id = $1
	`, overrideID, domain.OverrideStatusUsed, at)
	return err
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, organization_id, actor_id, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.OrganizationID, entry.ActorID, entry.Action, entry.EntityType, entry.EntityID,
		nullIfEmpty(entry.Detail), entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, orgID string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, actor_id, action, entity_type, entity_id, COALESCE(detail, ''), created_at
		FROM audit_logs
		WHERE organization_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.OrganizationID, &entry.ActorID, &entry.Action, &entry.EntityType,
			&entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrValidation
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, organization_id, username, role, password_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, user.ID, user.OrganizationID, user.Username, user.Role, user.Password, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	var u domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, username, role, password_hash, created_at
		FROM users
		WHERE username = $1
	`, username).Scan(&u.ID, &u.OrganizationID, &u.Username, &u.Role, &u.Password, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context, orgID string) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, username, role, created_at
		FROM users
		WHERE organization_id = $1
		ORDER BY username
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.ID, &u.OrganizationID, &u.Username, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2 WHERE username = $1
	`, username, passwordHash)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	var sku sql.NullString
	err := row.Scan(&p.ID, &p.OrganizationID, &sku, &p.Name, &p.UnitPrice, &p.TaxRate, &p.Stock, &p.Active,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.Product{}, err
	}
	p.SKU = sku.String
	return p, nil
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
