package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"tokokas/backend/internal/authz"
	"tokokas/backend/internal/domain"
	"tokokas/backend/internal/money"
	"tokokas/backend/internal/store"
	"tokokas/backend/internal/xid"
)

// Store keeps everything under one mutex. Each exported method is one atomic
// unit of work, mirroring the transaction boundaries of the postgres store.
type Store struct {
	mu                  sync.RWMutex
	products            map[string]domain.Product
	salesByID           map[string]*domain.Sale
	invoicesByID        map[string]domain.Invoice
	creditNotes         map[string][]domain.CreditNote
	drawersByID         map[string]*domain.CashDrawer
	movements           map[string][]domain.CashMovement
	shiftsByID          map[string]*domain.Shift
	activeShiftByDrawer map[string]string
	overridesByID       map[string]*domain.ManagerOverride
	auditLogs           []domain.AuditLog
	usersByUsername     map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:            make(map[string]domain.Product),
		salesByID:           make(map[string]*domain.Sale),
		invoicesByID:        make(map[string]domain.Invoice),
		creditNotes:         make(map[string][]domain.CreditNote),
		drawersByID:         make(map[string]*domain.CashDrawer),
		movements:           make(map[string][]domain.CashMovement),
		shiftsByID:          make(map[string]*domain.Shift),
		activeShiftByDrawer: make(map[string]string),
		overridesByID:       make(map[string]*domain.ManagerOverride),
		auditLogs:           make([]domain.AuditLog, 0, 128),
		usersByUsername:     seedUsers(),
	}
}

const SeedOrganizationID = "org-demo"

// NewSeeded returns a store pre-loaded with a small demo catalog for the
// default organization. Used in dev mode and by the service tests.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()
	products := []domain.Product{
		{ID: "prod-espresso", SKU: "CAFE-001", Name: "Espresso Beans 1kg", UnitPrice: dec("24.50"), TaxRate: dec("21"), Stock: 80},
		{ID: "prod-grinder", SKU: "EQUIP-001", Name: "Hand Grinder", UnitPrice: dec("100.00"), TaxRate: dec("21"), Stock: 25},
		{ID: "prod-filter", SKU: "CAFE-002", Name: "Paper Filters x100", UnitPrice: dec("6.75"), TaxRate: dec("21"), Stock: 140},
		{ID: "prod-mug", SKU: "WARE-001", Name: "Ceramic Mug", UnitPrice: dec("12.00"), TaxRate: dec("10"), Stock: 60},
		{ID: "prod-kettle", SKU: "EQUIP-002", Name: "Gooseneck Kettle", UnitPrice: dec("58.90"), TaxRate: dec("21"), Stock: 15},
		{ID: "prod-syrup", SKU: "CAFE-003", Name: "Vanilla Syrup 750ml", UnitPrice: dec("9.40"), TaxRate: dec("10"), Stock: 45},
	}
	for _, p := range products {
		p.OrganizationID = SeedOrganizationID
		p.Active = true
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.ID] = p
	}
	return s
}

func dec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

// seedUsers builds the initial accounts for dev/demo mode. Credentials come
// from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; hardcoded dev defaults
// are used with a warning when unset. Production runs against PostgreSQL.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"manager", adminPwd, "manager"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			ID:             "user-" + u.username,
			OrganizationID: SeedOrganizationID,
			Username:       u.username,
			Password:       string(hash),
			Role:           u.role,
			CreatedAt:      now,
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

func (s *Store) ListProducts(_ context.Context, orgID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.OrganizationID != orgID || !p.Active {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.OrganizationID == "" || product.Name == "" || product.UnitPrice.IsNegative() || product.TaxRate.IsNegative() {
		return nil, store.ErrValidation
	}
	for _, existing := range s.products {
		if existing.OrganizationID == product.OrganizationID && existing.SKU == product.SKU && product.SKU != "" {
			return nil, store.ErrConflict
		}
	}
	if product.ID == "" {
		product.ID = uuid.NewString()
	}
	product.Active = true
	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) GetProductByID(_ context.Context, orgID string, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getProductLocked(orgID, productID)
}

func (s *Store) getProductLocked(orgID string, productID string) (*domain.Product, error) {
	p, ok := s.products[productID]
	if !ok || p.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	cp := p
	return &cp, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, orgID string, productIDs []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		if p, ok := s.products[id]; ok && p.OrganizationID == orgID {
			out[id] = p
		}
	}
	return out, nil
}

func (s *Store) UpdateProduct(_ context.Context, orgID string, productID string, upd domain.ProductUpdateRequest, at time.Time) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok || p.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	if upd.Name != nil {
		if *upd.Name == "" {
			return nil, store.ErrValidation
		}
		p.Name = *upd.Name
	}
	if upd.UnitPrice != nil {
		if upd.UnitPrice.IsNegative() {
			return nil, store.ErrValidation
		}
		p.UnitPrice = *upd.UnitPrice
	}
	if upd.TaxRate != nil {
		if upd.TaxRate.IsNegative() {
			return nil, store.ErrValidation
		}
		p.TaxRate = *upd.TaxRate
	}
	if upd.Stock != nil {
		p.Stock = *upd.Stock
	}
	if upd.Active != nil {
		p.Active = *upd.Active
	}
	p.UpdatedAt = at
	s.products[productID] = p
	updated := p
	return &updated, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale, invoice *domain.Invoice) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(sale.Lines) == 0 || sale.OrganizationID == "" || sale.OperatorID == "" {
		return nil, store.ErrValidation
	}
	for _, ln := range sale.Lines {
		if ln.Quantity < 1 {
			return nil, store.ErrValidation
		}
		if _, err := s.getProductLocked(sale.OrganizationID, ln.ProductID); err != nil {
			return nil, err
		}
	}

	// Stock may go negative: oversell is allowed and reconciled later.
	for _, ln := range sale.Lines {
		p := s.products[ln.ProductID]
		p.Stock -= ln.Quantity
		p.UpdatedAt = sale.CreatedAt
		s.products[ln.ProductID] = p
	}

	sale.Status = domain.SaleStatusCompleted
	if invoice != nil {
		s.invoicesByID[invoice.ID] = *invoice
		sale.InvoiceID = invoice.ID
	}

	if drawer := s.openDrawerForLocked(sale.OrganizationID, sale.OperatorID); drawer != nil {
		movementType := domain.MovementSaleCard
		if sale.PaymentMethod == domain.PaymentCash {
			movementType = domain.MovementSaleCash
		}
		s.applyMovementLocked(drawer, sale.OperatorID, movementType, sale.Total, "sale "+sale.ID, sale.CreatedAt)
		if shift := s.activeShiftLocked(drawer.ID); shift != nil {
			shift.TotalSales = shift.TotalSales.Add(sale.Total)
			shift.SalesCount++
			if sale.PaymentMethod == domain.PaymentCash {
				shift.TotalCash = shift.TotalCash.Add(sale.Total)
			} else {
				shift.TotalCard = shift.TotalCard.Add(sale.Total)
			}
		}
	}

	stored := sale
	s.salesByID[sale.ID] = &stored
	out := cloneSale(&stored)
	return &out, nil
}

func (s *Store) FindSaleByID(_ context.Context, orgID string, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[saleID]
	if !ok || sale.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	out := cloneSale(sale)
	return &out, nil
}

func (s *Store) ListSales(_ context.Context, orgID string, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, limit)
	for _, sale := range s.salesByID {
		if sale.OrganizationID != orgID {
			continue
		}
		sales = append(sales, cloneSale(sale))
	}
	slices.SortFunc(sales, func(a, b domain.Sale) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(sales) > limit {
		sales = sales[:limit]
	}
	return sales, nil
}

func (s *Store) CancelSale(_ context.Context, orgID string, saleID string, operatorID string, reason string, overrideID string, at time.Time) (*domain.Sale, *domain.CreditNote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reason == "" {
		return nil, nil, store.ErrValidation
	}
	sale, ok := s.salesByID[saleID]
	if !ok || sale.OrganizationID != orgID {
		return nil, nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusCompleted {
		return nil, nil, store.ErrSaleClosed
	}
	// A sale with prior partial refunds can no longer be fully reversed in
	// one step; the remaining quantities go through partial refunds.
	if len(s.refundedQtyLocked(saleID)) > 0 {
		return nil, nil, store.ErrConflict
	}
	if overrideID != "" {
		if err := s.consumeOverrideLocked(orgID, overrideID, authz.ActionCancelSale, saleID, at); err != nil {
			return nil, nil, err
		}
	}

	items := make([]domain.CreditNoteItem, 0, len(sale.Lines))
	for _, ln := range sale.Lines {
		p := s.products[ln.ProductID]
		p.Stock += ln.Quantity
		p.UpdatedAt = at
		s.products[ln.ProductID] = p
		items = append(items, domain.CreditNoteItem{
			ProductID: ln.ProductID,
			Quantity:  ln.Quantity,
			UnitPrice: ln.UnitPrice,
			Subtotal:  ln.Subtotal,
		})
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
	for i := range items {
		items[i].CreditNoteID = note.ID
	}
	note.Items = items
	s.creditNotes[saleID] = append(s.creditNotes[saleID], note)

	sale.Status = domain.SaleStatusCancelled
	sale.CancelReason = reason
	sale.UpdatedAt = at

	s.applyRefundMovementLocked(orgID, operatorID, sale.PaymentMethod, sale.Total, "refund sale "+saleID, at)

	out := cloneSale(sale)
	noteCopy := note
	return &out, &noteCopy, nil
}

func (s *Store) CreatePartialRefund(_ context.Context, orgID string, saleID string, operatorID string, reason string, items []domain.RefundItemRequest, overrideID string, at time.Time) (*domain.Sale, *domain.CreditNote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reason == "" || len(items) == 0 {
		return nil, nil, store.ErrValidation
	}
	sale, ok := s.salesByID[saleID]
	if !ok || sale.OrganizationID != orgID {
		return nil, nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusCompleted {
		return nil, nil, store.ErrSaleClosed
	}
	if overrideID != "" {
		if err := s.consumeOverrideLocked(orgID, overrideID, authz.ActionRefundSale, saleID, at); err != nil {
			return nil, nil, err
		}
	}

	// A product can appear on several lines; the guard and the refund amount
	// work on per-product totals across all of them.
	soldQty := make(map[string]int, len(sale.Lines))
	soldSubtotal := make(map[string]decimal.Decimal, len(sale.Lines))
	unitPrice := make(map[string]decimal.Decimal, len(sale.Lines))
	for _, ln := range sale.Lines {
		soldQty[ln.ProductID] += ln.Quantity
		soldSubtotal[ln.ProductID] = soldSubtotal[ln.ProductID].Add(ln.Subtotal)
		unitPrice[ln.ProductID] = ln.UnitPrice
	}
	refunded := s.refundedQtyLocked(saleID)

	// Merge duplicate products in the request so the guard sees the combined
	// requested quantity.
	reqOrder := make([]string, 0, len(items))
	reqQty := make(map[string]int, len(items))
	for _, item := range items {
		if item.Quantity < 1 {
			return nil, nil, store.ErrValidation
		}
		if _, sold := soldQty[item.ProductID]; !sold {
			return nil, nil, store.ErrNotFound
		}
		if _, seen := reqQty[item.ProductID]; !seen {
			reqOrder = append(reqOrder, item.ProductID)
		}
		reqQty[item.ProductID] += item.Quantity
	}

	noteItems := make([]domain.CreditNoteItem, 0, len(reqOrder))
	amount := decimal.Zero
	for _, productID := range reqOrder {
		qty := reqQty[productID]
		if qty > soldQty[productID]-refunded[productID] {
			return nil, nil, store.ErrRefundExceedsSold
		}
		// Unit-proportional: the line subtotals already embed discount
		// shares and tax.
		unit := soldSubtotal[productID].Div(decimal.NewFromInt(int64(soldQty[productID])))
		sub := money.Round(unit.Mul(decimal.NewFromInt(int64(qty))))
		amount = amount.Add(sub)
		noteItems = append(noteItems, domain.CreditNoteItem{
			ProductID: productID,
			Quantity:  qty,
			UnitPrice: unitPrice[productID],
			Subtotal:  sub,
		})
	}

	for _, productID := range reqOrder {
		p := s.products[productID]
		p.Stock += reqQty[productID]
		p.UpdatedAt = at
		s.products[productID] = p
	}

	note := domain.CreditNote{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		SaleID:         saleID,
		Type:           domain.CreditNotePartial,
		Reason:         reason,
		Amount:         amount,
		IssuedAt:       at,
	}
	for i := range noteItems {
		noteItems[i].CreditNoteID = note.ID
	}
	note.Items = noteItems
	s.creditNotes[saleID] = append(s.creditNotes[saleID], note)

	refunded = s.refundedQtyLocked(saleID)
	exhausted := true
	for productID, qty := range soldQty {
		if refunded[productID] < qty {
			exhausted = false
			break
		}
	}
	if exhausted {
		sale.Status = domain.SaleStatusRefunded
	}
	sale.UpdatedAt = at

	s.applyRefundMovementLocked(orgID, operatorID, sale.PaymentMethod, amount, "partial refund sale "+saleID, at)

	out := cloneSale(sale)
	noteCopy := note
	return &out, &noteCopy, nil
}

func (s *Store) GetRefundedQtyBySale(_ context.Context, orgID string, saleID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sale, ok := s.salesByID[saleID]; !ok || sale.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	return s.refundedQtyLocked(saleID), nil
}

func (s *Store) refundedQtyLocked(saleID string) map[string]int {
	totals := make(map[string]int)
	for _, note := range s.creditNotes[saleID] {
		for _, item := range note.Items {
			totals[item.ProductID] += item.Quantity
		}
	}
	return totals
}

func (s *Store) ListCreditNotes(_ context.Context, orgID string, saleID string) ([]domain.CreditNote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sale, ok := s.salesByID[saleID]; !ok || sale.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	notes := make([]domain.CreditNote, len(s.creditNotes[saleID]))
	copy(notes, s.creditNotes[saleID])
	return notes, nil
}

func (s *Store) OpenDrawer(_ context.Context, orgID string, operatorID string, openingAmount decimal.Decimal, at time.Time) (*domain.CashDrawer, *domain.Shift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openDrawerLocked(orgID, operatorID, openingAmount, at)
}

func (s *Store) openDrawerLocked(orgID string, operatorID string, openingAmount decimal.Decimal, at time.Time) (*domain.CashDrawer, *domain.Shift, error) {
	if openingAmount.IsNegative() {
		return nil, nil, store.ErrValidation
	}
	if existing := s.openDrawerForLocked(orgID, operatorID); existing != nil {
		return nil, nil, store.ErrConflict
	}

	drawer := &domain.CashDrawer{
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
	s.drawersByID[drawer.ID] = drawer
	s.movements[drawer.ID] = append(s.movements[drawer.ID], domain.CashMovement{
		ID:            xid.New("mov"),
		DrawerID:      drawer.ID,
		OperatorID:    operatorID,
		Type:          domain.MovementCashIn,
		Amount:        openingAmount,
		BalanceBefore: decimal.Zero,
		BalanceAfter:  openingAmount,
		Description:   "opening amount",
		CreatedAt:     at,
	})

	shift := &domain.Shift{
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
	s.shiftsByID[shift.ID] = shift
	s.activeShiftByDrawer[drawer.ID] = shift.ID

	d := *drawer
	sh := *shift
	return &d, &sh, nil
}

func (s *Store) CloseDrawer(_ context.Context, orgID string, operatorID string, countedAmount decimal.Decimal, at time.Time) (*domain.DrawerCloseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeDrawerLocked(orgID, operatorID, countedAmount, at)
}

func (s *Store) closeDrawerLocked(orgID string, operatorID string, countedAmount decimal.Decimal, at time.Time) (*domain.DrawerCloseResult, error) {
	drawer := s.openDrawerForLocked(orgID, operatorID)
	if drawer == nil {
		return nil, store.ErrDrawerNotOpen
	}

	expected := drawer.ExpectedAmount
	difference := countedAmount.Sub(expected)

	drawer.Status = domain.DrawerStatusClosed
	drawer.CurrentAmount = countedAmount
	drawer.LastActivityAt = at
	closedAt := at
	drawer.ClosedAt = &closedAt

	var shiftCopy *domain.Shift
	if shift := s.activeShiftLocked(drawer.ID); shift != nil {
		shift.Status = domain.ShiftStatusClosed
		ended := at
		shift.EndedAt = &ended
		delete(s.activeShiftByDrawer, drawer.ID)
		sc := *shift
		shiftCopy = &sc
	}

	d := *drawer
	return &domain.DrawerCloseResult{
		Drawer:         d,
		Shift:          shiftCopy,
		CountedAmount:  countedAmount,
		ExpectedAmount: expected,
		Difference:     difference,
	}, nil
}

func (s *Store) TransferDrawer(_ context.Context, orgID string, operatorID string, toOperatorID string, countedAmount decimal.Decimal, at time.Time) (*domain.DrawerTransferResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if toOperatorID == "" || toOperatorID == operatorID {
		return nil, store.ErrValidation
	}
	source := s.openDrawerForLocked(orgID, operatorID)
	if source == nil {
		return nil, store.ErrDrawerNotOpen
	}
	if existing := s.openDrawerForLocked(orgID, toOperatorID); existing != nil {
		return nil, store.ErrConflict
	}

	// Zero the source with a transfer movement, then close its session.
	balance := source.CurrentAmount
	s.movements[source.ID] = append(s.movements[source.ID], domain.CashMovement{
		ID:            xid.New("mov"),
		DrawerID:      source.ID,
		OperatorID:    operatorID,
		Type:          domain.MovementTransfer,
		Amount:        balance,
		BalanceBefore: balance,
		BalanceAfter:  decimal.Zero,
		Description:   "transfer to " + toOperatorID,
		CreatedAt:     at,
	})
	source.CurrentAmount = decimal.Zero
	source.LastActivityAt = at

	closed, err := s.closeDrawerLocked(orgID, operatorID, countedAmount, at)
	if err != nil {
		return nil, err
	}

	opened, _, err := s.openDrawerLocked(orgID, toOperatorID, countedAmount, at)
	if err != nil {
		return nil, err
	}
	// The seed movement on the destination is the transfer in.
	if ms := s.movements[opened.ID]; len(ms) > 0 {
		ms[len(ms)-1].Type = domain.MovementTransfer
		ms[len(ms)-1].Description = "transfer from " + operatorID
	}

	return &domain.DrawerTransferResult{
		Closed:     *closed,
		Opened:     *opened,
		OpenedFor:  toOperatorID,
		Difference: closed.Difference,
	}, nil
}

func (s *Store) ApplyMovement(_ context.Context, orgID string, operatorID string, movementType string, amount decimal.Decimal, description string, at time.Time) (*domain.CashMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if movementType != domain.MovementCashIn && movementType != domain.MovementCashOut {
		return nil, store.ErrValidation
	}
	if !amount.IsPositive() {
		return nil, store.ErrValidation
	}
	drawer := s.openDrawerForLocked(orgID, operatorID)
	if drawer == nil {
		return nil, store.ErrDrawerRequired
	}
	mov := s.applyMovementLocked(drawer, operatorID, movementType, amount, description, at)
	return &mov, nil
}

// applyMovementLocked writes one ledger entry and updates the drawer's cash
// position. Outflows clamp the applied amount at the current balance; the
// expected amount still absorbs the full theoretical value so the variance
// shows up at close time. Card sales never touch the cash balance.
func (s *Store) applyMovementLocked(drawer *domain.CashDrawer, operatorID string, movementType string, amount decimal.Decimal, description string, at time.Time) domain.CashMovement {
	before := drawer.CurrentAmount
	after := before
	applied := amount

	switch movementType {
	case domain.MovementSaleCash, domain.MovementCashIn:
		after = before.Add(amount)
		drawer.ExpectedAmount = drawer.ExpectedAmount.Add(amount)
	case domain.MovementRefund, domain.MovementCashOut:
		if applied.GreaterThan(before) {
			applied = before
		}
		after = before.Sub(applied)
		drawer.ExpectedAmount = drawer.ExpectedAmount.Sub(amount)
	case domain.MovementSaleCard:
		applied = amount
	}
	drawer.CurrentAmount = after
	drawer.LastActivityAt = at

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
	s.movements[drawer.ID] = append(s.movements[drawer.ID], mov)
	return mov
}

// applyRefundMovementLocked records the refund against the operator's open
// drawer, when there is one. Card refunds only bump the shift counters.
func (s *Store) applyRefundMovementLocked(orgID string, operatorID string, paymentMethod string, amount decimal.Decimal, description string, at time.Time) {
	drawer := s.openDrawerForLocked(orgID, operatorID)
	if drawer == nil {
		return
	}
	if paymentMethod == domain.PaymentCash {
		s.applyMovementLocked(drawer, operatorID, domain.MovementRefund, amount, description, at)
	} else {
		mov := domain.CashMovement{
			ID:            xid.New("mov"),
			DrawerID:      drawer.ID,
			OperatorID:    operatorID,
			Type:          domain.MovementRefund,
			Amount:        amount,
			BalanceBefore: drawer.CurrentAmount,
			BalanceAfter:  drawer.CurrentAmount,
			Description:   description,
			CreatedAt:     at,
		}
		s.movements[drawer.ID] = append(s.movements[drawer.ID], mov)
		drawer.LastActivityAt = at
	}
	if shift := s.activeShiftLocked(drawer.ID); shift != nil {
		shift.TotalRefunds = shift.TotalRefunds.Add(amount)
		shift.RefundCount++
	}
}

func (s *Store) GetOpenDrawerForOperator(_ context.Context, orgID string, operatorID string) (*domain.CashDrawer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	drawer := s.openDrawerForLocked(orgID, operatorID)
	if drawer == nil {
		return nil, store.ErrNotFound
	}
	d := *drawer
	return &d, nil
}

func (s *Store) openDrawerForLocked(orgID string, operatorID string) *domain.CashDrawer {
	for _, d := range s.drawersByID {
		if d.OrganizationID == orgID && d.CurrentUserID == operatorID && d.Status == domain.DrawerStatusOpen {
			return d
		}
	}
	return nil
}

func (s *Store) ListMovements(_ context.Context, orgID string, drawerID string, limit int) ([]domain.CashMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	drawer, ok := s.drawersByID[drawerID]
	if !ok || drawer.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	ms := s.movements[drawerID]
	out := make([]domain.CashMovement, len(ms))
	copy(out, ms)
	slices.SortFunc(out, func(a, b domain.CashMovement) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetActiveShift(_ context.Context, orgID string, drawerID string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	drawer, ok := s.drawersByID[drawerID]
	if !ok || drawer.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	shift := s.activeShiftLocked(drawerID)
	if shift == nil {
		return nil, store.ErrNotFound
	}
	sh := *shift
	return &sh, nil
}

func (s *Store) activeShiftLocked(drawerID string) *domain.Shift {
	id, ok := s.activeShiftByDrawer[drawerID]
	if !ok {
		return nil
	}
	return s.shiftsByID[id]
}

func (s *Store) CreateOverride(_ context.Context, override domain.ManagerOverride) (*domain.ManagerOverride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if override.OrganizationID == "" || override.ActionKind == "" {
		return nil, store.ErrValidation
	}
	if override.ID == "" {
		override.ID = uuid.NewString()
	}
	override.Status = domain.OverrideStatusApproved
	stored := override
	s.overridesByID[override.ID] = &stored
	out := stored
	return &out, nil
}

func (s *Store) GetOverrideByID(_ context.Context, orgID string, overrideID string) (*domain.ManagerOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.overridesByID[overrideID]
	if !ok || o.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	out := *o
	return &out, nil
}

func (s *Store) ListOverrides(_ context.Context, orgID string, limit int) ([]domain.ManagerOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ManagerOverride, 0)
	for _, o := range s.overridesByID {
		if o.OrganizationID != orgID {
			continue
		}
		out = append(out, *o)
	}
	slices.SortFunc(out, func(a, b domain.ManagerOverride) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// consumeOverrideLocked enforces the override state machine: approved goes to
// used exactly once; a use attempt past expiry flips it to expired instead.
func (s *Store) consumeOverrideLocked(orgID string, overrideID string, actionKind string, entityRef string, at time.Time) error {
	o, ok := s.overridesByID[overrideID]
	if !ok || o.OrganizationID != orgID {
		return store.ErrOverrideInvalid
	}
	if o.Status != domain.OverrideStatusApproved {
		if o.Status == domain.OverrideStatusExpired {
			return store.ErrOverrideExpired
		}
		return store.ErrOverrideInvalid
	}
	if at.After(o.ExpiresAt) {
		o.Status = domain.OverrideStatusExpired
		return store.ErrOverrideExpired
	}
	if o.ActionKind != actionKind {
		return store.ErrOverrideInvalid
	}
	if o.EntityRef != "" && o.EntityRef != entityRef {
		return store.ErrOverrideInvalid
	}
	o.Status = domain.OverrideStatusUsed
	used := at
	o.UsedAt = &used
	return nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("aud")
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, orgID string, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		if s.auditLogs[i].OrganizationID != orgID {
			continue
		}
		out = append(out, s.auditLogs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" || user.Password == "" {
		return store.ErrValidation
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrConflict
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.usersByUsername[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := u
	return &cp, nil
}

func (s *Store) ListUsers(_ context.Context, orgID string) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		if u.OrganizationID != orgID {
			continue
		}
		u.Password = ""
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return out, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	u.Password = passwordHash
	s.usersByUsername[username] = u
	return nil
}

func cloneSale(sale *domain.Sale) domain.Sale {
	out := *sale
	out.Lines = make([]domain.SaleLine, len(sale.Lines))
	copy(out.Lines, sale.Lines)
	return out
}
