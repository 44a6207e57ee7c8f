package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tokokas/backend/internal/authz"
	"tokokas/backend/internal/counter"
	"tokokas/backend/internal/domain"
	"tokokas/backend/internal/money"
	"tokokas/backend/internal/store"
	"tokokas/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo         store.Repository
	quota        counter.Tracker
	invoiceQuota int64
	overrideTTL  time.Duration
}

func New(repo store.Repository, quota counter.Tracker, invoiceQuota int64, overrideTTL time.Duration) *Service {
	if quota == nil {
		quota = counter.NoopTracker{}
	}
	if overrideTTL <= 0 {
		overrideTTL = 5 * time.Minute
	}

	return &Service{
		repo:         repo,
		quota:        quota,
		invoiceQuota: invoiceQuota,
		overrideTTL:  overrideTTL,
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, store.ErrForbidden
	}
	return s.repo.ListProducts(ctx, actor.OrganizationID)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || !authz.Role(actor.Role).AtLeast(authz.RoleManager) {
		return domain.Product{}, store.ErrForbidden
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.UnitPrice.IsNegative() || req.TaxRate.IsNegative() || req.Stock < 0 {
		return domain.Product{}, store.ErrValidation
	}

	now := time.Now().UTC()
	created, err := s.repo.CreateProduct(ctx, domain.Product{
		ID:             uuid.NewString(),
		OrganizationID: actor.OrganizationID,
		SKU:            req.SKU,
		Name:           req.Name,
		UnitPrice:      req.UnitPrice,
		TaxRate:        req.TaxRate,
		Stock:          req.Stock,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("name=%s,price=%s", created.Name, created.UnitPrice))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, productID string, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || !authz.Role(actor.Role).AtLeast(authz.RoleManager) {
		return domain.Product{}, store.ErrForbidden
	}
	if productID == "" {
		return domain.Product{}, store.ErrValidation
	}

	updated, err := s.repo.UpdateProduct(ctx, actor.OrganizationID, productID, req, time.Now().UTC())
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_update", "product", updated.ID, fmt.Sprintf("price=%s,stock=%d,active=%t", updated.UnitPrice, updated.Stock, updated.Active))
	return *updated, nil
}

// CreateSale runs the whole sale pipeline: precondition checks (drawer,
// invoice quota), tenant-scoped product lookup, per-line pricing, order
// discount allocation, then one atomic persistence step that also decrements
// stock and applies the drawer movement and shift aggregates.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleRequest) (domain.Sale, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Sale{}, store.ErrForbidden
	}
	if len(req.Lines) == 0 {
		return domain.Sale{}, fmt.Errorf("%w: at least one line required", store.ErrValidation)
	}
	if req.PaymentMethod != domain.PaymentCash && req.PaymentMethod != domain.PaymentCard {
		return domain.Sale{}, fmt.Errorf("%w: unsupported payment method %q", store.ErrValidation, req.PaymentMethod)
	}
	for _, ln := range req.Lines {
		if ln.ProductID == "" || ln.Quantity < 1 {
			return domain.Sale{}, fmt.Errorf("%w: every line needs a product and a positive quantity", store.ErrValidation)
		}
	}

	// Preconditions run before the transaction, never inside it.
	if req.RequireOpenDrawer {
		if _, err := s.repo.GetOpenDrawerForOperator(ctx, actor.OrganizationID, actor.UserID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.Sale{}, store.ErrDrawerRequired
			}
			return domain.Sale{}, err
		}
	}
	if req.IssueInvoice {
		if err := s.checkInvoiceQuota(ctx, actor.OrganizationID); err != nil {
			return domain.Sale{}, err
		}
	}

	productIDs := make([]string, 0, len(req.Lines))
	for _, ln := range req.Lines {
		productIDs = append(productIDs, ln.ProductID)
	}
	products, err := s.repo.GetProductsByIDs(ctx, actor.OrganizationID, productIDs)
	if err != nil {
		return domain.Sale{}, err
	}

	results := make([]money.LineResult, 0, len(req.Lines))
	for _, ln := range req.Lines {
		product, found := products[ln.ProductID]
		if !found {
			return domain.Sale{}, fmt.Errorf("%w: product %s", store.ErrNotFound, ln.ProductID)
		}
		results = append(results, money.CalculateLine(money.LineInput{
			UnitPrice:      product.UnitPrice,
			Quantity:       ln.Quantity,
			TaxRate:        product.TaxRate,
			DiscountAmount: ln.DiscountAmount,
			DiscountRate:   ln.DiscountRate,
		}))
	}
	orderDiscount := money.OrderDiscount{Amount: req.OrderDiscountAmount, Rate: req.OrderDiscountRate}
	if !orderDiscount.IsZero() {
		results, _ = money.AllocateOrderDiscount(results, orderDiscount)
	}

	now := time.Now().UTC()
	saleID := uuid.NewString()
	sale := domain.Sale{
		ID:             saleID,
		OrganizationID: actor.OrganizationID,
		OperatorID:     actor.UserID,
		ClientID:       req.ClientID,
		PaymentMethod:  req.PaymentMethod,
		Status:         domain.SaleStatusCompleted,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	sale.Lines = make([]domain.SaleLine, 0, len(req.Lines))
	subtotal := decimal.Zero
	taxTotal := decimal.Zero
	discountTotal := decimal.Zero
	grandTotal := decimal.Zero
	for i, ln := range req.Lines {
		product := products[ln.ProductID]
		// Rounding happens here, once, at the persistence boundary.
		base := money.Round(results[i].TaxableBase)
		tax := money.Round(results[i].TaxAmount)
		disc := money.Round(results[i].DiscountAmount)
		lineTotal := base.Add(tax)
		sale.Lines = append(sale.Lines, domain.SaleLine{
			ID:             xid.New("line"),
			SaleID:         saleID,
			ProductID:      product.ID,
			ProductName:    product.Name,
			Quantity:       ln.Quantity,
			UnitPrice:      product.UnitPrice,
			TaxRate:        product.TaxRate,
			DiscountAmount: disc,
			TaxAmount:      tax,
			Subtotal:       lineTotal,
		})
		subtotal = subtotal.Add(base).Add(disc)
		taxTotal = taxTotal.Add(tax)
		discountTotal = discountTotal.Add(disc)
		grandTotal = grandTotal.Add(lineTotal)
	}
	sale.Subtotal = subtotal
	sale.TaxAmount = taxTotal
	sale.DiscountAmount = discountTotal
	sale.Total = grandTotal

	var invoice *domain.Invoice
	if req.IssueInvoice {
		invoice = &domain.Invoice{
			ID:             uuid.NewString(),
			OrganizationID: actor.OrganizationID,
			SaleID:         saleID,
			Total:          sale.Total,
			IssuedAt:       now,
		}
	}

	created, err := s.repo.CreateSale(ctx, sale, invoice)
	if err != nil {
		return domain.Sale{}, err
	}

	if req.IssueInvoice {
		s.countInvoice(ctx, actor.OrganizationID)
	}
	s.logAudit(ctx, "sale_create", "sale", created.ID, fmt.Sprintf("total=%s,payment=%s,lines=%d", created.Total, created.PaymentMethod, len(created.Lines)))
	return *created, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.Sale, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Sale{}, store.ErrForbidden
	}
	sale, err := s.repo.FindSaleByID(ctx, actor.OrganizationID, saleID)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, store.ErrForbidden
	}
	return s.repo.ListSales(ctx, actor.OrganizationID, limit)
}

// CancelSale fully reverses a completed sale. Cashiers need an approved
// manager override; the override is consumed inside the same transaction as
// the reversal.
func (s *Service) CancelSale(ctx context.Context, saleID string, req domain.CancelRequest) (domain.Sale, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Sale{}, store.ErrForbidden
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		return domain.Sale{}, fmt.Errorf("%w: reason required", store.ErrValidation)
	}
	if err := s.authorize(actor, authz.ActionCancelSale, req.OverrideID); err != nil {
		return domain.Sale{}, err
	}

	sale, note, err := s.repo.CancelSale(ctx, actor.OrganizationID, saleID, actor.UserID, req.Reason, req.OverrideID, time.Now().UTC())
	if err != nil {
		return domain.Sale{}, err
	}

	s.logAudit(ctx, "sale_cancel", "sale", sale.ID, fmt.Sprintf("credit_note=%s,amount=%s,reason=%s", note.ID, note.Amount, req.Reason))
	return *sale, nil
}

// CreatePartialRefund refunds specific quantities. The double-spend guard
// (sold minus already refunded, replayed from credit note items) runs inside
// the store transaction, so two concurrent refunds cannot both pass it.
func (s *Service) CreatePartialRefund(ctx context.Context, saleID string, req domain.RefundRequest) (domain.Sale, domain.CreditNote, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Sale{}, domain.CreditNote{}, store.ErrForbidden
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		return domain.Sale{}, domain.CreditNote{}, fmt.Errorf("%w: reason required", store.ErrValidation)
	}
	if len(req.Items) == 0 {
		return domain.Sale{}, domain.CreditNote{}, fmt.Errorf("%w: at least one item required", store.ErrValidation)
	}
	for _, item := range req.Items {
		if item.ProductID == "" || item.Quantity < 1 {
			return domain.Sale{}, domain.CreditNote{}, fmt.Errorf("%w: every item needs a product and a positive quantity", store.ErrValidation)
		}
	}
	if err := s.authorize(actor, authz.ActionRefundSale, req.OverrideID); err != nil {
		return domain.Sale{}, domain.CreditNote{}, err
	}

	sale, note, err := s.repo.CreatePartialRefund(ctx, actor.OrganizationID, saleID, actor.UserID, req.Reason, req.Items, req.OverrideID, time.Now().UTC())
	if err != nil {
		return domain.Sale{}, domain.CreditNote{}, err
	}

	s.logAudit(ctx, "sale_refund", "sale", sale.ID, fmt.Sprintf("credit_note=%s,amount=%s,status=%s", note.ID, note.Amount, sale.Status))
	return *sale, *note, nil
}

func (s *Service) ListCreditNotes(ctx context.Context, saleID string) ([]domain.CreditNote, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, store.ErrForbidden
	}
	return s.repo.ListCreditNotes(ctx, actor.OrganizationID, saleID)
}

// authorize maps the permission decision onto the error taxonomy. An
// override-required failure names the action so the caller can start the
// override flow.
func (s *Service) authorize(actor domain.Actor, action string, overrideID string) error {
	decision := authz.Evaluate(authz.Role(actor.Role), action)
	if decision.Allowed {
		return nil
	}
	if decision.OverrideRequired {
		if overrideID == "" {
			return fmt.Errorf("%w: %s", store.ErrOverrideRequired, action)
		}
		// The override itself is validated and consumed inside the store
		// transaction of the protected action.
		return nil
	}
	return store.ErrForbidden
}

func (s *Service) OpenDrawer(ctx context.Context, req domain.DrawerOpenRequest) (domain.CashDrawer, domain.Shift, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.CashDrawer{}, domain.Shift{}, store.ErrForbidden
	}
	if req.OpeningAmount.IsNegative() {
		return domain.CashDrawer{}, domain.Shift{}, fmt.Errorf("%w: opening amount cannot be negative", store.ErrValidation)
	}

	drawer, shift, err := s.repo.OpenDrawer(ctx, actor.OrganizationID, actor.UserID, req.OpeningAmount, time.Now().UTC())
	if err != nil {
		return domain.CashDrawer{}, domain.Shift{}, err
	}

	s.logAudit(ctx, "drawer_open", "drawer", drawer.ID, fmt.Sprintf("opening=%s", drawer.OpeningAmount))
	return *drawer, *shift, nil
}

// CloseDrawer compares the operator-counted amount against the expected cash
// position. The difference is informational; the ledger is never adjusted to
// hide a variance.
func (s *Service) CloseDrawer(ctx context.Context, req domain.DrawerCloseRequest) (domain.DrawerCloseResult, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.DrawerCloseResult{}, store.ErrForbidden
	}
	if req.CountedAmount.IsNegative() {
		return domain.DrawerCloseResult{}, fmt.Errorf("%w: counted amount cannot be negative", store.ErrValidation)
	}

	result, err := s.repo.CloseDrawer(ctx, actor.OrganizationID, actor.UserID, req.CountedAmount, time.Now().UTC())
	if err != nil {
		return domain.DrawerCloseResult{}, err
	}

	s.logAudit(ctx, "drawer_close", "drawer", result.Drawer.ID, fmt.Sprintf("counted=%s,expected=%s,difference=%s", result.CountedAmount, result.ExpectedAmount, result.Difference))
	return *result, nil
}

func (s *Service) TransferDrawer(ctx context.Context, req domain.DrawerTransferRequest) (domain.DrawerTransferResult, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.DrawerTransferResult{}, store.ErrForbidden
	}
	if !authz.Evaluate(authz.Role(actor.Role), authz.ActionTransferDrawer).Allowed {
		return domain.DrawerTransferResult{}, store.ErrForbidden
	}
	if req.CountedAmount.IsNegative() {
		return domain.DrawerTransferResult{}, fmt.Errorf("%w: counted amount cannot be negative", store.ErrValidation)
	}

	result, err := s.repo.TransferDrawer(ctx, actor.OrganizationID, actor.UserID, req.ToOperatorID, req.CountedAmount, time.Now().UTC())
	if err != nil {
		return domain.DrawerTransferResult{}, err
	}

	s.logAudit(ctx, "drawer_transfer", "drawer", result.Opened.ID, fmt.Sprintf("to=%s,counted=%s,difference=%s", req.ToOperatorID, req.CountedAmount, result.Difference))
	return *result, nil
}

func (s *Service) ApplyMovement(ctx context.Context, req domain.MovementRequest) (domain.CashMovement, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.CashMovement{}, store.ErrForbidden
	}
	if !authz.Evaluate(authz.Role(actor.Role), authz.ActionManualMovement).Allowed {
		return domain.CashMovement{}, store.ErrForbidden
	}

	movement, err := s.repo.ApplyMovement(ctx, actor.OrganizationID, actor.UserID, req.Type, req.Amount, strings.TrimSpace(req.Description), time.Now().UTC())
	if err != nil {
		return domain.CashMovement{}, err
	}

	s.logAudit(ctx, "drawer_movement", "movement", movement.ID, fmt.Sprintf("type=%s,amount=%s", movement.Type, movement.Amount))
	return *movement, nil
}

func (s *Service) CurrentDrawer(ctx context.Context) (domain.CashDrawer, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.CashDrawer{}, store.ErrForbidden
	}
	drawer, err := s.repo.GetOpenDrawerForOperator(ctx, actor.OrganizationID, actor.UserID)
	if err != nil {
		return domain.CashDrawer{}, err
	}
	return *drawer, nil
}

func (s *Service) ListMovements(ctx context.Context, drawerID string, limit int) ([]domain.CashMovement, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, store.ErrForbidden
	}
	return s.repo.ListMovements(ctx, actor.OrganizationID, drawerID, limit)
}

func (s *Service) GetActiveShift(ctx context.Context, drawerID string) (domain.Shift, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Shift{}, store.ErrForbidden
	}
	shift, err := s.repo.GetActiveShift(ctx, actor.OrganizationID, drawerID)
	if err != nil {
		return domain.Shift{}, err
	}
	return *shift, nil
}

// RequestOverride records an approved, time-boxed override. PIN verification
// happens at the API layer; approvedBy names the manager who entered it.
func (s *Service) RequestOverride(ctx context.Context, actionKind string, entityRef string, approvedBy string) (domain.ManagerOverride, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.ManagerOverride{}, store.ErrForbidden
	}
	if !authz.Overridable(actionKind) {
		return domain.ManagerOverride{}, fmt.Errorf("%w: action %q does not support overrides", store.ErrValidation, actionKind)
	}

	now := time.Now().UTC()
	created, err := s.repo.CreateOverride(ctx, domain.ManagerOverride{
		ID:             uuid.NewString(),
		OrganizationID: actor.OrganizationID,
		RequestedBy:    actor.UserID,
		ApprovedBy:     approvedBy,
		ActionKind:     actionKind,
		EntityRef:      entityRef,
		Status:         domain.OverrideStatusApproved,
		ExpiresAt:      now.Add(s.overrideTTL),
		CreatedAt:      now,
	})
	if err != nil {
		return domain.ManagerOverride{}, err
	}

	s.logAudit(ctx, "override_request", "override", created.ID, fmt.Sprintf("action=%s,entity=%s,expires=%s", created.ActionKind, created.EntityRef, created.ExpiresAt.Format(time.RFC3339)))
	return *created, nil
}

func (s *Service) ListOverrides(ctx context.Context, limit int) ([]domain.ManagerOverride, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || !authz.Role(actor.Role).AtLeast(authz.RoleManager) {
		return nil, store.ErrForbidden
	}
	return s.repo.ListOverrides(ctx, actor.OrganizationID, limit)
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || !authz.Role(actor.Role).AtLeast(authz.RoleManager) {
		return nil, store.ErrForbidden
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, actor.OrganizationID, limit)
}

// checkInvoiceQuota consults the usage tracker before the sale transaction
// starts. Tracker outages are logged and the sale is allowed through; the
// engine favors completing the transaction over blocking it.
func (s *Service) checkInvoiceQuota(ctx context.Context, orgID string) error {
	if s.invoiceQuota <= 0 {
		return nil
	}
	n, err := s.quota.Count(ctx, invoiceQuotaKey(orgID, time.Now().UTC()))
	if err != nil {
		log.Printf("[service] WARN: invoice quota lookup failed org=%s: %v", orgID, err)
		return nil
	}
	if n >= s.invoiceQuota {
		return store.ErrQuotaExceeded
	}
	return nil
}

// countInvoice bumps the monthly counter after a successful sale so failed
// transactions never consume quota.
func (s *Service) countInvoice(ctx context.Context, orgID string) {
	now := time.Now().UTC()
	if _, err := s.quota.Incr(ctx, invoiceQuotaKey(orgID, now), monthRemaining(now)); err != nil {
		log.Printf("[service] WARN: invoice quota increment failed org=%s: %v", orgID, err)
	}
}

func invoiceQuotaKey(orgID string, now time.Time) string {
	return fmt.Sprintf("quota:invoices:%s:%s", orgID, now.Format("2006-01"))
}

func monthRemaining(now time.Time) time.Duration {
	endOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return endOfMonth.Sub(now)
}

// logAudit is fire-and-forget: a failed audit write never rolls back or
// blocks the financial operation it describes.
func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{UserID: "system", Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:             xid.New("audit"),
		OrganizationID: actor.OrganizationID,
		ActorID:        actor.UserID,
		Action:         action,
		EntityType:     entityType,
		EntityID:       entityID,
		Detail:         detail,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}
