package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"tokokas/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrForbidden         = errors.New("forbidden")
	ErrConflict          = errors.New("conflict")
	ErrQuotaExceeded     = errors.New("invoice quota exceeded")
	ErrSaleClosed        = errors.New("sale already cancelled or refunded")
	ErrRefundExceedsSold = errors.New("refund quantity exceeds remaining quantity")
	ErrDrawerRequired    = errors.New("open cash drawer required")
	ErrDrawerNotOpen     = errors.New("cash drawer is not open")
	ErrOverrideRequired  = errors.New("manager override required")
	ErrOverrideInvalid   = errors.New("manager override invalid")
	ErrOverrideExpired   = errors.New("manager override expired")
)

// Repository is the persistence boundary. Every method is tenant-scoped by
// organization id; implementations must never return another organization's
// rows. The multi-entity operations (CreateSale, CancelSale,
// CreatePartialRefund, drawer operations) are each one atomic unit of work.
type Repository interface {
	ListProducts(ctx context.Context, orgID string) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductByID(ctx context.Context, orgID string, productID string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, orgID string, productIDs []string) (map[string]domain.Product, error)
	UpdateProduct(ctx context.Context, orgID string, productID string, upd domain.ProductUpdateRequest, at time.Time) (*domain.Product, error)

	// CreateSale persists the sale with its lines, decrements stock (stock
	// may go negative), writes the invoice when present, and, when the
	// operator has an open drawer, applies the sale movement and bumps the
	// active shift, all in one transaction.
	CreateSale(ctx context.Context, sale domain.Sale, invoice *domain.Invoice) (*domain.Sale, error)
	FindSaleByID(ctx context.Context, orgID string, saleID string) (*domain.Sale, error)
	ListSales(ctx context.Context, orgID string, limit int) ([]domain.Sale, error)

	// CancelSale fully reverses a completed sale: restores stock, moves the
	// sale to cancelled, writes one full credit note and a refund movement.
	// A non-empty overrideID is consumed in the same transaction.
	CancelSale(ctx context.Context, orgID string, saleID string, operatorID string, reason string, overrideID string, at time.Time) (*domain.Sale, *domain.CreditNote, error)
	// CreatePartialRefund validates requested quantities against sold minus
	// already refunded (aggregated from credit note items inside the same
	// transaction), restores stock, writes a partial credit note and refund
	// movement, and moves the sale to refunded when every line is exhausted.
	CreatePartialRefund(ctx context.Context, orgID string, saleID string, operatorID string, reason string, items []domain.RefundItemRequest, overrideID string, at time.Time) (*domain.Sale, *domain.CreditNote, error)
	GetRefundedQtyBySale(ctx context.Context, orgID string, saleID string) (map[string]int, error)
	ListCreditNotes(ctx context.Context, orgID string, saleID string) ([]domain.CreditNote, error)

	OpenDrawer(ctx context.Context, orgID string, operatorID string, openingAmount decimal.Decimal, at time.Time) (*domain.CashDrawer, *domain.Shift, error)
	CloseDrawer(ctx context.Context, orgID string, operatorID string, countedAmount decimal.Decimal, at time.Time) (*domain.DrawerCloseResult, error)
	TransferDrawer(ctx context.Context, orgID string, operatorID string, toOperatorID string, countedAmount decimal.Decimal, at time.Time) (*domain.DrawerTransferResult, error)
	ApplyMovement(ctx context.Context, orgID string, operatorID string, movementType string, amount decimal.Decimal, description string, at time.Time) (*domain.CashMovement, error)
	GetOpenDrawerForOperator(ctx context.Context, orgID string, operatorID string) (*domain.CashDrawer, error)
	ListMovements(ctx context.Context, orgID string, drawerID string, limit int) ([]domain.CashMovement, error)
	GetActiveShift(ctx context.Context, orgID string, drawerID string) (*domain.Shift, error)

	CreateOverride(ctx context.Context, override domain.ManagerOverride) (*domain.ManagerOverride, error)
	GetOverrideByID(ctx context.Context, orgID string, overrideID string) (*domain.ManagerOverride, error)
	ListOverrides(ctx context.Context, orgID string, limit int) ([]domain.ManagerOverride, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, orgID string, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context, orgID string) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, passwordHash string) error
}
