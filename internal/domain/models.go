package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	SaleStatusCompleted = "completed"
	SaleStatusCancelled = "cancelled"
	SaleStatusRefunded  = "refunded"

	CreditNoteFull    = "full"
	CreditNotePartial = "partial"

	DrawerStatusOpen   = "open"
	DrawerStatusClosed = "closed"

	ShiftStatusActive = "active"
	ShiftStatusClosed = "closed"

	OverrideStatusApproved = "approved"
	OverrideStatusUsed     = "used"
	OverrideStatusExpired  = "expired"

	MovementSaleCash = "sale_cash"
	MovementSaleCard = "sale_card"
	MovementRefund   = "refund"
	MovementCashIn   = "cash_in"
	MovementCashOut  = "cash_out"
	MovementTransfer = "transfer"

	PaymentCash = "cash"
	PaymentCard = "card"
)

type Product struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	SKU            string          `json:"sku"`
	Name           string          `json:"name"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	Stock          int             `json:"stock"`
	Active         bool            `json:"active"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type ProductCreateRequest struct {
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	TaxRate   decimal.Decimal `json:"tax_rate"`
	Stock     int             `json:"stock"`
}

type ProductUpdateRequest struct {
	Name      *string          `json:"name,omitempty"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
	TaxRate   *decimal.Decimal `json:"tax_rate,omitempty"`
	Stock     *int             `json:"stock,omitempty"`
	Active    *bool            `json:"active,omitempty"`
}

// SaleLine snapshots unit price and tax rate at sale time. They are never
// re-read from the live product record afterwards.
type SaleLine struct {
	ID             string          `json:"id"`
	SaleID         string          `json:"sale_id"`
	ProductID      string          `json:"product_id"`
	ProductName    string          `json:"product_name"`
	Quantity       int             `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	Subtotal       decimal.Decimal `json:"subtotal"`
}

// Sale invariant: Subtotal + TaxAmount - DiscountAmount == Total at two
// decimal places. Status moves completed -> cancelled or completed -> refunded
// and never comes back.
type Sale struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	OperatorID     string          `json:"operator_id"`
	ClientID       string          `json:"client_id,omitempty"`
	Lines          []SaleLine      `json:"lines"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	Total          decimal.Decimal `json:"total"`
	PaymentMethod  string          `json:"payment_method"`
	Status         string          `json:"status"`
	CancelReason   string          `json:"cancel_reason,omitempty"`
	InvoiceID      string          `json:"invoice_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type SaleLineRequest struct {
	ProductID      string           `json:"product_id"`
	Quantity       int              `json:"quantity"`
	DiscountAmount *decimal.Decimal `json:"discount_amount,omitempty"`
	DiscountRate   *decimal.Decimal `json:"discount_rate,omitempty"`
}

type SaleRequest struct {
	ClientID            string            `json:"client_id,omitempty"`
	Lines               []SaleLineRequest `json:"lines"`
	OrderDiscountAmount *decimal.Decimal  `json:"order_discount_amount,omitempty"`
	OrderDiscountRate   *decimal.Decimal  `json:"order_discount_rate,omitempty"`
	PaymentMethod       string            `json:"payment_method"`
	IssueInvoice        bool              `json:"issue_invoice"`
	RequireOpenDrawer   bool              `json:"require_open_drawer"`
}

// Invoice is the minimal fiscal record for a sale. Numbering and issuance
// live outside this service.
type Invoice struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	SaleID         string          `json:"sale_id"`
	Total          decimal.Decimal `json:"total"`
	IssuedAt       time.Time       `json:"issued_at"`
}

// CreditNote is append-only. Its items are the authoritative record of what
// was returned; cumulative refunded quantity per product across a sale's
// notes never exceeds the sold quantity.
type CreditNote struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organization_id"`
	SaleID         string           `json:"sale_id"`
	Type           string           `json:"type"`
	Reason         string           `json:"reason"`
	Amount         decimal.Decimal  `json:"amount"`
	Items          []CreditNoteItem `json:"items"`
	IssuedAt       time.Time        `json:"issued_at"`
}

type CreditNoteItem struct {
	CreditNoteID string          `json:"credit_note_id"`
	ProductID    string          `json:"product_id"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Subtotal     decimal.Decimal `json:"subtotal"`
}

type RefundItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type RefundRequest struct {
	Reason     string              `json:"reason"`
	Items      []RefundItemRequest `json:"items"`
	OverrideID string              `json:"override_id,omitempty"`
}

type CancelRequest struct {
	Reason     string `json:"reason"`
	OverrideID string `json:"override_id,omitempty"`
}

// CashDrawer is exclusive to one operator while open. ExpectedAmount is the
// system-computed cash position; CurrentAmount tracks it until close, when a
// counted amount is compared against it.
type CashDrawer struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	CurrentUserID  string          `json:"current_user_id"`
	Status         string          `json:"status"`
	OpeningAmount  decimal.Decimal `json:"opening_amount"`
	CurrentAmount  decimal.Decimal `json:"current_amount"`
	ExpectedAmount decimal.Decimal `json:"expected_amount"`
	LastActivityAt time.Time       `json:"last_activity_at"`
	OpenedAt       time.Time       `json:"opened_at"`
	ClosedAt       *time.Time      `json:"closed_at,omitempty"`
}

// CashMovement rows are append-only. BalanceAfter == BalanceBefore +/- Amount
// per the type's sign convention.
type CashMovement struct {
	ID            string          `json:"id"`
	DrawerID      string          `json:"drawer_id"`
	OperatorID    string          `json:"operator_id"`
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Description   string          `json:"description,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Shift aggregates are monotonically non-decreasing while active and frozen
// once closed. Card sales count toward TotalSales/TotalCard but never touch
// the drawer's cash balance.
type Shift struct {
	ID           string          `json:"id"`
	DrawerID     string          `json:"drawer_id"`
	OperatorID   string          `json:"operator_id"`
	Status       string          `json:"status"`
	StartedAt    time.Time       `json:"started_at"`
	EndedAt      *time.Time      `json:"ended_at,omitempty"`
	TotalSales   decimal.Decimal `json:"total_sales"`
	TotalCash    decimal.Decimal `json:"total_cash"`
	TotalCard    decimal.Decimal `json:"total_card"`
	TotalRefunds decimal.Decimal `json:"total_refunds"`
	SalesCount   int             `json:"sales_count"`
	RefundCount  int             `json:"refund_count"`
}

type DrawerOpenRequest struct {
	OpeningAmount decimal.Decimal `json:"opening_amount"`
}

type DrawerCloseRequest struct {
	CountedAmount decimal.Decimal `json:"counted_amount"`
}

type DrawerCloseResult struct {
	Drawer         CashDrawer      `json:"drawer"`
	Shift          *Shift          `json:"shift,omitempty"`
	CountedAmount  decimal.Decimal `json:"counted_amount"`
	ExpectedAmount decimal.Decimal `json:"expected_amount"`
	Difference     decimal.Decimal `json:"difference"`
}

type DrawerTransferRequest struct {
	ToOperatorID  string          `json:"to_operator_id"`
	CountedAmount decimal.Decimal `json:"counted_amount"`
}

type DrawerTransferResult struct {
	Closed     DrawerCloseResult `json:"closed"`
	Opened     CashDrawer        `json:"opened"`
	OpenedFor  string            `json:"opened_for"`
	Difference decimal.Decimal   `json:"difference"`
}

type MovementRequest struct {
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
}

// ManagerOverride is consumed exactly once. A use attempt after ExpiresAt
// flips it to expired instead of used.
type ManagerOverride struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	RequestedBy    string     `json:"requested_by"`
	ApprovedBy     string     `json:"approved_by"`
	ActionKind     string     `json:"action_kind"`
	EntityRef      string     `json:"entity_ref,omitempty"`
	OriginalValue  string     `json:"original_value,omitempty"`
	NewValue       string     `json:"new_value,omitempty"`
	Status         string     `json:"status"`
	ExpiresAt      time.Time  `json:"expires_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UsedAt         *time.Time `json:"used_at,omitempty"`
}

type OverrideRequest struct {
	ActionKind string `json:"action_kind"`
	EntityRef  string `json:"entity_ref,omitempty"`
	ManagerPIN string `json:"manager_pin"`
}

type AuditLog struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	ActorID        string    `json:"actor_id"`
	Action         string    `json:"action"`
	EntityType     string    `json:"entity_type"`
	EntityID       string    `json:"entity_id"`
	Detail         string    `json:"detail,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type UserAccount struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Username       string    `json:"username"`
	Role           string    `json:"role"`
	Password       string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

// Actor identifies the authenticated operator for the current request.
type Actor struct {
	UserID         string
	Username       string
	OrganizationID string
	Role           string
}
