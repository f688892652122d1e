package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReceiptStatus enumerates the purchase receipt lifecycle.
type ReceiptStatus string

const (
	// ReceiptStatusPending is a draft purchase not yet sent to the supplier.
	ReceiptStatusPending ReceiptStatus = "pending"
	// ReceiptStatusOrdered marks a purchase placed with the supplier.
	ReceiptStatusOrdered ReceiptStatus = "ordered"
	// ReceiptStatusReceived marks goods physically received into the warehouse.
	ReceiptStatusReceived ReceiptStatus = "received"
)

// Valid reports whether the status is known.
func (s ReceiptStatus) Valid() bool {
	switch s {
	case ReceiptStatusPending, ReceiptStatusOrdered, ReceiptStatusReceived:
		return true
	}
	return false
}

// BatchSource distinguishes receipt lots from the per-warehouse unbatched pool.
type BatchSource string

const (
	// BatchSourceReceipt is a lot created by a received purchase line.
	BatchSourceReceipt BatchSource = "receipt"
	// BatchSourceUnbatched holds stock whose lot identity is unknown
	// (transfers in, count surplus, returns without a known batch).
	BatchSourceUnbatched BatchSource = "unbatched"
)

// DocumentType identifies the document consuming stock.
type DocumentType string

const (
	// DocumentSale is a sales invoice.
	DocumentSale DocumentType = "sale"
	// DocumentRequisition is an internal stock requisition issue.
	DocumentRequisition DocumentType = "requisition"
)

// Valid reports whether the document type is supported.
func (t DocumentType) Valid() bool {
	return t == DocumentSale || t == DocumentRequisition
}

// MovementType enumerates journal entries written with every stock change.
type MovementType string

const (
	MovementReceiptIn       MovementType = "RECEIPT_IN"
	MovementReceiptReversal MovementType = "RECEIPT_REVERSAL"
	MovementDeduction       MovementType = "DEDUCTION"
	MovementCredit          MovementType = "CREDIT"
	MovementTransferOut     MovementType = "TRANSFER_OUT"
	MovementTransferIn      MovementType = "TRANSFER_IN"
	MovementCountAdjust     MovementType = "COUNT_ADJUST"
	MovementRepair          MovementType = "REPAIR"
)

// CountStatus enumerates the physical count session lifecycle.
type CountStatus string

const (
	CountStatusDraft      CountStatus = "draft"
	CountStatusInProgress CountStatus = "in_progress"
	CountStatusCompleted  CountStatus = "completed"
	CountStatusApproved   CountStatus = "approved"
	CountStatusRejected   CountStatus = "rejected"
)

// Product is the catalog view the ledger needs.
type Product struct {
	ID                   int64
	Code                 string
	UnitsPerStockingUnit int64
	TracksExpiry         bool
}

// Factor returns the stocking-to-sellable conversion, never below one.
func (p Product) Factor() int64 {
	if p.UnitsPerStockingUnit < 1 {
		return 1
	}
	return p.UnitsPerStockingUnit
}

// Warehouse is the warehouse view the ledger needs.
type Warehouse struct {
	ID     int64
	Name   string
	Active bool
}

// StockEntry is the per (product, warehouse) sellable quantity.
type StockEntry struct {
	ProductID     int64     `db:"product_id" json:"product_id"`
	WarehouseID   int64     `db:"warehouse_id" json:"warehouse_id"`
	Quantity      int64     `db:"quantity" json:"quantity"`
	MinStockLevel *int64    `db:"min_stock_level" json:"min_stock_level,omitempty"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// BelowMinimum reports whether a minimum is configured and not met.
func (e StockEntry) BelowMinimum() bool {
	return e.MinStockLevel != nil && e.Quantity < *e.MinStockLevel
}

// Batch is an acquisition lot. Receipt lots are owned by exactly one receipt line.
type Batch struct {
	ID                  int64           `db:"id" json:"id"`
	ReceiptID           int64           `db:"receipt_id" json:"receipt_id,omitempty"`
	ProductID           int64           `db:"product_id" json:"product_id"`
	WarehouseID         int64           `db:"warehouse_id" json:"warehouse_id"`
	Source              BatchSource     `db:"source" json:"source"`
	Quantity            int64           `db:"quantity" json:"quantity"`
	ReceivedUnits       int64           `db:"received_units" json:"received_units"`
	RemainingQuantity   int64           `db:"remaining_quantity" json:"remaining_quantity"`
	UnitCost            decimal.Decimal `db:"unit_cost" json:"unit_cost"`
	CostPerSellableUnit decimal.Decimal `db:"cost_per_sellable_unit" json:"cost_per_sellable_unit"`
	ExpiryDate          *time.Time      `db:"expiry_date" json:"expiry_date,omitempty"`
	BatchNumber         string          `db:"batch_number" json:"batch_number,omitempty"`
	ReceivedAt          time.Time       `db:"received_at" json:"received_at"`
	ReversedAt          *time.Time      `db:"reversed_at" json:"reversed_at,omitempty"`
}

// Active reports whether the lot still belongs to an applied receipt.
func (b Batch) Active() bool {
	return b.ReversedAt == nil
}

// Available reports whether the allocator may draw from the lot.
func (b Batch) Available() bool {
	return b.Active() && b.RemainingQuantity > 0
}

// Headroom is how many units a credit may add before hitting the received amount.
func (b Batch) Headroom() int64 {
	if h := b.ReceivedUnits - b.RemainingQuantity; h > 0 {
		return h
	}
	return 0
}

// ReceiptDocument is a purchase header.
type ReceiptDocument struct {
	ID           int64         `json:"id"`
	Number       string        `json:"number"`
	SupplierID   int64         `json:"supplier_id,omitempty"`
	WarehouseID  int64         `json:"warehouse_id"`
	Status       ReceiptStatus `json:"status"`
	StockApplied bool          `json:"stock_applied"`
	ReceivedAt   *time.Time    `json:"received_at,omitempty"`
	CreatedBy    int64         `json:"created_by,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// ReceiptLine is one product line of a receipt. Quantity is in stocking units.
type ReceiptLine struct {
	ID          int64           `json:"id"`
	ReceiptID   int64           `json:"receipt_id"`
	ProductID   int64           `json:"product_id"`
	Quantity    int64           `json:"quantity"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	ExpiryDate  *time.Time      `json:"expiry_date,omitempty"`
	BatchNumber string          `json:"batch_number,omitempty"`
}

// DeductionLine records units taken from one batch for a document.
type DeductionLine struct {
	ID              int64           `json:"id"`
	DocumentType    DocumentType    `json:"document_type"`
	DocumentRef     string          `json:"document_ref"`
	ProductID       int64           `json:"product_id"`
	WarehouseID     int64           `json:"warehouse_id"`
	BatchID         int64           `json:"batch_id"`
	Quantity        int64           `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	CostPriceAtSale decimal.Decimal `json:"cost_price_at_sale"`
	CreatedBy       int64           `json:"created_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Margin returns (price - cost) * quantity using the cost captured at sale time.
func (l DeductionLine) Margin() decimal.Decimal {
	return l.UnitPrice.Sub(l.CostPriceAtSale).Mul(decimal.NewFromInt(l.Quantity))
}

// CreditLine records units returned to a batch or to the unbatched pool.
type CreditLine struct {
	ID              int64     `json:"id"`
	DeductionLineID int64     `json:"deduction_line_id,omitempty"`
	BatchID         int64     `json:"batch_id"`
	ProductID       int64     `json:"product_id"`
	WarehouseID     int64     `json:"warehouse_id"`
	Quantity        int64     `json:"quantity"`
	Ambiguous       bool      `json:"ambiguous"`
	Reason          string    `json:"reason,omitempty"`
	DocumentRef     string    `json:"document_ref,omitempty"`
	CreatedBy       int64     `json:"created_by,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// TransferRecord records an aggregate move between warehouses.
type TransferRecord struct {
	ID              int64           `json:"id"`
	ProductID       int64           `json:"product_id"`
	FromWarehouseID int64           `json:"from_warehouse_id"`
	ToWarehouseID   int64           `json:"to_warehouse_id"`
	Quantity        int64           `json:"quantity"`
	UnitCost        decimal.Decimal `json:"unit_cost"`
	Note            string          `json:"note,omitempty"`
	TransferredAt   time.Time       `json:"transferred_at"`
	CreatedBy       int64           `json:"created_by,omitempty"`
}

// CountSession is a physical count of one warehouse.
type CountSession struct {
	ID          int64       `json:"id"`
	WarehouseID int64       `json:"warehouse_id"`
	Status      CountStatus `json:"status"`
	Note        string      `json:"note,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	ApprovedAt  *time.Time  `json:"approved_at,omitempty"`
	ApprovedBy  int64       `json:"approved_by,omitempty"`
	CreatedBy   int64       `json:"created_by,omitempty"`
	Lines       []CountLine `json:"lines"`
}

// CountLine is the expected vs counted quantity of one product.
type CountLine struct {
	ID               int64  `json:"id"`
	SessionID        int64  `json:"session_id"`
	ProductID        int64  `json:"product_id"`
	ExpectedQuantity int64  `json:"expected_quantity"`
	ActualQuantity   *int64 `json:"actual_quantity,omitempty"`
	Applied          bool   `json:"applied"`
}

// Difference is actual minus expected, zero until counted.
func (l CountLine) Difference() int64 {
	if l.ActualQuantity == nil {
		return 0
	}
	return *l.ActualQuantity - l.ExpectedQuantity
}

// StockMovement is one journal row; BalanceAfter is the index quantity after the change.
type StockMovement struct {
	ID           int64        `db:"id" json:"id"`
	Type         MovementType `db:"movement_type" json:"type"`
	RefType      string       `db:"ref_type" json:"ref_type"`
	RefID        string       `db:"ref_id" json:"ref_id"`
	ProductID    int64        `db:"product_id" json:"product_id"`
	WarehouseID  int64        `db:"warehouse_id" json:"warehouse_id"`
	BatchID      *int64       `db:"batch_id" json:"batch_id,omitempty"`
	Delta        int64        `db:"delta" json:"delta"`
	BalanceAfter int64        `db:"balance_after" json:"balance_after"`
	ActorID      int64        `db:"actor_id" json:"actor_id,omitempty"`
	PostedAt     time.Time    `db:"posted_at" json:"posted_at"`
}

// Allocation is the allocator's decision for one batch. UnitCost is per sellable unit.
type Allocation struct {
	BatchID    int64
	Quantity   int64
	UnitCost   decimal.Decimal
	ExpiryDate *time.Time
}

// StockReconciliation pairs the index with the batch sum for one (product, warehouse).
type StockReconciliation struct {
	ProductID     int64 `db:"product_id" json:"product_id"`
	WarehouseID   int64 `db:"warehouse_id" json:"warehouse_id"`
	IndexQuantity int64 `db:"index_quantity" json:"index_quantity"`
	BatchQuantity int64 `db:"batch_quantity" json:"batch_quantity"`
}

// Consistent reports whether the index equals the batch sum.
func (r StockReconciliation) Consistent() bool {
	return r.IndexQuantity == r.BatchQuantity
}

// ReversalWarning reports units that had already left the lot when its receipt was reversed.
type ReversalWarning struct {
	ProductID      int64 `json:"product_id"`
	WarehouseID    int64 `json:"warehouse_id"`
	BatchID        int64 `json:"batch_id"`
	ReceivedUnits  int64 `json:"received_units"`
	Remaining      int64 `json:"remaining"`
	TakenElsewhere int64 `json:"taken_elsewhere"`
	Unrecovered    int64 `json:"unrecovered"`
}

// ReceiptResult describes the ledger effect of a receipt transition.
type ReceiptResult struct {
	Receipt  ReceiptDocument   `json:"receipt"`
	Lines    []ReceiptLine     `json:"lines"`
	Batches  []Batch           `json:"batches,omitempty"`
	Warnings []ReversalWarning `json:"warnings,omitempty"`
	Applied  bool              `json:"applied"`
	Reversed bool              `json:"reversed"`
}

// CreateReceiptInput creates a receipt document with its lines.
type CreateReceiptInput struct {
	Number      string
	SupplierID  int64
	WarehouseID int64
	Status      ReceiptStatus
	ActorID     int64
	Lines       []ReceiptLineInput
}

// ReceiptLineInput is one receipt line; Quantity in stocking units, UnitCost per stocking unit.
type ReceiptLineInput struct {
	ProductID   int64
	Quantity    int64
	UnitCost    decimal.Decimal
	ExpiryDate  *time.Time
	BatchNumber string
}

// DeductInput requests stock for one product of a document.
type DeductInput struct {
	DocumentType   DocumentType
	DocumentRef    string
	ProductID      int64
	WarehouseID    int64
	Quantity       int64
	UnitPrice      decimal.Decimal
	ActorID        int64
	IdempotencyKey string
}

// DeductManyInput deducts several lines of one document atomically.
type DeductManyInput struct {
	DocumentType   DocumentType
	DocumentRef    string
	ActorID        int64
	IdempotencyKey string
	Lines          []DeductLineInput
}

// DeductLineInput is one requested line of DeductManyInput.
type DeductLineInput struct {
	ProductID   int64
	WarehouseID int64
	Quantity    int64
	UnitPrice   decimal.Decimal
}

// CreditInput returns stock. DeductionLineID or BatchID name the originating batch when
// known; otherwise ProductID and WarehouseID are required.
type CreditInput struct {
	DeductionLineID int64
	BatchID         int64
	ProductID       int64
	WarehouseID     int64
	Quantity        int64
	DocumentRef     string
	ActorID         int64
}

// TransferInput moves aggregate stock between warehouses.
type TransferInput struct {
	ProductID       int64
	FromWarehouseID int64
	ToWarehouseID   int64
	Quantity        int64
	Note            string
	ActorID         int64
	IdempotencyKey  string
}

// CreateCountInput creates a draft count session. Empty ProductIDs counts every stocked product.
type CreateCountInput struct {
	WarehouseID int64
	ProductIDs  []int64
	Note        string
	ActorID     int64
}

// StockFilter filters stock index listings.
type StockFilter struct {
	ProductID   int64
	WarehouseID int64
	LowOnly     bool
	Limit       int
}

// BatchFilter filters batch listings.
type BatchFilter struct {
	ProductID      int64
	WarehouseID    int64
	ExpiringBefore *time.Time
	IncludeEmpty   bool
	Limit          int
}

// StockCardFilter filters the movement journal.
type StockCardFilter struct {
	WarehouseID int64
	ProductID   int64
	From        time.Time
	To          time.Time
	Limit       int
}

// VerifyFilter narrows verification to a product and/or warehouse.
type VerifyFilter struct {
	ProductID   int64
	WarehouseID int64
}

type stockKey struct {
	ProductID   int64
	WarehouseID int64
}
