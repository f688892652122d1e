package inventory

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a missing record.
	ErrNotFound = errors.New("inventory: not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("inventory: invalid input")
	// ErrInsufficientStock is matched by *InsufficientStockError.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrDuplicateBatch is matched by *DuplicateBatchError.
	ErrDuplicateBatch = errors.New("inventory: duplicate batch")
	// ErrConsistency is matched by *ConsistencyViolation.
	ErrConsistency = errors.New("inventory: consistency violation")
	// ErrAlreadyApplied is returned when a receipt's stock is already on the ledger. Benign.
	ErrAlreadyApplied = errors.New("inventory: receipt stock already applied")
	// ErrNotApplied is returned when reversing a receipt whose stock is not on the ledger. Benign.
	ErrNotApplied = errors.New("inventory: receipt stock not applied")
	// ErrInvalidCountState indicates a count session action not allowed in its state.
	ErrInvalidCountState = errors.New("inventory: invalid count session state")
	// ErrReceiptLocked indicates lines of an applied receipt cannot change.
	ErrReceiptLocked = errors.New("inventory: receipt stock applied, lines locked")
	// ErrWarehouseInactive indicates movement into or out of an inactive warehouse.
	ErrWarehouseInactive = errors.New("inventory: warehouse inactive")
	// ErrOverReturn indicates a credit larger than what is left to return on a deduction line.
	ErrOverReturn = errors.New("inventory: return exceeds deducted quantity")
)

// InsufficientStockError names the shortfall of a deduction or transfer.
type InsufficientStockError struct {
	ProductID   int64
	WarehouseID int64
	Requested   int64
	Available   int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("inventory: insufficient stock for product %d in warehouse %d: requested %d, available %d (short %d)",
		e.ProductID, e.WarehouseID, e.Requested, e.Available, e.Shortfall())
}

// Shortfall is the missing quantity.
func (e *InsufficientStockError) Shortfall() int64 {
	return e.Requested - e.Available
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// DuplicateBatchError reports an attempt to create a second active batch for a receipt line.
type DuplicateBatchError struct {
	ReceiptID int64
	ProductID int64
}

func (e *DuplicateBatchError) Error() string {
	return fmt.Sprintf("inventory: batch for receipt %d product %d already exists", e.ReceiptID, e.ProductID)
}

func (e *DuplicateBatchError) Is(target error) bool {
	return target == ErrDuplicateBatch
}

// ViolationKind classifies a ConsistencyViolation.
type ViolationKind string

const (
	// ViolationIndexMismatch means the index differs from the batch sum.
	ViolationIndexMismatch ViolationKind = "index_mismatch"
	// ViolationBatchBounds means a batch's remaining quantity is outside [0, received].
	ViolationBatchBounds ViolationKind = "batch_bounds"
)

// ConsistencyViolation is an operational alarm raised by verification.
type ConsistencyViolation struct {
	Kind          ViolationKind `json:"kind"`
	ProductID     int64         `json:"product_id"`
	WarehouseID   int64         `json:"warehouse_id"`
	BatchID       int64         `json:"batch_id,omitempty"`
	IndexQuantity int64         `json:"index_quantity"`
	BatchQuantity int64         `json:"batch_quantity"`
}

func (v *ConsistencyViolation) Error() string {
	if v.Kind == ViolationBatchBounds {
		return fmt.Sprintf("inventory: batch %d out of bounds: remaining %d, received %d", v.BatchID, v.BatchQuantity, v.IndexQuantity)
	}
	return fmt.Sprintf("inventory: stock index %d != batch sum %d for product %d in warehouse %d",
		v.IndexQuantity, v.BatchQuantity, v.ProductID, v.WarehouseID)
}

func (v *ConsistencyViolation) Is(target error) bool {
	return target == ErrConsistency
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
