package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// TxRepository exposes transactional operations used by service. Lock* methods take
// row locks that are held until the transaction ends.
type TxRepository interface {
	GetProduct(ctx context.Context, id int64) (Product, error)
	GetWarehouse(ctx context.Context, id int64) (Warehouse, error)

	LockStockEntry(ctx context.Context, productID, warehouseID int64) (StockEntry, error)
	GetStockEntry(ctx context.Context, productID, warehouseID int64) (StockEntry, error)
	SetStockQuantity(ctx context.Context, productID, warehouseID, quantity int64, at time.Time) error
	SetMinStockLevel(ctx context.Context, productID, warehouseID int64, level *int64) error
	ListWarehouseStock(ctx context.Context, warehouseID int64) ([]StockEntry, error)

	LockLots(ctx context.Context, productID, warehouseID int64) ([]Batch, error)
	GetBatch(ctx context.Context, id int64) (Batch, error)
	LockBatch(ctx context.Context, id int64) (Batch, error)
	LockReceiptBatch(ctx context.Context, receiptID, productID int64) (Batch, error)
	LockUnbatchedLot(ctx context.Context, productID, warehouseID int64) (Batch, error)
	InsertBatch(ctx context.Context, batch Batch) (int64, error)
	UpdateBatch(ctx context.Context, batch Batch) error
	SumRemaining(ctx context.Context, productID, warehouseID int64) (int64, error)

	LockReceipt(ctx context.Context, id int64) (ReceiptDocument, []ReceiptLine, error)
	InsertReceipt(ctx context.Context, doc ReceiptDocument) (int64, error)
	InsertReceiptLine(ctx context.Context, line ReceiptLine) (int64, error)
	DeleteReceiptLines(ctx context.Context, receiptID int64) error
	UpdateReceiptState(ctx context.Context, doc ReceiptDocument) error

	// FindDeductionLine returns the document line matching like on batch, unit price and captured cost.
	FindDeductionLine(ctx context.Context, like DeductionLine) (DeductionLine, error)
	LockDeductionLine(ctx context.Context, id int64) (DeductionLine, error)
	InsertDeductionLine(ctx context.Context, line DeductionLine) (int64, error)
	AddDeductionQuantity(ctx context.Context, id, qty int64) error
	CreditedQuantity(ctx context.Context, deductionLineID int64) (int64, error)
	InsertCreditLine(ctx context.Context, line CreditLine) (int64, error)

	InsertTransfer(ctx context.Context, record TransferRecord) (int64, error)
	InsertMovement(ctx context.Context, mv StockMovement) error

	InsertCountSession(ctx context.Context, session CountSession) (int64, error)
	InsertCountLine(ctx context.Context, line CountLine) (int64, error)
	LockCountSession(ctx context.Context, id int64) (CountSession, error)
	UpdateCountSession(ctx context.Context, session CountSession) error
	UpdateCountLine(ctx context.Context, line CountLine) error
}

const (
	batchReceiptConstraint = "stock_batches_receipt_product_key"

	defaultListLimit = 500
	defaultCardLimit = 200
)

const batchColumns = `id, COALESCE(receipt_id, 0) AS receipt_id, product_id, warehouse_id, source, quantity,
received_units, remaining_quantity, unit_cost, cost_per_sellable_unit, expiry_date, batch_number,
received_at, reversed_at`

const lotOrder = `expiry_date ASC NULLS LAST, received_at ASC, id ASC`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists inventory data in PostgreSQL.
type Repository struct {
	pool    *pgxpool.Pool
	retries int
}

// NewRepository constructs Repository. retries bounds re-runs after serialization failures.
func NewRepository(pool *pgxpool.Pool, retries int) *Repository {
	return &Repository{pool: pool, retries: retries}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.RetryableTx(ctx, r.pool, r.retries, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// GetStockEntry reads one index row without locking.
func (r *Repository) GetStockEntry(ctx context.Context, productID, warehouseID int64) (StockEntry, error) {
	return getStockEntry(ctx, r.pool, productID, warehouseID, false)
}

// ListStock lists index rows.
func (r *Repository) ListStock(ctx context.Context, filter StockFilter) ([]StockEntry, error) {
	q := psql.Select("product_id", "warehouse_id", "quantity", "min_stock_level", "updated_at").
		From("stock_entries").
		OrderBy("product_id", "warehouse_id")
	if filter.ProductID != 0 {
		q = q.Where(sq.Eq{"product_id": filter.ProductID})
	}
	if filter.WarehouseID != 0 {
		q = q.Where(sq.Eq{"warehouse_id": filter.WarehouseID})
	}
	if filter.LowOnly {
		q = q.Where("min_stock_level IS NOT NULL AND quantity < min_stock_level")
	}
	q = q.Limit(limitOr(filter.Limit, defaultListLimit))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("inventory: build stock query: %w", err)
	}
	var entries []StockEntry
	if err := pgxscan.Select(ctx, r.pool, &entries, sqlStr, args...); err != nil {
		return nil, err
	}
	return entries, nil
}

// TotalStock sums the index across warehouses.
func (r *Repository) TotalStock(ctx context.Context, productID int64) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(quantity), 0) FROM stock_entries WHERE product_id=$1`, productID).Scan(&total)
	return total, err
}

// ListBatches lists lots in allocation order.
func (r *Repository) ListBatches(ctx context.Context, filter BatchFilter) ([]Batch, error) {
	q := psql.Select(batchColumns).From("stock_batches").OrderBy(lotOrder)
	if filter.ProductID != 0 {
		q = q.Where(sq.Eq{"product_id": filter.ProductID})
	}
	if filter.WarehouseID != 0 {
		q = q.Where(sq.Eq{"warehouse_id": filter.WarehouseID})
	}
	if filter.ExpiringBefore != nil {
		q = q.Where(sq.And{sq.NotEq{"expiry_date": nil}, sq.Lt{"expiry_date": *filter.ExpiringBefore}})
	}
	if !filter.IncludeEmpty {
		q = q.Where(sq.And{sq.Gt{"remaining_quantity": 0}, sq.Eq{"reversed_at": nil}})
	}
	q = q.Limit(limitOr(filter.Limit, defaultListLimit))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("inventory: build batch query: %w", err)
	}
	var batches []Batch
	if err := pgxscan.Select(ctx, r.pool, &batches, sqlStr, args...); err != nil {
		return nil, err
	}
	return batches, nil
}

// SumRemaining recomputes the batch sum for a (product, warehouse).
func (r *Repository) SumRemaining(ctx context.Context, productID, warehouseID int64) (int64, error) {
	return sumRemaining(ctx, r.pool, productID, warehouseID)
}

// GetReceipt loads a receipt with its lines.
func (r *Repository) GetReceipt(ctx context.Context, id int64) (ReceiptDocument, []ReceiptLine, error) {
	return getReceipt(ctx, r.pool, id, false)
}

// GetCountSession loads a count session with its lines.
func (r *Repository) GetCountSession(ctx context.Context, id int64) (CountSession, error) {
	return getCountSession(ctx, r.pool, id, false)
}

// ListDeductionLines lists the lines written for a document.
func (r *Repository) ListDeductionLines(ctx context.Context, docType DocumentType, docRef string) ([]DeductionLine, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, document_type, document_ref, product_id, warehouse_id, batch_id, quantity,
unit_price, cost_price_at_sale, COALESCE(created_by, 0), created_at
FROM deduction_lines WHERE document_type=$1 AND document_ref=$2 ORDER BY id`, string(docType), docRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []DeductionLine
	for rows.Next() {
		line, err := scanDeductionLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// StockCard returns journal rows for a (product, warehouse) in posting order.
func (r *Repository) StockCard(ctx context.Context, filter StockCardFilter) ([]StockMovement, error) {
	q := psql.Select("id", "movement_type", "ref_type", "ref_id", "product_id", "warehouse_id", "batch_id",
		"delta", "balance_after", "COALESCE(actor_id, 0) AS actor_id", "posted_at").
		From("stock_movements").
		Where(sq.Eq{"product_id": filter.ProductID, "warehouse_id": filter.WarehouseID}).
		OrderBy("posted_at", "id")
	if !filter.From.IsZero() {
		q = q.Where(sq.GtOrEq{"posted_at": filter.From})
	}
	if !filter.To.IsZero() {
		q = q.Where(sq.Lt{"posted_at": filter.To})
	}
	q = q.Limit(limitOr(filter.Limit, defaultCardLimit))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("inventory: build stock card query: %w", err)
	}
	var movements []StockMovement
	if err := pgxscan.Select(ctx, r.pool, &movements, sqlStr, args...); err != nil {
		return nil, err
	}
	return movements, nil
}

// Reconcile pairs every index row with its batch sum, including batch sums without an index row.
func (r *Repository) Reconcile(ctx context.Context, filter VerifyFilter) ([]StockReconciliation, error) {
	q := psql.Select(
		"COALESCE(e.product_id, b.product_id) AS product_id",
		"COALESCE(e.warehouse_id, b.warehouse_id) AS warehouse_id",
		"COALESCE(e.quantity, 0) AS index_quantity",
		"COALESCE(b.total, 0) AS batch_quantity",
	).
		From("stock_entries e").
		JoinClause(`FULL OUTER JOIN (
	SELECT product_id, warehouse_id, SUM(remaining_quantity) AS total
	FROM stock_batches GROUP BY product_id, warehouse_id
) b ON b.product_id = e.product_id AND b.warehouse_id = e.warehouse_id`).
		OrderBy("1", "2")
	if filter.ProductID != 0 {
		q = q.Where(sq.Eq{"COALESCE(e.product_id, b.product_id)": filter.ProductID})
	}
	if filter.WarehouseID != 0 {
		q = q.Where(sq.Eq{"COALESCE(e.warehouse_id, b.warehouse_id)": filter.WarehouseID})
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("inventory: build reconcile query: %w", err)
	}
	var rows []StockReconciliation
	if err := pgxscan.Select(ctx, r.pool, &rows, sqlStr, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

// OutOfBoundsBatches lists lots whose remaining quantity left [0, received_units].
func (r *Repository) OutOfBoundsBatches(ctx context.Context, filter VerifyFilter) ([]Batch, error) {
	q := psql.Select(batchColumns).From("stock_batches").
		Where(sq.Or{sq.Lt{"remaining_quantity": 0}, sq.Expr("remaining_quantity > received_units")}).
		OrderBy("id")
	if filter.ProductID != 0 {
		q = q.Where(sq.Eq{"product_id": filter.ProductID})
	}
	if filter.WarehouseID != 0 {
		q = q.Where(sq.Eq{"warehouse_id": filter.WarehouseID})
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("inventory: build bounds query: %w", err)
	}
	var batches []Batch
	if err := pgxscan.Select(ctx, r.pool, &batches, sqlStr, args...); err != nil {
		return nil, err
	}
	return batches, nil
}

func (r *txRepo) GetProduct(ctx context.Context, id int64) (Product, error) {
	var p Product
	err := r.tx.QueryRow(ctx, `SELECT id, code, units_per_stocking_unit, tracks_expiry FROM products WHERE id=$1`, id).
		Scan(&p.ID, &p.Code, &p.UnitsPerStockingUnit, &p.TracksExpiry)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, fmt.Errorf("%w: product %d", ErrNotFound, id)
	}
	return p, err
}

func (r *txRepo) GetWarehouse(ctx context.Context, id int64) (Warehouse, error) {
	var w Warehouse
	err := r.tx.QueryRow(ctx, `SELECT id, name, active FROM warehouses WHERE id=$1`, id).Scan(&w.ID, &w.Name, &w.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return Warehouse{}, fmt.Errorf("%w: warehouse %d", ErrNotFound, id)
	}
	return w, err
}

func (r *txRepo) LockStockEntry(ctx context.Context, productID, warehouseID int64) (StockEntry, error) {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_entries (product_id, warehouse_id, quantity, updated_at)
VALUES ($1, $2, 0, NOW()) ON CONFLICT (product_id, warehouse_id) DO NOTHING`, productID, warehouseID)
	if err != nil {
		return StockEntry{}, err
	}
	return getStockEntry(ctx, r.tx, productID, warehouseID, true)
}

func (r *txRepo) GetStockEntry(ctx context.Context, productID, warehouseID int64) (StockEntry, error) {
	return getStockEntry(ctx, r.tx, productID, warehouseID, false)
}

func (r *txRepo) SetStockQuantity(ctx context.Context, productID, warehouseID, quantity int64, at time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE stock_entries SET quantity=$3, updated_at=$4 WHERE product_id=$1 AND warehouse_id=$2`,
		productID, warehouseID, quantity, at)
	return err
}

func (r *txRepo) SetMinStockLevel(ctx context.Context, productID, warehouseID int64, level *int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE stock_entries SET min_stock_level=$3 WHERE product_id=$1 AND warehouse_id=$2`,
		productID, warehouseID, level)
	return err
}

func (r *txRepo) ListWarehouseStock(ctx context.Context, warehouseID int64) ([]StockEntry, error) {
	var entries []StockEntry
	err := pgxscan.Select(ctx, r.tx, &entries, `SELECT product_id, warehouse_id, quantity, min_stock_level, updated_at
FROM stock_entries WHERE warehouse_id=$1 ORDER BY product_id`, warehouseID)
	return entries, err
}

func (r *txRepo) LockLots(ctx context.Context, productID, warehouseID int64) ([]Batch, error) {
	var lots []Batch
	err := pgxscan.Select(ctx, r.tx, &lots, `SELECT `+batchColumns+` FROM stock_batches
WHERE product_id=$1 AND warehouse_id=$2 AND reversed_at IS NULL AND remaining_quantity > 0
ORDER BY `+lotOrder+` FOR UPDATE`, productID, warehouseID)
	return lots, err
}

func (r *txRepo) GetBatch(ctx context.Context, id int64) (Batch, error) {
	return getBatch(ctx, r.tx, `WHERE id=$1`, id)
}

func (r *txRepo) LockBatch(ctx context.Context, id int64) (Batch, error) {
	return getBatch(ctx, r.tx, `WHERE id=$1 FOR UPDATE`, id)
}

func (r *txRepo) LockReceiptBatch(ctx context.Context, receiptID, productID int64) (Batch, error) {
	return getBatch(ctx, r.tx, `WHERE receipt_id=$1 AND product_id=$2 FOR UPDATE`, receiptID, productID)
}

func (r *txRepo) LockUnbatchedLot(ctx context.Context, productID, warehouseID int64) (Batch, error) {
	return getBatch(ctx, r.tx, `WHERE product_id=$1 AND warehouse_id=$2 AND source='unbatched' FOR UPDATE`, productID, warehouseID)
}

func (r *txRepo) InsertBatch(ctx context.Context, b Batch) (int64, error) {
	var receiptID *int64
	if b.ReceiptID != 0 {
		receiptID = &b.ReceiptID
	}
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_batches (receipt_id, product_id, warehouse_id, source, quantity, received_units,
remaining_quantity, unit_cost, cost_per_sellable_unit, expiry_date, batch_number, received_at, reversed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) RETURNING id`,
		receiptID, b.ProductID, b.WarehouseID, string(b.Source), b.Quantity, b.ReceivedUnits, b.RemainingQuantity,
		b.UnitCost, b.CostPerSellableUnit, b.ExpiryDate, b.BatchNumber, b.ReceivedAt, b.ReversedAt).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == batchReceiptConstraint {
			return 0, &DuplicateBatchError{ReceiptID: b.ReceiptID, ProductID: b.ProductID}
		}
		return 0, err
	}
	return id, nil
}

func (r *txRepo) UpdateBatch(ctx context.Context, b Batch) error {
	_, err := r.tx.Exec(ctx, `UPDATE stock_batches SET quantity=$2, received_units=$3, remaining_quantity=$4, unit_cost=$5,
cost_per_sellable_unit=$6, expiry_date=$7, batch_number=$8, received_at=$9, reversed_at=$10 WHERE id=$1`,
		b.ID, b.Quantity, b.ReceivedUnits, b.RemainingQuantity, b.UnitCost, b.CostPerSellableUnit,
		b.ExpiryDate, b.BatchNumber, b.ReceivedAt, b.ReversedAt)
	return err
}

func (r *txRepo) SumRemaining(ctx context.Context, productID, warehouseID int64) (int64, error) {
	return sumRemaining(ctx, r.tx, productID, warehouseID)
}

func (r *txRepo) LockReceipt(ctx context.Context, id int64) (ReceiptDocument, []ReceiptLine, error) {
	return getReceipt(ctx, r.tx, id, true)
}

func (r *txRepo) InsertReceipt(ctx context.Context, doc ReceiptDocument) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO receipts (number, supplier_id, warehouse_id, status, stock_applied, received_at, created_by, updated_at)
VALUES ($1, NULLIF($2, 0), $3, $4, $5, $6, NULLIF($7, 0), $8) RETURNING id`,
		doc.Number, doc.SupplierID, doc.WarehouseID, string(doc.Status), doc.StockApplied, doc.ReceivedAt, doc.CreatedBy, doc.UpdatedAt).Scan(&id)
	return id, err
}

func (r *txRepo) InsertReceiptLine(ctx context.Context, line ReceiptLine) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO receipt_lines (receipt_id, product_id, quantity, unit_cost, expiry_date, batch_number)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		line.ReceiptID, line.ProductID, line.Quantity, line.UnitCost, line.ExpiryDate, line.BatchNumber).Scan(&id)
	return id, err
}

func (r *txRepo) DeleteReceiptLines(ctx context.Context, receiptID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM receipt_lines WHERE receipt_id=$1`, receiptID)
	return err
}

func (r *txRepo) UpdateReceiptState(ctx context.Context, doc ReceiptDocument) error {
	_, err := r.tx.Exec(ctx, `UPDATE receipts SET status=$2, stock_applied=$3, received_at=$4, updated_at=$5 WHERE id=$1`,
		doc.ID, string(doc.Status), doc.StockApplied, doc.ReceivedAt, doc.UpdatedAt)
	return err
}

func (r *txRepo) FindDeductionLine(ctx context.Context, like DeductionLine) (DeductionLine, error) {
	row := r.tx.QueryRow(ctx, `SELECT id, document_type, document_ref, product_id, warehouse_id, batch_id, quantity,
unit_price, cost_price_at_sale, COALESCE(created_by, 0), created_at
FROM deduction_lines WHERE document_type=$1 AND document_ref=$2 AND product_id=$3 AND batch_id=$4
AND unit_price = ROUND($5::numeric, 4) AND cost_price_at_sale = ROUND($6::numeric, 6) FOR UPDATE`,
		string(like.DocumentType), like.DocumentRef, like.ProductID, like.BatchID, like.UnitPrice, like.CostPriceAtSale)
	line, err := scanDeductionLine(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return DeductionLine{}, ErrNotFound
	}
	return line, err
}

func (r *txRepo) LockDeductionLine(ctx context.Context, id int64) (DeductionLine, error) {
	row := r.tx.QueryRow(ctx, `SELECT id, document_type, document_ref, product_id, warehouse_id, batch_id, quantity,
unit_price, cost_price_at_sale, COALESCE(created_by, 0), created_at
FROM deduction_lines WHERE id=$1 FOR UPDATE`, id)
	line, err := scanDeductionLine(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return DeductionLine{}, fmt.Errorf("%w: deduction line %d", ErrNotFound, id)
	}
	return line, err
}

func (r *txRepo) InsertDeductionLine(ctx context.Context, line DeductionLine) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO deduction_lines (document_type, document_ref, product_id, warehouse_id, batch_id,
quantity, unit_price, cost_price_at_sale, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, 0), $10) RETURNING id`,
		string(line.DocumentType), line.DocumentRef, line.ProductID, line.WarehouseID, line.BatchID,
		line.Quantity, line.UnitPrice, line.CostPriceAtSale, line.CreatedBy, line.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepo) AddDeductionQuantity(ctx context.Context, id, qty int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE deduction_lines SET quantity = quantity + $2 WHERE id=$1`, id, qty)
	return err
}

func (r *txRepo) CreditedQuantity(ctx context.Context, deductionLineID int64) (int64, error) {
	var total int64
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(quantity), 0) FROM credit_lines WHERE deduction_line_id=$1`, deductionLineID).Scan(&total)
	return total, err
}

func (r *txRepo) InsertCreditLine(ctx context.Context, line CreditLine) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO credit_lines (deduction_line_id, batch_id, product_id, warehouse_id, quantity,
ambiguous, reason, document_ref, created_by, created_at)
VALUES (NULLIF($1, 0), $2, $3, $4, $5, $6, $7, $8, NULLIF($9, 0), $10) RETURNING id`,
		line.DeductionLineID, line.BatchID, line.ProductID, line.WarehouseID, line.Quantity,
		line.Ambiguous, line.Reason, line.DocumentRef, line.CreatedBy, line.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepo) InsertTransfer(ctx context.Context, t TransferRecord) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_transfers (product_id, from_warehouse_id, to_warehouse_id, quantity, unit_cost,
note, transferred_at, created_by) VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, 0)) RETURNING id`,
		t.ProductID, t.FromWarehouseID, t.ToWarehouseID, t.Quantity, t.UnitCost, t.Note, t.TransferredAt, t.CreatedBy).Scan(&id)
	return id, err
}

func (r *txRepo) InsertMovement(ctx context.Context, mv StockMovement) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_movements (movement_type, ref_type, ref_id, product_id, warehouse_id, batch_id,
delta, balance_after, actor_id, posted_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, 0), $10)`,
		string(mv.Type), mv.RefType, mv.RefID, mv.ProductID, mv.WarehouseID, mv.BatchID,
		mv.Delta, mv.BalanceAfter, mv.ActorID, mv.PostedAt)
	return err
}

func (r *txRepo) InsertCountSession(ctx context.Context, s CountSession) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO count_sessions (warehouse_id, status, note, created_by)
VALUES ($1, $2, $3, NULLIF($4, 0)) RETURNING id`, s.WarehouseID, string(s.Status), s.Note, s.CreatedBy).Scan(&id)
	return id, err
}

func (r *txRepo) InsertCountLine(ctx context.Context, line CountLine) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO count_lines (session_id, product_id, expected_quantity, actual_quantity, applied)
VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		line.SessionID, line.ProductID, line.ExpectedQuantity, line.ActualQuantity, line.Applied).Scan(&id)
	return id, err
}

func (r *txRepo) LockCountSession(ctx context.Context, id int64) (CountSession, error) {
	return getCountSession(ctx, r.tx, id, true)
}

func (r *txRepo) UpdateCountSession(ctx context.Context, s CountSession) error {
	_, err := r.tx.Exec(ctx, `UPDATE count_sessions SET status=$2, started_at=$3, completed_at=$4, approved_at=$5,
approved_by=NULLIF($6, 0) WHERE id=$1`,
		s.ID, string(s.Status), s.StartedAt, s.CompletedAt, s.ApprovedAt, s.ApprovedBy)
	return err
}

func (r *txRepo) UpdateCountLine(ctx context.Context, line CountLine) error {
	_, err := r.tx.Exec(ctx, `UPDATE count_lines SET expected_quantity=$2, actual_quantity=$3, applied=$4 WHERE id=$1`,
		line.ID, line.ExpectedQuantity, line.ActualQuantity, line.Applied)
	return err
}

func getStockEntry(ctx context.Context, q querier, productID, warehouseID int64, forUpdate bool) (StockEntry, error) {
	query := `SELECT product_id, warehouse_id, quantity, min_stock_level, updated_at
FROM stock_entries WHERE product_id=$1 AND warehouse_id=$2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var entry StockEntry
	if err := pgxscan.Get(ctx, q, &entry, query, productID, warehouseID); err != nil {
		if pgxscan.NotFound(err) {
			return StockEntry{}, ErrNotFound
		}
		return StockEntry{}, err
	}
	return entry, nil
}

func getBatch(ctx context.Context, q querier, where string, args ...any) (Batch, error) {
	var b Batch
	if err := pgxscan.Get(ctx, q, &b, `SELECT `+batchColumns+` FROM stock_batches `+where, args...); err != nil {
		if pgxscan.NotFound(err) {
			return Batch{}, ErrNotFound
		}
		return Batch{}, err
	}
	return b, nil
}

func sumRemaining(ctx context.Context, q querier, productID, warehouseID int64) (int64, error) {
	var total int64
	err := q.QueryRow(ctx, `SELECT COALESCE(SUM(remaining_quantity), 0) FROM stock_batches
WHERE product_id=$1 AND warehouse_id=$2`, productID, warehouseID).Scan(&total)
	return total, err
}

func getReceipt(ctx context.Context, q querier, id int64, forUpdate bool) (ReceiptDocument, []ReceiptLine, error) {
	query := `SELECT id, number, COALESCE(supplier_id, 0), warehouse_id, status, stock_applied, received_at,
COALESCE(created_by, 0), updated_at FROM receipts WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var (
		doc    ReceiptDocument
		status string
	)
	err := q.QueryRow(ctx, query, id).Scan(&doc.ID, &doc.Number, &doc.SupplierID, &doc.WarehouseID, &status,
		&doc.StockApplied, &doc.ReceivedAt, &doc.CreatedBy, &doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ReceiptDocument{}, nil, fmt.Errorf("%w: receipt %d", ErrNotFound, id)
		}
		return ReceiptDocument{}, nil, err
	}
	doc.Status = ReceiptStatus(status)

	rows, err := q.Query(ctx, `SELECT id, receipt_id, product_id, quantity, unit_cost, expiry_date, batch_number
FROM receipt_lines WHERE receipt_id=$1 ORDER BY product_id`, id)
	if err != nil {
		return ReceiptDocument{}, nil, err
	}
	defer rows.Close()
	var lines []ReceiptLine
	for rows.Next() {
		var line ReceiptLine
		if err := rows.Scan(&line.ID, &line.ReceiptID, &line.ProductID, &line.Quantity, &line.UnitCost,
			&line.ExpiryDate, &line.BatchNumber); err != nil {
			return ReceiptDocument{}, nil, err
		}
		lines = append(lines, line)
	}
	return doc, lines, rows.Err()
}

func getCountSession(ctx context.Context, q querier, id int64, forUpdate bool) (CountSession, error) {
	query := `SELECT id, warehouse_id, status, note, started_at, completed_at, approved_at,
COALESCE(approved_by, 0), COALESCE(created_by, 0) FROM count_sessions WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var (
		s      CountSession
		status string
	)
	err := q.QueryRow(ctx, query, id).Scan(&s.ID, &s.WarehouseID, &status, &s.Note, &s.StartedAt, &s.CompletedAt,
		&s.ApprovedAt, &s.ApprovedBy, &s.CreatedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CountSession{}, fmt.Errorf("%w: count session %d", ErrNotFound, id)
		}
		return CountSession{}, err
	}
	s.Status = CountStatus(status)

	rows, err := q.Query(ctx, `SELECT id, session_id, product_id, expected_quantity, actual_quantity, applied
FROM count_lines WHERE session_id=$1 ORDER BY product_id`, id)
	if err != nil {
		return CountSession{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line CountLine
		if err := rows.Scan(&line.ID, &line.SessionID, &line.ProductID, &line.ExpectedQuantity,
			&line.ActualQuantity, &line.Applied); err != nil {
			return CountSession{}, err
		}
		s.Lines = append(s.Lines, line)
	}
	return s, rows.Err()
}

func scanDeductionLine(row pgx.Row) (DeductionLine, error) {
	var (
		line    DeductionLine
		docType string
	)
	err := row.Scan(&line.ID, &docType, &line.DocumentRef, &line.ProductID, &line.WarehouseID, &line.BatchID,
		&line.Quantity, &line.UnitPrice, &line.CostPriceAtSale, &line.CreatedBy, &line.CreatedAt)
	line.DocumentType = DocumentType(docType)
	return line, err
}

func limitOr(limit, fallback int) uint64 {
	if limit <= 0 {
		return uint64(fallback)
	}
	return uint64(limit)
}
