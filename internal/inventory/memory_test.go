package inventory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

var errCheckViolation = errors.New("memory: check constraint violated")

type memState struct {
	products     map[int64]Product
	warehouses   map[int64]Warehouse
	entries      map[stockKey]StockEntry
	batches      map[int64]Batch
	receipts     map[int64]ReceiptDocument
	receiptLines map[int64]ReceiptLine
	deductions   map[int64]DeductionLine
	credits      map[int64]CreditLine
	sessions     map[int64]CountSession
	countLines   map[int64]CountLine
	transfers    []TransferRecord
	movements    []StockMovement
	nextID       int64
}

func newMemState() *memState {
	return &memState{
		products:     make(map[int64]Product),
		warehouses:   make(map[int64]Warehouse),
		entries:      make(map[stockKey]StockEntry),
		batches:      make(map[int64]Batch),
		receipts:     make(map[int64]ReceiptDocument),
		receiptLines: make(map[int64]ReceiptLine),
		deductions:   make(map[int64]DeductionLine),
		credits:      make(map[int64]CreditLine),
		sessions:     make(map[int64]CountSession),
		countLines:   make(map[int64]CountLine),
	}
}

func (s *memState) clone() *memState {
	c := *s
	c.products = maps.Clone(s.products)
	c.warehouses = maps.Clone(s.warehouses)
	c.entries = maps.Clone(s.entries)
	c.batches = maps.Clone(s.batches)
	c.receipts = maps.Clone(s.receipts)
	c.receiptLines = maps.Clone(s.receiptLines)
	c.deductions = maps.Clone(s.deductions)
	c.credits = maps.Clone(s.credits)
	c.sessions = maps.Clone(s.sessions)
	c.countLines = maps.Clone(s.countLines)
	c.transfers = slices.Clone(s.transfers)
	c.movements = slices.Clone(s.movements)
	return &c
}

func (s *memState) id() int64 {
	s.nextID++
	return s.nextID
}

// memoryRepo runs one transaction at a time against a copy of its state and swaps the
// copy in on success, which gives the isolation and rollback the ledger relies on.
type memoryRepo struct {
	mu    sync.Mutex
	state *memState
}

type memoryTx struct {
	s *memState
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{state: newMemState()}
}

func (r *memoryRepo) addProduct(id, factor int64, tracksExpiry bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.products[id] = Product{ID: id, Code: fmt.Sprintf("P%03d", id), UnitsPerStockingUnit: factor, TracksExpiry: tracksExpiry}
}

func (r *memoryRepo) addWarehouse(id int64, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.warehouses[id] = Warehouse{ID: id, Name: fmt.Sprintf("WH%d", id), Active: active}
}

func (r *memoryRepo) mutate(fn func(s *memState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.state)
}

func (r *memoryRepo) batch(id int64) Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.batches[id]
}

func (r *memoryRepo) batchesOf(productID, warehouseID int64) []Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Batch
	for _, b := range r.state.batches {
		if b.ProductID == productID && b.WarehouseID == warehouseID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memoryRepo) view() *memoryTx {
	return &memoryTx{s: r.state}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	work := r.state.clone()
	if err := fn(ctx, &memoryTx{s: work}); err != nil {
		return err
	}
	r.state = work
	return nil
}

func (r *memoryRepo) GetStockEntry(ctx context.Context, productID, warehouseID int64) (StockEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view().GetStockEntry(ctx, productID, warehouseID)
}

func (r *memoryRepo) ListStock(_ context.Context, filter StockFilter) ([]StockEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []StockEntry
	for _, e := range r.state.entries {
		if filter.ProductID != 0 && e.ProductID != filter.ProductID {
			continue
		}
		if filter.WarehouseID != 0 && e.WarehouseID != filter.WarehouseID {
			continue
		}
		if filter.LowOnly && !e.BelowMinimum() {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].WarehouseID < out[j].WarehouseID
	})
	return out, nil
}

func (r *memoryRepo) TotalStock(_ context.Context, productID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for _, e := range r.state.entries {
		if e.ProductID == productID {
			total += e.Quantity
		}
	}
	return total, nil
}

func (r *memoryRepo) ListBatches(_ context.Context, filter BatchFilter) ([]Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Batch
	for _, b := range r.state.batches {
		if filter.ProductID != 0 && b.ProductID != filter.ProductID {
			continue
		}
		if filter.WarehouseID != 0 && b.WarehouseID != filter.WarehouseID {
			continue
		}
		if filter.ExpiringBefore != nil && (b.ExpiryDate == nil || !b.ExpiryDate.Before(*filter.ExpiringBefore)) {
			continue
		}
		if !filter.IncludeEmpty && !b.Available() {
			continue
		}
		out = append(out, b)
	}
	SortLots(out)
	return out, nil
}

func (r *memoryRepo) SumRemaining(ctx context.Context, productID, warehouseID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view().SumRemaining(ctx, productID, warehouseID)
}

func (r *memoryRepo) GetReceipt(ctx context.Context, id int64) (ReceiptDocument, []ReceiptLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view().LockReceipt(ctx, id)
}

func (r *memoryRepo) GetCountSession(ctx context.Context, id int64) (CountSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view().LockCountSession(ctx, id)
}

func (r *memoryRepo) ListDeductionLines(_ context.Context, docType DocumentType, docRef string) ([]DeductionLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []DeductionLine
	for _, l := range r.state.deductions {
		if l.DocumentType == docType && l.DocumentRef == docRef {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryRepo) StockCard(_ context.Context, filter StockCardFilter) ([]StockMovement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []StockMovement
	for _, mv := range r.state.movements {
		if mv.ProductID == filter.ProductID && mv.WarehouseID == filter.WarehouseID {
			out = append(out, mv)
		}
	}
	return out, nil
}

func (r *memoryRepo) Reconcile(_ context.Context, filter VerifyFilter) ([]StockReconciliation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := make(map[stockKey]*StockReconciliation)
	get := func(k stockKey) *StockReconciliation {
		if row, ok := rows[k]; ok {
			return row
		}
		row := &StockReconciliation{ProductID: k.ProductID, WarehouseID: k.WarehouseID}
		rows[k] = row
		return row
	}
	for k, e := range r.state.entries {
		get(k).IndexQuantity = e.Quantity
	}
	for _, b := range r.state.batches {
		get(stockKey{ProductID: b.ProductID, WarehouseID: b.WarehouseID}).BatchQuantity += b.RemainingQuantity
	}
	var out []StockReconciliation
	for _, row := range rows {
		if filter.ProductID != 0 && row.ProductID != filter.ProductID {
			continue
		}
		if filter.WarehouseID != 0 && row.WarehouseID != filter.WarehouseID {
			continue
		}
		out = append(out, *row)
	}
	return out, nil
}

func (r *memoryRepo) OutOfBoundsBatches(_ context.Context, filter VerifyFilter) ([]Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Batch
	for _, b := range r.state.batches {
		if filter.ProductID != 0 && b.ProductID != filter.ProductID {
			continue
		}
		if filter.WarehouseID != 0 && b.WarehouseID != filter.WarehouseID {
			continue
		}
		if b.RemainingQuantity < 0 || b.RemainingQuantity > b.ReceivedUnits {
			out = append(out, b)
		}
	}
	return out, nil
}

func (tx *memoryTx) GetProduct(_ context.Context, id int64) (Product, error) {
	p, ok := tx.s.products[id]
	if !ok {
		return Product{}, fmt.Errorf("%w: product %d", ErrNotFound, id)
	}
	return p, nil
}

func (tx *memoryTx) GetWarehouse(_ context.Context, id int64) (Warehouse, error) {
	w, ok := tx.s.warehouses[id]
	if !ok {
		return Warehouse{}, fmt.Errorf("%w: warehouse %d", ErrNotFound, id)
	}
	return w, nil
}

func (tx *memoryTx) LockStockEntry(_ context.Context, productID, warehouseID int64) (StockEntry, error) {
	k := stockKey{ProductID: productID, WarehouseID: warehouseID}
	e, ok := tx.s.entries[k]
	if !ok {
		e = StockEntry{ProductID: productID, WarehouseID: warehouseID}
		tx.s.entries[k] = e
	}
	return e, nil
}

func (tx *memoryTx) GetStockEntry(_ context.Context, productID, warehouseID int64) (StockEntry, error) {
	e, ok := tx.s.entries[stockKey{ProductID: productID, WarehouseID: warehouseID}]
	if !ok {
		return StockEntry{}, ErrNotFound
	}
	return e, nil
}

func (tx *memoryTx) SetStockQuantity(_ context.Context, productID, warehouseID, quantity int64, at time.Time) error {
	k := stockKey{ProductID: productID, WarehouseID: warehouseID}
	e, ok := tx.s.entries[k]
	if !ok {
		return ErrNotFound
	}
	if quantity < 0 {
		return errCheckViolation
	}
	e.Quantity = quantity
	e.UpdatedAt = at
	tx.s.entries[k] = e
	return nil
}

func (tx *memoryTx) SetMinStockLevel(_ context.Context, productID, warehouseID int64, level *int64) error {
	k := stockKey{ProductID: productID, WarehouseID: warehouseID}
	e, ok := tx.s.entries[k]
	if !ok {
		return ErrNotFound
	}
	e.MinStockLevel = level
	tx.s.entries[k] = e
	return nil
}

func (tx *memoryTx) ListWarehouseStock(_ context.Context, warehouseID int64) ([]StockEntry, error) {
	var out []StockEntry
	for _, e := range tx.s.entries {
		if e.WarehouseID == warehouseID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (tx *memoryTx) LockLots(_ context.Context, productID, warehouseID int64) ([]Batch, error) {
	var out []Batch
	for _, b := range tx.s.batches {
		if b.ProductID == productID && b.WarehouseID == warehouseID && b.Available() {
			out = append(out, b)
		}
	}
	SortLots(out)
	return out, nil
}

func (tx *memoryTx) GetBatch(_ context.Context, id int64) (Batch, error) {
	b, ok := tx.s.batches[id]
	if !ok {
		return Batch{}, ErrNotFound
	}
	return b, nil
}

func (tx *memoryTx) LockBatch(ctx context.Context, id int64) (Batch, error) {
	return tx.GetBatch(ctx, id)
}

func (tx *memoryTx) LockReceiptBatch(_ context.Context, receiptID, productID int64) (Batch, error) {
	for _, b := range tx.s.batches {
		if b.ReceiptID == receiptID && b.ProductID == productID && b.Source == BatchSourceReceipt {
			return b, nil
		}
	}
	return Batch{}, ErrNotFound
}

func (tx *memoryTx) LockUnbatchedLot(_ context.Context, productID, warehouseID int64) (Batch, error) {
	for _, b := range tx.s.batches {
		if b.ProductID == productID && b.WarehouseID == warehouseID && b.Source == BatchSourceUnbatched {
			return b, nil
		}
	}
	return Batch{}, ErrNotFound
}

func (tx *memoryTx) InsertBatch(_ context.Context, b Batch) (int64, error) {
	for _, existing := range tx.s.batches {
		if b.Source == BatchSourceReceipt && existing.ReceiptID == b.ReceiptID && existing.ProductID == b.ProductID {
			return 0, &DuplicateBatchError{ReceiptID: b.ReceiptID, ProductID: b.ProductID}
		}
		if b.Source == BatchSourceUnbatched && existing.Source == BatchSourceUnbatched &&
			existing.ProductID == b.ProductID && existing.WarehouseID == b.WarehouseID {
			return 0, errors.New("memory: duplicate unbatched lot")
		}
	}
	if b.RemainingQuantity < 0 || b.RemainingQuantity > b.ReceivedUnits {
		return 0, errCheckViolation
	}
	b.ID = tx.s.id()
	tx.s.batches[b.ID] = b
	return b.ID, nil
}

func (tx *memoryTx) UpdateBatch(_ context.Context, b Batch) error {
	if _, ok := tx.s.batches[b.ID]; !ok {
		return ErrNotFound
	}
	if b.RemainingQuantity < 0 || b.RemainingQuantity > b.ReceivedUnits {
		return errCheckViolation
	}
	tx.s.batches[b.ID] = b
	return nil
}

func (tx *memoryTx) SumRemaining(_ context.Context, productID, warehouseID int64) (int64, error) {
	var total int64
	for _, b := range tx.s.batches {
		if b.ProductID == productID && b.WarehouseID == warehouseID {
			total += b.RemainingQuantity
		}
	}
	return total, nil
}

func (tx *memoryTx) LockReceipt(_ context.Context, id int64) (ReceiptDocument, []ReceiptLine, error) {
	doc, ok := tx.s.receipts[id]
	if !ok {
		return ReceiptDocument{}, nil, fmt.Errorf("%w: receipt %d", ErrNotFound, id)
	}
	var lines []ReceiptLine
	for _, l := range tx.s.receiptLines {
		if l.ReceiptID == id {
			lines = append(lines, l)
		}
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })
	return doc, lines, nil
}

func (tx *memoryTx) InsertReceipt(_ context.Context, doc ReceiptDocument) (int64, error) {
	for _, existing := range tx.s.receipts {
		if existing.Number == doc.Number {
			return 0, errors.New("memory: duplicate receipt number")
		}
	}
	doc.ID = tx.s.id()
	tx.s.receipts[doc.ID] = doc
	return doc.ID, nil
}

func (tx *memoryTx) InsertReceiptLine(_ context.Context, line ReceiptLine) (int64, error) {
	for _, existing := range tx.s.receiptLines {
		if existing.ReceiptID == line.ReceiptID && existing.ProductID == line.ProductID {
			return 0, errors.New("memory: duplicate receipt line")
		}
	}
	line.ID = tx.s.id()
	tx.s.receiptLines[line.ID] = line
	return line.ID, nil
}

func (tx *memoryTx) DeleteReceiptLines(_ context.Context, receiptID int64) error {
	for id, l := range tx.s.receiptLines {
		if l.ReceiptID == receiptID {
			delete(tx.s.receiptLines, id)
		}
	}
	return nil
}

func (tx *memoryTx) UpdateReceiptState(_ context.Context, doc ReceiptDocument) error {
	existing, ok := tx.s.receipts[doc.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Status = doc.Status
	existing.StockApplied = doc.StockApplied
	existing.ReceivedAt = doc.ReceivedAt
	existing.UpdatedAt = doc.UpdatedAt
	tx.s.receipts[doc.ID] = existing
	return nil
}

func (tx *memoryTx) FindDeductionLine(_ context.Context, like DeductionLine) (DeductionLine, error) {
	for _, l := range tx.s.deductions {
		if l.DocumentType == like.DocumentType && l.DocumentRef == like.DocumentRef && l.ProductID == like.ProductID &&
			l.BatchID == like.BatchID && l.UnitPrice.Equal(like.UnitPrice) && l.CostPriceAtSale.Equal(like.CostPriceAtSale) {
			return l, nil
		}
	}
	return DeductionLine{}, ErrNotFound
}

func (tx *memoryTx) LockDeductionLine(_ context.Context, id int64) (DeductionLine, error) {
	l, ok := tx.s.deductions[id]
	if !ok {
		return DeductionLine{}, fmt.Errorf("%w: deduction line %d", ErrNotFound, id)
	}
	return l, nil
}

func (tx *memoryTx) InsertDeductionLine(ctx context.Context, line DeductionLine) (int64, error) {
	if _, err := tx.FindDeductionLine(ctx, line); err == nil {
		return 0, errors.New("memory: duplicate deduction line")
	}
	line.ID = tx.s.id()
	tx.s.deductions[line.ID] = line
	return line.ID, nil
}

func (tx *memoryTx) AddDeductionQuantity(_ context.Context, id, qty int64) error {
	l, ok := tx.s.deductions[id]
	if !ok {
		return ErrNotFound
	}
	l.Quantity += qty
	tx.s.deductions[id] = l
	return nil
}

func (tx *memoryTx) CreditedQuantity(_ context.Context, deductionLineID int64) (int64, error) {
	var total int64
	for _, c := range tx.s.credits {
		if c.DeductionLineID == deductionLineID {
			total += c.Quantity
		}
	}
	return total, nil
}

func (tx *memoryTx) InsertCreditLine(_ context.Context, line CreditLine) (int64, error) {
	line.ID = tx.s.id()
	tx.s.credits[line.ID] = line
	return line.ID, nil
}

func (tx *memoryTx) InsertTransfer(_ context.Context, record TransferRecord) (int64, error) {
	record.ID = tx.s.id()
	tx.s.transfers = append(tx.s.transfers, record)
	return record.ID, nil
}

func (tx *memoryTx) InsertMovement(_ context.Context, mv StockMovement) error {
	mv.ID = tx.s.id()
	tx.s.movements = append(tx.s.movements, mv)
	return nil
}

func (tx *memoryTx) InsertCountSession(_ context.Context, session CountSession) (int64, error) {
	session.ID = tx.s.id()
	session.Lines = nil
	tx.s.sessions[session.ID] = session
	return session.ID, nil
}

func (tx *memoryTx) InsertCountLine(_ context.Context, line CountLine) (int64, error) {
	line.ID = tx.s.id()
	tx.s.countLines[line.ID] = line
	return line.ID, nil
}

func (tx *memoryTx) LockCountSession(_ context.Context, id int64) (CountSession, error) {
	session, ok := tx.s.sessions[id]
	if !ok {
		return CountSession{}, fmt.Errorf("%w: count session %d", ErrNotFound, id)
	}
	session.Lines = nil
	for _, l := range tx.s.countLines {
		if l.SessionID == id {
			session.Lines = append(session.Lines, l)
		}
	}
	sort.Slice(session.Lines, func(i, j int) bool { return session.Lines[i].ProductID < session.Lines[j].ProductID })
	return session, nil
}

func (tx *memoryTx) UpdateCountSession(_ context.Context, session CountSession) error {
	if _, ok := tx.s.sessions[session.ID]; !ok {
		return ErrNotFound
	}
	session.Lines = nil
	tx.s.sessions[session.ID] = session
	return nil
}

func (tx *memoryTx) UpdateCountLine(_ context.Context, line CountLine) error {
	if _, ok := tx.s.countLines[line.ID]; !ok {
		return ErrNotFound
	}
	tx.s.countLines[line.ID] = line
	return nil
}
