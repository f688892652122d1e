package inventory

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

const dateLayout = "2006-01-02"

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/stock", h.handleStock)
	r.Get("/stock/low", h.handleLowStock)
	r.Get("/stock/total/{productID}", h.handleTotalStock)
	r.Put("/stock/{productID}/{warehouseID}/min-level", h.handleMinLevel)
	r.Get("/stock/{productID}/{warehouseID}/card", h.handleStockCard)
	r.Get("/batches", h.handleBatches)

	r.Post("/receipts", h.handleCreateReceipt)
	r.Get("/receipts/{id}", h.handleGetReceipt)
	r.Put("/receipts/{id}/lines", h.handleUpdateReceiptLines)
	r.Post("/receipts/{id}/status", h.handleReceiptStatus)
	r.Post("/receipts/{id}/apply", h.handleApplyReceipt)
	r.Post("/receipts/{id}/reverse", h.handleReverseReceipt)

	r.Post("/deductions", h.handleDeduct)
	r.Get("/deductions/{type}/{ref}", h.handleDocumentMargin)
	r.Post("/credits", h.handleCredit)
	r.Post("/transfers", h.handleTransfer)

	r.Post("/counts", h.handleCreateCount)
	r.Get("/counts/{id}", h.handleGetCount)
	r.Post("/counts/{id}/start", h.countAction(h.service.StartCount))
	r.Put("/counts/{id}/lines/{productID}", h.handleRecordCount)
	r.Post("/counts/{id}/complete", h.countAction(h.service.CompleteCount))
	r.Post("/counts/{id}/approve", h.countAction(h.service.ApproveCount))
	r.Post("/counts/{id}/reject", h.countAction(h.service.RejectCount))

	r.Get("/verify", h.handleVerify)
	r.Post("/repair", h.handleRepair)
}

type receiptLineRequest struct {
	ProductID   int64           `json:"product_id" validate:"required,gt=0"`
	Quantity    int64           `json:"quantity" validate:"required,gt=0"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	ExpiryDate  string          `json:"expiry_date" validate:"omitempty,datetime=2006-01-02"`
	BatchNumber string          `json:"batch_number" validate:"max=64"`
}

type createReceiptRequest struct {
	Number      string               `json:"number" validate:"required,max=64"`
	SupplierID  int64                `json:"supplier_id" validate:"gte=0"`
	WarehouseID int64                `json:"warehouse_id" validate:"required,gt=0"`
	Status      string               `json:"status" validate:"omitempty,oneof=pending ordered received"`
	Lines       []receiptLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type updateLinesRequest struct {
	Lines []receiptLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending ordered received"`
}

type deductLineRequest struct {
	ProductID   int64           `json:"product_id" validate:"required,gt=0"`
	WarehouseID int64           `json:"warehouse_id" validate:"required,gt=0"`
	Quantity    int64           `json:"quantity" validate:"required,gt=0"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

type deductRequest struct {
	DocumentType string              `json:"document_type" validate:"required,oneof=sale requisition"`
	DocumentRef  string              `json:"document_ref" validate:"required,max=64"`
	Lines        []deductLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type creditRequest struct {
	DeductionLineID int64  `json:"deduction_line_id" validate:"gte=0"`
	BatchID         int64  `json:"batch_id" validate:"gte=0"`
	ProductID       int64  `json:"product_id" validate:"gte=0"`
	WarehouseID     int64  `json:"warehouse_id" validate:"gte=0"`
	Quantity        int64  `json:"quantity" validate:"required,gt=0"`
	DocumentRef     string `json:"document_ref" validate:"max=64"`
}

type transferRequest struct {
	ProductID       int64  `json:"product_id" validate:"required,gt=0"`
	FromWarehouseID int64  `json:"from_warehouse_id" validate:"required,gt=0"`
	ToWarehouseID   int64  `json:"to_warehouse_id" validate:"required,gt=0,nefield=FromWarehouseID"`
	Quantity        int64  `json:"quantity" validate:"required,gt=0"`
	Note            string `json:"note" validate:"max=255"`
}

type createCountRequest struct {
	WarehouseID int64   `json:"warehouse_id" validate:"required,gt=0"`
	ProductIDs  []int64 `json:"product_ids" validate:"dive,gt=0"`
	Note        string  `json:"note" validate:"max=255"`
}

type recordCountRequest struct {
	Actual *int64 `json:"actual_quantity" validate:"required,gte=0"`
}

type minLevelRequest struct {
	MinStockLevel *int64 `json:"min_stock_level" validate:"omitempty,gte=0"`
}

type repairRequest struct {
	ProductID   int64 `json:"product_id" validate:"required,gt=0"`
	WarehouseID int64 `json:"warehouse_id" validate:"required,gt=0"`
}

func (h *Handler) handleStock(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	productID, _ := strconv.ParseInt(q.Get("product_id"), 10, 64)
	warehouseID, _ := strconv.ParseInt(q.Get("warehouse_id"), 10, 64)
	if productID > 0 && warehouseID > 0 {
		qty, err := h.service.CurrentStock(r.Context(), productID, warehouseID)
		if err != nil {
			h.respondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]int64{"product_id": productID, "warehouse_id": warehouseID, "quantity": qty})
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	entries, err := h.service.ListStock(r.Context(), StockFilter{ProductID: productID, WarehouseID: warehouseID, Limit: limit})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entries)
}

func (h *Handler) handleLowStock(w http.ResponseWriter, r *http.Request) {
	warehouseID, _ := strconv.ParseInt(r.URL.Query().Get("warehouse_id"), 10, 64)
	entries, err := h.service.ListLowStock(r.Context(), warehouseID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entries)
}

func (h *Handler) handleTotalStock(w http.ResponseWriter, r *http.Request) {
	productID, ok := h.pathID(w, r, "productID")
	if !ok {
		return
	}
	total, err := h.service.TotalStock(r.Context(), productID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int64{"product_id": productID, "quantity": total})
}

func (h *Handler) handleMinLevel(w http.ResponseWriter, r *http.Request) {
	productID, ok := h.pathID(w, r, "productID")
	if !ok {
		return
	}
	warehouseID, ok := h.pathID(w, r, "warehouseID")
	if !ok {
		return
	}
	var req minLevelRequest
	if !h.decode(w, r, &req) {
		return
	}
	entry, err := h.service.SetMinStockLevel(r.Context(), productID, warehouseID, req.MinStockLevel, 0)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}

func (h *Handler) handleStockCard(w http.ResponseWriter, r *http.Request) {
	productID, ok := h.pathID(w, r, "productID")
	if !ok {
		return
	}
	warehouseID, ok := h.pathID(w, r, "warehouseID")
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := StockCardFilter{ProductID: productID, WarehouseID: warehouseID}
	if from, err := time.Parse(dateLayout, q.Get("from")); err == nil {
		filter.From = from
	}
	if to, err := time.Parse(dateLayout, q.Get("to")); err == nil {
		filter.To = to.AddDate(0, 0, 1)
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	movements, err := h.service.StockCard(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, movements)
}

func (h *Handler) handleBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := BatchFilter{IncludeEmpty: q.Get("include_empty") == "true"}
	filter.ProductID, _ = strconv.ParseInt(q.Get("product_id"), 10, 64)
	filter.WarehouseID, _ = strconv.ParseInt(q.Get("warehouse_id"), 10, 64)
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	if raw := q.Get("expiring_before"); raw != "" {
		before, err := time.Parse(dateLayout, raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "expiring_before must be YYYY-MM-DD")
			return
		}
		filter.ExpiringBefore = &before
	}
	batches, err := h.service.ListBatches(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, batches)
}

func (h *Handler) handleCreateReceipt(w http.ResponseWriter, r *http.Request) {
	var req createReceiptRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.CreateReceipt(r.Context(), CreateReceiptInput{
		Number:      req.Number,
		SupplierID:  req.SupplierID,
		WarehouseID: req.WarehouseID,
		Status:      ReceiptStatus(req.Status),
		Lines:       receiptLineInputs(req.Lines),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	doc, lines, err := h.service.GetReceipt(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ReceiptResult{Receipt: doc, Lines: lines})
}

func (h *Handler) handleUpdateReceiptLines(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req updateLinesRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.UpdateReceiptLines(r.Context(), id, receiptLineInputs(req.Lines), 0)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleReceiptStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req statusRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.SetReceiptStatus(r.Context(), id, ReceiptStatus(req.Status), 0)
	h.respondReceipt(w, result, err)
}

func (h *Handler) handleApplyReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	result, err := h.service.ApplyReceipt(r.Context(), id, 0)
	h.respondReceipt(w, result, err)
}

func (h *Handler) handleReverseReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	result, err := h.service.ReverseReceipt(r.Context(), id, 0)
	h.respondReceipt(w, result, err)
}

func (h *Handler) respondReceipt(w http.ResponseWriter, result ReceiptResult, err error) {
	if errors.Is(err, ErrAlreadyApplied) || errors.Is(err, ErrNotApplied) {
		httpx.JSON(w, http.StatusOK, map[string]any{"status": "noop", "detail": err.Error(), "receipt": result.Receipt})
		return
	}
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleDeduct(w http.ResponseWriter, r *http.Request) {
	var req deductRequest
	if !h.decode(w, r, &req) {
		return
	}
	input := DeductManyInput{
		DocumentType:   DocumentType(req.DocumentType),
		DocumentRef:    req.DocumentRef,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, DeductLineInput(line))
	}
	lines, err := h.service.DeductMany(r.Context(), input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, lines)
}

func (h *Handler) handleDocumentMargin(w http.ResponseWriter, r *http.Request) {
	lines, margin, err := h.service.DocumentMargin(r.Context(), DocumentType(chi.URLParam(r, "type")), chi.URLParam(r, "ref"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"lines": lines, "margin": margin})
}

func (h *Handler) handleCredit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if !h.decode(w, r, &req) {
		return
	}
	lines, err := h.service.Credit(r.Context(), CreditInput{
		DeductionLineID: req.DeductionLineID,
		BatchID:         req.BatchID,
		ProductID:       req.ProductID,
		WarehouseID:     req.WarehouseID,
		Quantity:        req.Quantity,
		DocumentRef:     req.DocumentRef,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, lines)
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !h.decode(w, r, &req) {
		return
	}
	record, err := h.service.Transfer(r.Context(), TransferInput{
		ProductID:       req.ProductID,
		FromWarehouseID: req.FromWarehouseID,
		ToWarehouseID:   req.ToWarehouseID,
		Quantity:        req.Quantity,
		Note:            req.Note,
		IdempotencyKey:  r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, record)
}

func (h *Handler) handleCreateCount(w http.ResponseWriter, r *http.Request) {
	var req createCountRequest
	if !h.decode(w, r, &req) {
		return
	}
	session, err := h.service.CreateCountSession(r.Context(), CreateCountInput{
		WarehouseID: req.WarehouseID,
		ProductIDs:  req.ProductIDs,
		Note:        req.Note,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, session)
}

func (h *Handler) handleGetCount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	session, err := h.service.GetCountSession(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, session)
}

func (h *Handler) handleRecordCount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	productID, ok := h.pathID(w, r, "productID")
	if !ok {
		return
	}
	var req recordCountRequest
	if !h.decode(w, r, &req) {
		return
	}
	session, err := h.service.RecordCount(r.Context(), id, productID, *req.Actual, 0)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, session)
}

func (h *Handler) countAction(fn func(ctx context.Context, sessionID, actorID int64) (CountSession, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.pathID(w, r, "id")
		if !ok {
			return
		}
		session, err := fn(r.Context(), id, 0)
		if err != nil {
			h.respondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, session)
	}
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter VerifyFilter
	filter.ProductID, _ = strconv.ParseInt(q.Get("product_id"), 10, 64)
	filter.WarehouseID, _ = strconv.ParseInt(q.Get("warehouse_id"), 10, 64)
	violations, err := h.service.VerifyStock(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"consistent": len(violations) == 0, "violations": violations})
}

func (h *Handler) handleRepair(w http.ResponseWriter, r *http.Request) {
	var req repairRequest
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := h.service.RepairStock(r.Context(), req.ProductID, req.WarehouseID, 0)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fe.Field()+": "+fe.Tag())
			}
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", strings.Join(msgs, "; "))
			return false
		}
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid "+name)
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var short *InsufficientStockError
	if errors.As(err, &short) {
		httpx.ProblemWith(w, http.StatusUnprocessableEntity, "Insufficient Stock", short.Error(), map[string]any{
			"product_id":   short.ProductID,
			"warehouse_id": short.WarehouseID,
			"requested":    short.Requested,
			"available":    short.Available,
			"shortfall":    short.Shortfall(),
		})
		return
	}
	switch {
	case errors.Is(err, ErrDuplicateBatch), errors.Is(err, ErrOverReturn), errors.Is(err, ErrWarehouseInactive):
		err = httpx.Status(httpx.ErrUnprocessable, err)
	case errors.Is(err, shared.ErrIdempotencyConflict), errors.Is(err, ErrInvalidCountState), errors.Is(err, ErrReceiptLocked):
		err = httpx.Status(httpx.ErrConflict, err)
	case errors.Is(err, ErrValidation):
		err = httpx.Status(httpx.ErrValidation, err)
	case errors.Is(err, ErrNotFound):
		err = httpx.Status(httpx.ErrNotFound, err)
	default:
		h.logger.Error("inventory request failed", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func receiptLineInputs(lines []receiptLineRequest) []ReceiptLineInput {
	out := make([]ReceiptLineInput, 0, len(lines))
	for _, line := range lines {
		in := ReceiptLineInput{
			ProductID:   line.ProductID,
			Quantity:    line.Quantity,
			UnitCost:    line.UnitCost,
			BatchNumber: line.BatchNumber,
		}
		if expiry, err := time.Parse(dateLayout, line.ExpiryDate); err == nil {
			in.ExpiryDate = &expiry
		}
		out = append(out, in)
	}
	return out
}
