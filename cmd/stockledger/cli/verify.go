package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/odyssey-erp/stockledger/internal/inventory"
)

// StockVerifier is the inventory surface used by the verify command.
type StockVerifier interface {
	VerifyStock(ctx context.Context, filter inventory.VerifyFilter) ([]inventory.ConsistencyViolation, error)
	RepairStock(ctx context.Context, productID, warehouseID, actorID int64) (inventory.StockReconciliation, error)
}

// VerifyOptions defines available flags for the verify command.
type VerifyOptions struct {
	ProductID   int64
	WarehouseID int64
	Repair      bool
	ActorID     int64
	JSONOutput  bool
	Stdout      io.Writer
	Stderr      io.Writer
}

// VerifySummary describes the JSON response for verify.
type VerifySummary struct {
	OK         bool                             `json:"ok"`
	Violations []inventory.ConsistencyViolation `json:"violations"`
	Repaired   []inventory.StockReconciliation  `json:"repaired,omitempty"`
}

// VerifyCommand checks the stock index against batch sums and prints the outcome.
// It exits 10 when violations remain after any repair.
func VerifyCommand(ctx context.Context, verifier StockVerifier, opts VerifyOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.ProductID < 0 || opts.WarehouseID < 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "verify: --product and --warehouse must not be negative")
		return 1
	}
	violations, err := verifier.VerifyStock(ctx, inventory.VerifyFilter{ProductID: opts.ProductID, WarehouseID: opts.WarehouseID})
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "verify: %v\n", err)
		return 1
	}
	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].ProductID == violations[j].ProductID {
			return violations[i].WarehouseID < violations[j].WarehouseID
		}
		return violations[i].ProductID < violations[j].ProductID
	})

	summary := VerifySummary{Violations: violations}
	remaining := len(violations)
	if opts.Repair {
		for _, v := range violations {
			if v.Kind != inventory.ViolationIndexMismatch {
				continue
			}
			rec, err := verifier.RepairStock(ctx, v.ProductID, v.WarehouseID, opts.ActorID)
			if err != nil {
				_, _ = fmt.Fprintf(opts.Stderr, "verify: repair %d/%d: %v\n", v.ProductID, v.WarehouseID, err)
				return 1
			}
			summary.Repaired = append(summary.Repaired, rec)
			remaining--
		}
	}
	summary.OK = remaining == 0
	if summary.Violations == nil {
		summary.Violations = []inventory.ConsistencyViolation{}
	}

	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "verify: encode json: %v\n", err)
			return 1
		}
	} else {
		renderVerifyHuman(opts.Stdout, summary)
	}
	if !summary.OK {
		return 10
	}
	return 0
}

func renderVerifyHuman(w io.Writer, summary VerifySummary) {
	if len(summary.Violations) == 0 {
		_, _ = fmt.Fprintln(w, "stock index consistent")
		return
	}
	_, _ = fmt.Fprintf(w, "%d violation(s):\n", len(summary.Violations))
	for _, v := range summary.Violations {
		switch v.Kind {
		case inventory.ViolationBatchBounds:
			_, _ = fmt.Fprintf(w, "  %-15s product=%d warehouse=%d batch=%d remaining=%d received=%d\n",
				v.Kind, v.ProductID, v.WarehouseID, v.BatchID, v.BatchQuantity, v.IndexQuantity)
		default:
			_, _ = fmt.Fprintf(w, "  %-15s product=%d warehouse=%d index=%d batches=%d\n",
				v.Kind, v.ProductID, v.WarehouseID, v.IndexQuantity, v.BatchQuantity)
		}
	}
	for _, rec := range summary.Repaired {
		_, _ = fmt.Fprintf(w, "  repaired product=%d warehouse=%d %d -> %d\n",
			rec.ProductID, rec.WarehouseID, rec.IndexQuantity, rec.BatchQuantity)
	}
}
