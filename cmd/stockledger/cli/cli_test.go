package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/jobs"
)

type stubVerifier struct {
	violations []inventory.ConsistencyViolation
	err        error
	repairs    int
}

func (s *stubVerifier) VerifyStock(ctx context.Context, filter inventory.VerifyFilter) ([]inventory.ConsistencyViolation, error) {
	return s.violations, s.err
}

func (s *stubVerifier) RepairStock(ctx context.Context, productID, warehouseID, actorID int64) (inventory.StockReconciliation, error) {
	s.repairs++
	return inventory.StockReconciliation{ProductID: productID, WarehouseID: warehouseID, IndexQuantity: 5, BatchQuantity: 4}, nil
}

func TestVerifyCommandConsistent(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := VerifyCommand(context.Background(), &stubVerifier{}, VerifyOptions{JSONOutput: true, Stdout: &stdout, Stderr: &stderr})
	require.Equal(t, 0, code)
	var summary VerifySummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.True(t, summary.OK)
	require.Empty(t, summary.Violations)
	require.Empty(t, stderr.String())
}

func TestVerifyCommandViolationsAndRepair(t *testing.T) {
	verifier := &stubVerifier{violations: []inventory.ConsistencyViolation{
		{Kind: inventory.ViolationIndexMismatch, ProductID: 2, WarehouseID: 1, IndexQuantity: 5, BatchQuantity: 4},
		{Kind: inventory.ViolationIndexMismatch, ProductID: 1, WarehouseID: 1, IndexQuantity: 3, BatchQuantity: 2},
	}}
	var stdout bytes.Buffer
	code := VerifyCommand(context.Background(), verifier, VerifyOptions{Stdout: &stdout, Stderr: &bytes.Buffer{}})
	require.Equal(t, 10, code)
	require.Contains(t, stdout.String(), "2 violation(s)")
	require.Less(t, bytes.Index(stdout.Bytes(), []byte("product=1")), bytes.Index(stdout.Bytes(), []byte("product=2")))
	require.Zero(t, verifier.repairs)

	stdout.Reset()
	code = VerifyCommand(context.Background(), verifier, VerifyOptions{Repair: true, Stdout: &stdout, Stderr: &bytes.Buffer{}})
	require.Equal(t, 0, code)
	require.Equal(t, 2, verifier.repairs)
	require.Contains(t, stdout.String(), "repaired product=1 warehouse=1 5 -> 4")

	bounds := &stubVerifier{violations: []inventory.ConsistencyViolation{
		{Kind: inventory.ViolationBatchBounds, ProductID: 1, WarehouseID: 1, BatchID: 3, IndexQuantity: 10, BatchQuantity: 12},
	}}
	code = VerifyCommand(context.Background(), bounds, VerifyOptions{Repair: true, Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}})
	require.Equal(t, 10, code)
	require.Zero(t, bounds.repairs)
}

func TestVerifyCommandErrors(t *testing.T) {
	var stderr bytes.Buffer
	code := VerifyCommand(context.Background(), &stubVerifier{err: errors.New("db down")}, VerifyOptions{Stdout: &bytes.Buffer{}, Stderr: &stderr})
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "db down")

	code = VerifyCommand(context.Background(), &stubVerifier{}, VerifyOptions{ProductID: -1, Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}})
	require.Equal(t, 1, code)
}

type stubMigrator struct {
	calls   []string
	version uint
	dirty   bool
	err     error
}

func (s *stubMigrator) Up() error   { s.calls = append(s.calls, "up"); return s.err }
func (s *stubMigrator) Down() error { s.calls = append(s.calls, "down"); return s.err }
func (s *stubMigrator) Steps(n int) error {
	s.calls = append(s.calls, "steps")
	return s.err
}
func (s *stubMigrator) Version() (uint, bool, error) { return s.version, s.dirty, nil }

func TestMigrateCommand(t *testing.T) {
	m := &stubMigrator{version: 1}
	var stdout bytes.Buffer
	require.Equal(t, 0, MigrateCommand(m, nil, &stdout, &bytes.Buffer{}))
	require.Equal(t, []string{"up"}, m.calls)
	require.Contains(t, stdout.String(), "schema version 1 dirty=false")

	require.Equal(t, 0, MigrateCommand(m, []string{"steps", "-1"}, &bytes.Buffer{}, &bytes.Buffer{}))
	require.Equal(t, 2, MigrateCommand(m, []string{"steps", "x"}, &bytes.Buffer{}, &bytes.Buffer{}))
	require.Equal(t, 2, MigrateCommand(m, []string{"sideways"}, &bytes.Buffer{}, &bytes.Buffer{}))
	require.Equal(t, 0, MigrateCommand(m, []string{"version"}, &bytes.Buffer{}, &bytes.Buffer{}))
	require.Equal(t, []string{"up", "steps"}, m.calls)

	m.err = errors.New("locked")
	require.Equal(t, 1, MigrateCommand(m, []string{"down"}, &bytes.Buffer{}, &bytes.Buffer{}))

	dirty := &stubMigrator{version: 1, dirty: true}
	require.Equal(t, 1, MigrateCommand(dirty, []string{"version"}, &bytes.Buffer{}, &bytes.Buffer{}))
}

func TestBuildTask(t *testing.T) {
	task, err := BuildTask(jobs.TaskVerifyStock, time.Hour)
	require.NoError(t, err)
	require.Equal(t, jobs.TaskVerifyStock, task.Type())

	task, err = BuildTask(jobs.TaskIdempotencyCleanup, time.Hour)
	require.NoError(t, err)
	var payload jobs.IdempotencyCleanupPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, time.Hour, payload.Retention)

	_, err = BuildTask("nope", time.Hour)
	require.Error(t, err)
}
