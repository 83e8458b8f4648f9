package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/milestonepay/engine/internal/app/domain/settlement"
	"github.com/milestonepay/engine/internal/app/storage/memory"
	"github.com/milestonepay/engine/internal/errors"
	"github.com/milestonepay/engine/internal/operation"
	"github.com/milestonepay/engine/internal/relay"
)

// fakeTransport scripts relay behaviour: receipts appear after a set number
// of polls, or never.
type fakeTransport struct {
	mu        sync.Mutex
	sendErr   error
	receipt   *relay.Receipt
	readyAt   int // polls before the receipt appears; -1 means never
	polls     int
	sendCalls int
}

func (f *fakeTransport) SendOperation(ctx context.Context, op operation.Signed) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return "op-ref-1", nil
}

func (f *fakeTransport) GetOperationReceipt(ctx context.Context, ref string) (*relay.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.readyAt < 0 || f.polls < f.readyAt {
		return nil, nil
	}
	return f.receipt, nil
}

func (f *fakeTransport) EstimateOperationGas(ctx context.Context, op operation.Signed) (*relay.GasEstimate, error) {
	return &relay.GasEstimate{}, nil
}

func newTestService(t *testing.T, transport *fakeTransport) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	svc := New(Config{
		Store:             store,
		Transport:         transport,
		BackgroundTimeout: 100 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
	})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return svc, store
}

func waitForTerminal(t *testing.T, store *memory.Store, id string) settlement.Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := store.GetSettlement(context.Background(), id)
		if err != nil {
			t.Fatalf("get settlement: %v", err)
		}
		if rec.Status.Terminal() {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("settlement never reached a terminal state")
	return settlement.Record{}
}

func TestSubmitAndTrackSuccess(t *testing.T) {
	transport := &fakeTransport{
		receipt: &relay.Receipt{OperationRef: "op-ref-1", TxHash: "0xtx1", Success: true},
		readyAt: 2,
	}
	svc, store := newTestService(t, transport)

	rec, err := svc.SubmitAndTrack(context.Background(), operation.Signed{}, settlement.Record{
		AccountID: "acct-1",
		Amount:    25,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.Status != settlement.StatusPending {
		t.Fatalf("expected PENDING, got %s", rec.Status)
	}
	if rec.OperationRef != "op-ref-1" {
		t.Fatalf("expected operation ref persisted, got %q", rec.OperationRef)
	}

	final := waitForTerminal(t, store, rec.ID)
	if final.Status != settlement.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s (%s)", final.Status, final.FailureReason)
	}
	if final.TxRef != "0xtx1" {
		t.Fatalf("expected tx ref, got %q", final.TxRef)
	}
	if final.CompletedAt == nil {
		t.Fatal("missing completion time")
	}
}

func TestSubmitAndTrackRevert(t *testing.T) {
	transport := &fakeTransport{
		receipt: &relay.Receipt{OperationRef: "op-ref-1", Success: false, RevertReason: "cap exceeded on-chain"},
		readyAt: 1,
	}
	svc, store := newTestService(t, transport)

	rec, err := svc.SubmitAndTrack(context.Background(), operation.Signed{}, settlement.Record{AccountID: "acct-1", Amount: 5})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final := waitForTerminal(t, store, rec.ID)
	if final.Status != settlement.StatusFailed {
		t.Fatalf("expected FAILED, got %s", final.Status)
	}
	if final.FailureReason != "cap exceeded on-chain" {
		t.Fatalf("expected revert reason, got %q", final.FailureReason)
	}
}

func TestSubmitAndTrackTimeout(t *testing.T) {
	transport := &fakeTransport{readyAt: -1}
	svc, store := newTestService(t, transport)

	rec, err := svc.SubmitAndTrack(context.Background(), operation.Signed{}, settlement.Record{AccountID: "acct-1", Amount: 5})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final := waitForTerminal(t, store, rec.ID)
	if final.Status != settlement.StatusFailed {
		t.Fatalf("expected FAILED, got %s", final.Status)
	}
	if final.FailureReason != TimeoutReason {
		t.Fatalf("expected %q, got %q", TimeoutReason, final.FailureReason)
	}

	// A receipt arriving after the timeout must not flip the record.
	err = store.MarkSettlementTerminal(context.Background(), rec.ID, settlement.StatusSuccess, "", "0xlate", time.Now())
	if !errors.Is(err, errors.ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState for late receipt, got %v", err)
	}
	got, _ := store.GetSettlement(context.Background(), rec.ID)
	if got.Status != settlement.StatusFailed {
		t.Fatalf("late receipt flipped record to %s", got.Status)
	}
}

func TestSubmitRejectionFailsImmediately(t *testing.T) {
	transport := &fakeTransport{sendErr: &errors.RelayError{Code: relay.CodeInvalidSignature, Message: "bad signature"}}
	svc, store := newTestService(t, transport)

	_, err := svc.SubmitAndTrack(context.Background(), operation.Signed{}, settlement.Record{AccountID: "acct-1", Amount: 5})
	if !errors.IsRelayRejection(err) {
		t.Fatalf("expected relay rejection, got %v", err)
	}

	// The record exists and is already FAILED; nothing dangles in PENDING.
	pending, err := store.ListPendingSettlements(context.Background())
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending records, got %d", len(pending))
	}
}

func TestStartResumesPendingWatchers(t *testing.T) {
	store := memory.New()
	rec, err := store.CreateSettlement(context.Background(), settlement.Record{
		AccountID:    "acct-1",
		Amount:       5,
		OperationRef: "op-ref-1",
		Status:       settlement.StatusPending,
	})
	if err != nil {
		t.Fatalf("seed record: %v", err)
	}

	transport := &fakeTransport{
		receipt: &relay.Receipt{OperationRef: "op-ref-1", TxHash: "0xtx1", Success: true},
		readyAt: 1,
	}
	svc := New(Config{
		Store:             store,
		Transport:         transport,
		BackgroundTimeout: 100 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
	})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop(context.Background())

	final := waitForTerminal(t, store, rec.ID)
	if final.Status != settlement.StatusSuccess {
		t.Fatalf("expected resumed watcher to confirm, got %s", final.Status)
	}
}

func TestWaitForReturnsNilOnTimeout(t *testing.T) {
	transport := &fakeTransport{readyAt: -1}
	svc, _ := newTestService(t, transport)

	receipt, err := svc.WaitFor(context.Background(), "op-ref-1", 30*time.Millisecond, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("waitFor: %v", err)
	}
	if receipt != nil {
		t.Fatal("expected nil receipt on timeout")
	}
}

func TestWaitForDefaultsToForegroundTimeout(t *testing.T) {
	transport := &fakeTransport{readyAt: -1}
	store := memory.New()
	svc := New(Config{
		Store:             store,
		Transport:         transport,
		ForegroundTimeout: 30 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
	})

	start := time.Now()
	receipt, err := svc.WaitFor(context.Background(), "op-ref-1", 0, 0)
	if err != nil {
		t.Fatalf("waitFor: %v", err)
	}
	if receipt != nil {
		t.Fatal("expected nil receipt on timeout")
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond || elapsed > time.Second {
		t.Fatalf("expected the configured foreground bound, waited %v", elapsed)
	}
	if transport.polls == 0 {
		t.Fatal("expected at least one poll before the deadline")
	}
}
