package txn

import (
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"context"

	"github.com/oriondb/oriondb/internal/shardstore/kv"
)

// fakeParticipant is an in-memory ParticipantClient test double.
type fakeParticipant struct {
	mu            sync.Mutex
	voteNo        map[string]bool // shardID -> refuse prepare
	failCommit    map[string]int  // shardID -> remaining failures before success
	prepareCalls  []string
	commitCalls   []string
	abortCalls    []string
}

func newFakeParticipant() *fakeParticipant {
	return &fakeParticipant{
		voteNo:     make(map[string]bool),
		failCommit: make(map[string]int),
	}
}

func (f *fakeParticipant) Prepare(ctx context.Context, shardID, txID string, ops []Op, expiresAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepareCalls = append(f.prepareCalls, shardID)
	return !f.voteNo[shardID], nil
}

func (f *fakeParticipant) Commit(ctx context.Context, shardID, txID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitCalls = append(f.commitCalls, shardID)
	if f.failCommit[shardID] > 0 {
		f.failCommit[shardID]--
		return stderrors.New("transient commit failure")
	}
	return nil
}

func (f *fakeParticipant) Abort(ctx context.Context, shardID, txID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortCalls = append(f.abortCalls, shardID)
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestBeginDerivesParticipantsFromOps(t *testing.T) {
	c := New(kv.NewMemory(), newFakeParticipant(), nil)
	defer c.Close()

	tx, err := c.Begin(context.Background(), []Op{
		{Op: "PUT", Collection: "users", ID: "u1"},
		{Op: "PUT", Collection: "orders", ID: "o1"},
		{Op: "PUT", Collection: "users", ID: "u2"},
	}, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tx.Participants) != 2 {
		t.Fatalf("got %d participants, want 2: %+v", len(tx.Participants), tx.Participants)
	}
	if tx.Status != Pending {
		t.Fatalf("status = %s, want PENDING", tx.Status)
	}
}

func TestPrepareAllVoteYesReachesPrepared(t *testing.T) {
	p := newFakeParticipant()
	c := New(kv.NewMemory(), p, nil)
	defer c.Close()

	tx, _ := c.Begin(context.Background(), []Op{{Op: "PUT", Collection: "users", ID: "u1"}}, time.Minute)
	if err := c.Prepare(context.Background(), tx.TxID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := c.Get(tx.TxID)
	if got.Status != Prepared {
		t.Fatalf("status = %s, want PREPARED", got.Status)
	}
}

func TestPrepareOneVoteNoAborts(t *testing.T) {
	p := newFakeParticipant()
	c := New(kv.NewMemory(), p, nil)
	defer c.Close()

	tx, _ := c.Begin(context.Background(), []Op{
		{Op: "PUT", Collection: "users", ID: "u1"},
		{Op: "PUT", Collection: "orders", ID: "o1"},
	}, time.Minute)
	p.voteNo["orders"] = true

	if err := c.Prepare(context.Background(), tx.TxID); err == nil {
		t.Fatal("expected prepare to fail when a participant votes no")
	}
	got, _ := c.Get(tx.TxID)
	if got.Status != Aborted {
		t.Fatalf("status = %s, want ABORTED", got.Status)
	}
}

func TestCommitOnlyAllowedFromPrepared(t *testing.T) {
	c := New(kv.NewMemory(), newFakeParticipant(), nil)
	defer c.Close()
	tx, _ := c.Begin(context.Background(), []Op{{Op: "PUT", Collection: "users", ID: "u1"}}, time.Minute)

	if err := c.Commit(context.Background(), tx.TxID); err == nil {
		t.Fatal("expected commit to fail from PENDING")
	}
}

func TestCommitReachesCommittedAfterTransientFailure(t *testing.T) {
	p := newFakeParticipant()
	p.failCommit["users"] = 2
	c := New(kv.NewMemory(), p, nil)
	defer c.Close()

	tx, _ := c.Begin(context.Background(), []Op{{Op: "PUT", Collection: "users", ID: "u1"}}, time.Minute)
	if err := c.Prepare(context.Background(), tx.TxID); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := c.Commit(context.Background(), tx.TxID); err != nil {
		t.Fatalf("commit: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		got, _ := c.Get(tx.TxID)
		return got.Status == Committed
	})
}

func TestAbortNotifiesAllParticipantsBestEffort(t *testing.T) {
	p := newFakeParticipant()
	c := New(kv.NewMemory(), p, nil)
	defer c.Close()

	tx, _ := c.Begin(context.Background(), []Op{
		{Op: "PUT", Collection: "users", ID: "u1"},
		{Op: "PUT", Collection: "orders", ID: "o1"},
	}, time.Minute)
	if err := c.Abort(context.Background(), tx.TxID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := c.Get(tx.TxID)
	if got.Status != Aborted {
		t.Fatalf("status = %s, want ABORTED", got.Status)
	}
	if len(p.abortCalls) != 2 {
		t.Fatalf("expected abort dispatched to both participants, got %v", p.abortCalls)
	}
}

func TestTimeoutDrivesAbortFromPending(t *testing.T) {
	p := newFakeParticipant()
	c := New(kv.NewMemory(), p, nil)
	defer c.Close()

	tx, _ := c.Begin(context.Background(), []Op{{Op: "PUT", Collection: "users", ID: "u1"}}, 20*time.Millisecond)
	waitFor(t, time.Second, func() bool {
		got, _ := c.Get(tx.TxID)
		return got.Status == Aborted
	})
}

func TestRecoverReDrivesPreparingTransaction(t *testing.T) {
	store := kv.NewMemory()
	p := newFakeParticipant()
	c := New(store, p, nil)

	tx, _ := c.Begin(context.Background(), []Op{{Op: "PUT", Collection: "users", ID: "u1"}}, time.Minute)
	// simulate a crash mid-prepare: persist PREPARING without finishing.
	ctx := context.Background()
	got, _ := c.Get(tx.TxID)
	got.Status = Preparing
	if err := saveTransaction(ctx, store, got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.Close()

	c2 := New(store, p, nil)
	defer c2.Close()
	if err := c2.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		got, err := c2.Get(tx.TxID)
		return err == nil && got.Status == Prepared
	})
}
