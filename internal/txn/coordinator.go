package txn

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oriondb/oriondb/internal/shardstore/kv"
	"github.com/oriondb/oriondb/pkg/errors"
)

// ParticipantClient is how the coordinator talks to a shard's participant
// surface. A production wiring implements it over pkg/grpc against
// cmd/shardnode; tests supply an in-memory fake.
type ParticipantClient interface {
	Prepare(ctx context.Context, shardID, txID string, ops []Op, expiresAt time.Time) (bool, error)
	Commit(ctx context.Context, shardID, txID string) error
	Abort(ctx context.Context, shardID, txID string) error
}

const (
	defaultTimeout     = 10 * time.Second
	initialCommitRetry = 200 * time.Millisecond
	maxCommitRetry     = 30 * time.Second
)

// Coordinator drives the two-phase commit state machine across a dynamic
// set of participants: a state-owning component with a background loop and
// durable-store persistence, generalized from index-flush lifecycle
// management to 2PC transaction lifecycle management.
type Coordinator struct {
	store              kv.Store
	participants       ParticipantClient
	resolveParticipant func(Op) string

	mu     sync.Mutex
	txs    map[string]*Transaction
	timers map[string]*time.Timer

	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Coordinator. resolveParticipant maps an Op to the shard id
// that owns it; pass nil to use the default "one participant per distinct
// collection" mapping the contract describes as a placeholder for real
// Router-backed resolution.
func New(store kv.Store, participants ParticipantClient, resolveParticipant func(Op) string) *Coordinator {
	if resolveParticipant == nil {
		resolveParticipant = func(op Op) string { return op.Collection }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:              store,
		participants:       participants,
		resolveParticipant: resolveParticipant,
		txs:                make(map[string]*Transaction),
		timers:             make(map[string]*time.Timer),
		logger:             slog.Default().With("component", "txn-coordinator"),
		ctx:                ctx,
		cancel:             cancel,
	}
}

// Close stops all pending commit-retry loops and timers. It does not alter
// any transaction's durable state.
func (c *Coordinator) Close() {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.timers {
		t.Stop()
	}
}

// Begin derives the participant set from ops, persists a new PENDING
// transaction, and arms its timeout timer.
func (c *Coordinator) Begin(ctx context.Context, ops []Op, timeout time.Duration) (*Transaction, error) {
	if len(ops) == 0 {
		return nil, errors.Newf(errors.ErrInvalidInput, 400, "transaction requires at least one operation")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	seen := make(map[string]bool)
	for _, op := range ops {
		seen[c.resolveParticipant(op)] = true
	}
	participants := make([]string, 0, len(seen))
	for p := range seen {
		participants = append(participants, p)
	}
	sort.Strings(participants)

	tx := newTransaction(newTxID(), ops, participants, timeout)
	if err := saveTransaction(ctx, c.store, tx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.txs[tx.TxID] = tx
	c.armTimerLocked(tx.TxID, timeout)
	c.mu.Unlock()

	return tx, nil
}

// Prepare transitions a PENDING transaction to PREPARING, dispatches
// PREPARE to every participant, and moves to PREPARED on unanimous OK or
// drives abort otherwise.
func (c *Coordinator) Prepare(ctx context.Context, txID string) error {
	tx, err := c.requireStatus(txID, Pending)
	if err != nil {
		return err
	}

	c.setStatus(tx, Preparing)
	if err := saveTransaction(ctx, c.store, tx); err != nil {
		return err
	}

	ok, voteErr := c.dispatchPrepare(ctx, tx)
	if !ok {
		c.driveAbort(ctx, tx)
		if voteErr != nil {
			return voteErr
		}
		return errors.Newf(errors.ErrTransactionConflict, 409, "transaction %s aborted: a participant refused to prepare", txID)
	}

	now := time.Now()
	c.mu.Lock()
	tx.Status = Prepared
	tx.PreparedAt = &now
	c.mu.Unlock()
	return saveTransaction(ctx, c.store, tx)
}

func (c *Coordinator) dispatchPrepare(ctx context.Context, tx *Transaction) (bool, error) {
	type vote struct {
		shardID string
		ok      bool
		err     error
	}
	votes := make(chan vote, len(tx.Participants))
	for _, shardID := range tx.Participants {
		go func(shardID string) {
			ops := filterOps(tx.Operations, c.resolveParticipant, shardID)
			ok, err := c.participants.Prepare(ctx, shardID, tx.TxID, ops, tx.ExpiresAt)
			votes <- vote{shardID: shardID, ok: ok, err: err}
		}(shardID)
	}

	var firstErr error
	allOK := true
	for range tx.Participants {
		v := <-votes
		if v.err != nil {
			c.logger.Warn("participant prepare failed", "tx", tx.TxID, "shard", v.shardID, "error", v.err)
			if firstErr == nil {
				firstErr = v.err
			}
			allOK = false
			continue
		}
		if !v.ok {
			allOK = false
			continue
		}
		c.mu.Lock()
		tx.Prepared[v.shardID] = true
		c.mu.Unlock()
	}
	return allOK, firstErr
}

// Commit transitions a PREPARED transaction to COMMITTING and drives the
// commit loop to completion in the background; per the contract, commit
// failures never roll back and retry indefinitely.
func (c *Coordinator) Commit(ctx context.Context, txID string) error {
	tx, err := c.requireStatus(txID, Prepared)
	if err != nil {
		return err
	}
	c.setStatus(tx, Committing)
	if err := saveTransaction(ctx, c.store, tx); err != nil {
		return err
	}
	c.driveCommit(tx)
	return nil
}

// driveCommit retries commit against every not-yet-committed participant
// with exponential backoff until all acknowledge, then finalizes COMMITTED.
// It runs against the coordinator's own lifetime context, not the request
// context that initiated Commit, since the contract requires it to outlive
// the original RPC.
func (c *Coordinator) driveCommit(tx *Transaction) {
	go func() {
		backoff := initialCommitRetry
		for {
			if c.ctx.Err() != nil {
				return
			}
			if c.commitRound(tx) {
				now := time.Now()
				c.mu.Lock()
				tx.Status = Committed
				tx.CommittedAt = &now
				c.mu.Unlock()
				c.clearTimer(tx.TxID)
				if err := saveTransaction(c.ctx, c.store, tx); err != nil {
					c.logger.Error("persisting committed transaction failed", "tx", tx.TxID, "error", err)
				}
				return
			}
			select {
			case <-time.After(backoff):
			case <-c.ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxCommitRetry {
				backoff = maxCommitRetry
			}
		}
	}()
}

func (c *Coordinator) commitRound(tx *Transaction) bool {
	c.mu.Lock()
	pending := make([]string, 0, len(tx.Participants))
	for _, shardID := range tx.Participants {
		if !tx.Committed[shardID] {
			pending = append(pending, shardID)
		}
	}
	c.mu.Unlock()

	for _, shardID := range pending {
		if err := c.participants.Commit(c.ctx, shardID, tx.TxID); err != nil {
			c.logger.Warn("participant commit failed, will retry", "tx", tx.TxID, "shard", shardID, "error", err)
			continue
		}
		c.mu.Lock()
		tx.Committed[shardID] = true
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return len(tx.Committed) == len(tx.Participants)
}

// Abort drives abort for any transaction not already committing or
// terminal.
func (c *Coordinator) Abort(ctx context.Context, txID string) error {
	c.mu.Lock()
	tx, ok := c.txs[txID]
	c.mu.Unlock()
	if !ok {
		return errors.ErrTransactionNotFound
	}
	if tx.Status == Committing || tx.Status.IsTerminal() {
		return errors.Newf(errors.ErrTransactionConflict, 409, "transaction %s cannot be aborted from %s", txID, tx.Status)
	}
	c.driveAbort(ctx, tx)
	return nil
}

// driveAbort moves tx to ABORTING, best-effort notifies every participant
// (a failure is recorded but never blocks finalization), and marks ABORTED.
func (c *Coordinator) driveAbort(ctx context.Context, tx *Transaction) {
	c.setStatus(tx, Aborting)
	_ = saveTransaction(ctx, c.store, tx)

	var wg sync.WaitGroup
	for _, shardID := range tx.Participants {
		wg.Add(1)
		go func(shardID string) {
			defer wg.Done()
			if err := c.participants.Abort(ctx, shardID, tx.TxID); err != nil {
				c.logger.Warn("participant abort failed, recording and continuing", "tx", tx.TxID, "shard", shardID, "error", err)
				return
			}
			c.mu.Lock()
			tx.Aborted[shardID] = true
			c.mu.Unlock()
		}(shardID)
	}
	wg.Wait()

	now := time.Now()
	c.mu.Lock()
	tx.Status = Aborted
	tx.AbortedAt = &now
	c.mu.Unlock()
	c.clearTimer(tx.TxID)
	_ = saveTransaction(ctx, c.store, tx)
}

// Get returns the current in-memory view of a transaction.
func (c *Coordinator) Get(txID string) (*Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[txID]
	if !ok {
		return nil, errors.ErrTransactionNotFound
	}
	return tx, nil
}

func (c *Coordinator) requireStatus(txID string, want Status) (*Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[txID]
	if !ok {
		return nil, errors.ErrTransactionNotFound
	}
	if tx.Status != want {
		return nil, errors.Newf(errors.ErrTransactionConflict, 409, "transaction %s is %s, not %s", txID, tx.Status, want)
	}
	return tx, nil
}

func (c *Coordinator) setStatus(tx *Transaction, s Status) {
	c.mu.Lock()
	tx.Status = s
	c.mu.Unlock()
}

func (c *Coordinator) armTimerLocked(txID string, timeout time.Duration) {
	c.timers[txID] = time.AfterFunc(timeout, func() { c.handleTimeout(txID) })
}

func (c *Coordinator) clearTimer(txID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[txID]; ok {
		t.Stop()
		delete(c.timers, txID)
	}
}

func (c *Coordinator) handleTimeout(txID string) {
	c.mu.Lock()
	tx, ok := c.txs[txID]
	var status Status
	if ok {
		status = tx.Status
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if status == Pending || status == Preparing || status == Prepared {
		c.logger.Info("transaction timed out, driving abort", "tx", txID, "status", status)
		c.driveAbort(c.ctx, tx)
	}
}

// Recover reloads every non-terminal transaction from durable storage,
// re-arms its timer against the remaining time until ExpiresAt, and
// re-drives the phase implied by its persisted status: PREPARING retries
// prepare, PREPARED retries commit unless already expired, in which case
// it aborts instead. COMMITTING always resumes the commit loop, expired or
// not; any other transaction already past ExpiresAt is aborted.
func (c *Coordinator) Recover(ctx context.Context) error {
	all, err := loadAllTransactions(ctx, c.store)
	if err != nil {
		return err
	}
	for _, tx := range all {
		if tx.Status.IsTerminal() {
			continue
		}
		c.mu.Lock()
		c.txs[tx.TxID] = tx
		c.mu.Unlock()

		remaining := time.Until(tx.ExpiresAt)
		if remaining <= 0 && tx.Status != Committing {
			c.driveAbort(ctx, tx)
			continue
		}
		c.mu.Lock()
		c.armTimerLocked(tx.TxID, remaining)
		c.mu.Unlock()

		switch tx.Status {
		case Preparing:
			go func(tx *Transaction) {
				ok, voteErr := c.dispatchPrepare(c.ctx, tx)
				if !ok {
					c.driveAbort(c.ctx, tx)
					return
				}
				_ = voteErr
				now := time.Now()
				c.mu.Lock()
				tx.Status = Prepared
				tx.PreparedAt = &now
				c.mu.Unlock()
				_ = saveTransaction(c.ctx, c.store, tx)
			}(tx)
		case Prepared, Committing:
			c.setStatus(tx, Committing)
			_ = saveTransaction(ctx, c.store, tx)
			c.driveCommit(tx)
		case Aborting:
			c.driveAbort(ctx, tx)
		}
	}
	return nil
}
