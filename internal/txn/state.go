// Package txn implements the two-phase commit transaction coordinator
// (C7): the PENDING→PREPARING→PREPARED→COMMITTING→COMMITTED /
// ABORTING→ABORTED state machine, its durable persistence, and crash
// recovery.
package txn

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oriondb/oriondb/internal/shardstore/kv"
	"github.com/oriondb/oriondb/pkg/errors"
)

// Status is a transaction's position in the 2PC state machine.
type Status string

const (
	Pending    Status = "PENDING"
	Preparing  Status = "PREPARING"
	Prepared   Status = "PREPARED"
	Committing Status = "COMMITTING"
	Committed  Status = "COMMITTED"
	Aborting   Status = "ABORTING"
	Aborted    Status = "ABORTED"
)

// IsTerminal reports whether s has no outgoing transitions.
func (s Status) IsTerminal() bool {
	return s == Committed || s == Aborted
}

const txKeyPrefix = "tx:"

// Op is a single write or delete that is part of a transaction, matching
// the shape shardstore.TxOp expects at the participant. It is also the
// wire shape of one entry in a POST /transactions request body.
type Op struct {
	Op         string         `json:"op"` // PUT, DELETE
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Transaction is the coordinator's durable record for one 2PC run.
type Transaction struct {
	TxID         string
	Status       Status
	Operations   []Op
	Participants []string

	Prepared  map[string]bool
	Committed map[string]bool
	Aborted   map[string]bool

	StartedAt   time.Time
	ExpiresAt   time.Time
	PreparedAt  *time.Time
	CommittedAt *time.Time
	AbortedAt   *time.Time
	Error       string
}

func newTransaction(txID string, ops []Op, participants []string, timeout time.Duration) *Transaction {
	now := time.Now()
	return &Transaction{
		TxID:         txID,
		Status:       Pending,
		Operations:   ops,
		Participants: participants,
		Prepared:     make(map[string]bool),
		Committed:    make(map[string]bool),
		Aborted:      make(map[string]bool),
		StartedAt:    now,
		ExpiresAt:    now.Add(timeout),
	}
}

func newTxID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("tx-fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

func txKey(txID string) string {
	return txKeyPrefix + txID
}

func saveTransaction(ctx context.Context, store kv.Store, tx *Transaction) error {
	raw, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encoding transaction %s: %w", tx.TxID, err)
	}
	return store.Put(ctx, txKey(tx.TxID), raw)
}

func loadTransaction(ctx context.Context, store kv.Store, txID string) (*Transaction, error) {
	raw, err := store.Get(ctx, txKey(txID))
	if err != nil {
		if err == errors.ErrDocumentNotFound {
			return nil, errors.ErrTransactionNotFound
		}
		return nil, err
	}
	var tx Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("decoding transaction %s: %w", txID, err)
	}
	return &tx, nil
}

// loadAllTransactions scans every durable transaction record, used on
// coordinator startup to reload in-flight transactions.
func loadAllTransactions(ctx context.Context, store kv.Store) ([]*Transaction, error) {
	raw, err := store.List(ctx, txKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	txs := make([]*Transaction, 0, len(raw))
	for key, data := range raw {
		if !strings.HasPrefix(key, txKeyPrefix) {
			continue
		}
		var tx Transaction
		if err := json.Unmarshal(data, &tx); err != nil {
			return nil, fmt.Errorf("decoding transaction at %s: %w", key, err)
		}
		txs = append(txs, &tx)
	}
	return txs, nil
}

func filterOps(ops []Op, resolve func(Op) string, shardID string) []Op {
	var out []Op
	for _, op := range ops {
		if resolve(op) == shardID {
			out = append(out, op)
		}
	}
	return out
}
