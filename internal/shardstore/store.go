// Package shardstore implements the per-shard document store (C5): CRUD,
// filter/sort/pagination queries, the collection secondary index, and the
// participant half of two-phase commit.
package shardstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oriondb/oriondb/internal/document"
	"github.com/oriondb/oriondb/internal/shardstore/kv"
	"github.com/oriondb/oriondb/pkg/errors"
)

const collectionIndexKey = "__collections"

// Filter is a single AND-ed query condition.
type Filter struct {
	Field string
	Op    string
	Value any
}

// SortKey orders query results by a dotted field path.
type SortKey struct {
	Field      string
	Descending bool
}

// QueryOptions controls sort and pagination for Query. Limit follows the
// same negative-is-unbounded, zero-is-literally-zero convention as the
// coordinator's query.Options, since it travels over the wire as the same
// int value.
type QueryOptions struct {
	Sort   []SortKey
	Limit  int
	Offset int
}

// QueryResult is the outcome of a per-shard Query call.
type QueryResult struct {
	Documents []document.Document
	Total     int
}

// pendingOp is a staged mutation awaiting commit or abort.
type pendingOp struct {
	op         string // PUT, DELETE
	collection string
	id         string
	payload    map[string]any
}

// pendingTx is one in-flight prepared transaction's staged state.
type pendingTx struct {
	ops       []pendingOp
	expiresAt time.Time
}

// Store is a single shard's document store. All mutating operations
// serialize through mu, giving the shard the single-writer semantics the
// durable key-value store's batch writes assume; reads (Get, Query) take no
// lock and read the key-value store directly.
type Store struct {
	kv kv.Store

	mu sync.Mutex

	// locks maps "{collection}:{id}" to the txId currently holding its
	// participant lock, acquired in PREPARE and released on COMMIT, ABORT,
	// or expiry.
	locks map[string]string
	// pending maps txId to its staged operations.
	pending map[string]*pendingTx
}

// New creates a Store over the given durable key-value backend.
func New(backend kv.Store) *Store {
	return &Store{
		kv:      backend,
		locks:   make(map[string]string),
		pending: make(map[string]*pendingTx),
	}
}

func docKey(collection, id string) string {
	return fmt.Sprintf("%s:%s", collection, id)
}

func lockKey(collection, id string) string {
	return docKey(collection, id)
}

// ---------- collection index ----------

type collectionIndex map[string][]string

func (s *Store) loadIndex(ctx context.Context) (collectionIndex, error) {
	raw, err := s.kv.Get(ctx, collectionIndexKey)
	if err != nil {
		if err == errors.ErrDocumentNotFound {
			return collectionIndex{}, nil
		}
		return nil, err
	}
	var idx collectionIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("decoding collection index: %w", err)
	}
	return idx, nil
}

func (s *Store) saveIndex(ctx context.Context, idx collectionIndex) error {
	raw, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("encoding collection index: %w", err)
	}
	return s.kv.Put(ctx, collectionIndexKey, raw)
}

func (idx collectionIndex) add(collection, id string) {
	ids := idx[collection]
	for _, existing := range ids {
		if existing == id {
			return
		}
	}
	idx[collection] = append(ids, id)
	sort.Strings(idx[collection])
}

func (idx collectionIndex) remove(collection, id string) {
	ids := idx[collection]
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	if len(out) == 0 {
		delete(idx, collection)
		return
	}
	idx[collection] = out
}

// ---------- CRUD ----------

// Get returns the document at (collection, id).
func (s *Store) Get(ctx context.Context, collection, id string) (document.Document, error) {
	raw, err := s.kv.Get(ctx, docKey(collection, id))
	if err != nil {
		return document.Document{}, err
	}
	var doc document.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return document.Document{}, fmt.Errorf("decoding document %s/%s: %w", collection, id, err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return document.Document{}, fmt.Errorf("decoding document %s/%s: %w", collection, id, err)
	}
	doc.Payload, _ = document.StripReserved(fields)
	return doc, nil
}

// Put creates or replaces (collection, id). Created reports whether this
// was a new document (HTTP 201 semantics) versus a replace (HTTP 200).
func (s *Store) Put(ctx context.Context, collection, id string, payload map[string]any) (doc document.Document, created bool, err error) {
	if !document.ValidateCollection(collection) {
		return document.Document{}, false, errors.Newf(errors.ErrInvalidDocument, 400, "invalid collection name %q", collection)
	}
	if !document.ValidateID(id) {
		return document.Document{}, false, errors.Newf(errors.ErrInvalidDocument, 400, "invalid document id %q", id)
	}
	clean, hadReserved := document.StripReserved(payload)
	_ = hadReserved

	raw, err := json.Marshal(clean)
	if err != nil {
		return document.Document{}, false, fmt.Errorf("encoding payload: %w", err)
	}
	if len(raw) > document.MaxDocBytes {
		return document.Document{}, false, errors.New(errors.ErrDocumentTooLarge, 400, "payload exceeds maximum document size")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	existing, getErr := s.Get(ctx, collection, id)
	created = getErr != nil

	if created {
		doc = document.Document{
			ID: id, Collection: collection, Version: 1,
			CreatedAt: now, UpdatedAt: now, Payload: clean,
		}
	} else {
		doc = document.Document{
			ID: id, Collection: collection, Version: existing.Version + 1,
			CreatedAt: existing.CreatedAt, UpdatedAt: now, Payload: clean,
		}
	}

	if err := s.writeDocLocked(ctx, doc); err != nil {
		return document.Document{}, false, err
	}
	if created {
		idx, err := s.loadIndex(ctx)
		if err != nil {
			return document.Document{}, false, err
		}
		idx.add(collection, id)
		if err := s.saveIndex(ctx, idx); err != nil {
			return document.Document{}, false, err
		}
	}
	return doc, created, nil
}

func (s *Store) writeDocLocked(ctx context.Context, doc document.Document) error {
	raw, err := json.Marshal(doc.ToJSON())
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}
	return s.kv.Put(ctx, docKey(doc.Collection, doc.ID), raw)
}

// Delete removes (collection, id) and its index entry.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.Get(ctx, collection, id); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, docKey(collection, id)); err != nil {
		return err
	}
	idx, err := s.loadIndex(ctx)
	if err != nil {
		return err
	}
	idx.remove(collection, id)
	return s.saveIndex(ctx, idx)
}

// Query loads every document in collection, applies the AND of filters,
// sorts, and paginates. Total reflects the post-filter, pre-pagination
// count.
func (s *Store) Query(ctx context.Context, collection string, filters []Filter, opts QueryOptions) (QueryResult, error) {
	idx, err := s.loadIndex(ctx)
	if err != nil {
		return QueryResult{}, err
	}
	ids := idx[collection]

	docs := make([]document.Document, 0, len(ids))
	for _, id := range ids {
		doc, err := s.Get(ctx, collection, id)
		if err != nil {
			continue // index/document drift; skip rather than fail the whole query
		}
		if matchesAll(doc, filters) {
			docs = append(docs, doc)
		}
	}

	if len(opts.Sort) > 0 {
		sortDocuments(docs, opts.Sort)
	}

	total := len(docs)

	if opts.Limit == 0 {
		return QueryResult{Documents: []document.Document{}, Total: total}, nil
	}

	start := opts.Offset
	if start > len(docs) {
		start = len(docs)
	}
	end := len(docs)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}

	return QueryResult{Documents: docs[start:end], Total: total}, nil
}

func matchesAll(doc document.Document, filters []Filter) bool {
	for _, f := range filters {
		v := document.FieldValue(doc, f.Field)
		if !document.Compare(v, f.Op, f.Value) {
			return false
		}
	}
	return true
}

func sortDocuments(docs []document.Document, keys []SortKey) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, k := range keys {
			vi := document.FieldValue(docs[i], k.Field)
			vj := document.FieldValue(docs[j], k.Field)
			if document.Compare(vi, "<", vj) {
				return !k.Descending
			}
			if document.Compare(vj, "<", vi) {
				return k.Descending
			}
		}
		return false
	})
}

// ---------- two-phase commit participant ----------

// TxOp is one write or delete staged by a PREPARE call.
type TxOp struct {
	Op         string // PUT or DELETE
	Collection string
	ID         string
	Payload    map[string]any
}

// Prepare stages ops for txId and acquires a per-(collection,id) lock on
// each target, held until Commit, Abort, or expiresAt passes. It votes NO
// (returns false) if any target is already locked by a different, still
// live transaction, or if any op fails validation; in either case no locks
// are acquired and the call has no effect.
func (s *Store) Prepare(ctx context.Context, txID string, ops []TxOp, expiresAt time.Time) (bool, error) {
	for _, op := range ops {
		if op.Op != "PUT" && op.Op != "DELETE" {
			return false, errors.Newf(errors.ErrInvalidInput, 400, "unknown op %q", op.Op)
		}
		if !document.ValidateCollection(op.Collection) || !document.ValidateID(op.ID) {
			return false, errors.Newf(errors.ErrInvalidInput, 400, "invalid target %s/%s", op.Collection, op.ID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.releaseExpiredLocked()

	if _, already := s.pending[txID]; already {
		return true, nil // idempotent re-prepare from a retried coordinator call
	}

	keys := make([]string, 0, len(ops))
	for _, op := range ops {
		key := lockKey(op.Collection, op.ID)
		if holder, locked := s.locks[key]; locked && holder != txID {
			return false, nil
		}
		keys = append(keys, key)
	}
	for _, key := range keys {
		s.locks[key] = txID
	}

	staged := make([]pendingOp, len(ops))
	for i, op := range ops {
		clean, _ := document.StripReserved(op.Payload)
		staged[i] = pendingOp{op: op.Op, collection: op.Collection, id: op.ID, payload: clean}
	}
	s.pending[txID] = &pendingTx{ops: staged, expiresAt: expiresAt}
	return true, nil
}

// Commit applies a previously prepared transaction's staged ops and
// releases its locks. It is idempotent: committing an unknown txId (already
// committed, or expired and rolled back) is a no-op success, matching the
// at-least-once delivery the coordinator's retry policy assumes.
func (s *Store) Commit(ctx context.Context, txID string) error {
	s.mu.Lock()
	tx, ok := s.pending[txID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.pending, txID)
	s.releaseLocksForLocked(tx)
	s.mu.Unlock()

	for _, op := range tx.ops {
		switch op.op {
		case "PUT":
			if _, _, err := s.Put(ctx, op.collection, op.id, op.payload); err != nil {
				return fmt.Errorf("commit %s put %s/%s: %w", txID, op.collection, op.id, err)
			}
		case "DELETE":
			if err := s.Delete(ctx, op.collection, op.id); err != nil && err != errors.ErrDocumentNotFound {
				return fmt.Errorf("commit %s delete %s/%s: %w", txID, op.collection, op.id, err)
			}
		}
	}
	return nil
}

// Abort discards a prepared transaction's staged ops and releases its
// locks. Aborting an unknown txId is a no-op success.
func (s *Store) Abort(ctx context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.pending[txID]
	if !ok {
		return nil
	}
	delete(s.pending, txID)
	s.releaseLocksForLocked(tx)
	return nil
}

// releaseExpiredLocked drops staged state and locks for any prepared
// transaction whose expiresAt has passed without a commit or abort.
func (s *Store) releaseExpiredLocked() {
	now := time.Now()
	for txID, tx := range s.pending {
		if now.After(tx.expiresAt) {
			delete(s.pending, txID)
			s.releaseLocksForLocked(tx)
		}
	}
}

func (s *Store) releaseLocksForLocked(tx *pendingTx) {
	for _, op := range tx.ops {
		delete(s.locks, lockKey(op.collection, op.id))
	}
}
