package kvstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/btcsuite/btcwallet/walletdb"
)

// pendingOp is one buffered mutation recorded against a writable Tx,
// in call order, before compaction resolves the net effect per key.
type pendingOp struct {
	key   []byte
	erase bool
	value []byte
}

// Tx is a single transaction against a sub-database. Write transactions
// buffer their operations in memory; nothing is allocated a counter or
// written to disk until Commit resolves each key's net effect.
type Tx struct {
	handle   *Handle
	writable bool
	dbTx     walletdb.ReadTx
	rwTx     walletdb.ReadWriteTx // non-nil iff writable
	bucket   walletdb.ReadBucket

	saltedRoot []byte
	baseIndex  map[string]uint32
	pending    []pendingOp
	done       bool

	// parent is non-nil for a nested transaction: one opened against a
	// context that already carries a live transaction for this same
	// handle. Nested transactions share the parent's dbTx/bucket/view
	// and never touch the engine-wide lock; Commit folds their pending
	// ops up into the parent instead of writing anything themselves.
	parent *Tx
}

type txContextKey struct{ handle *Handle }

// WithTx returns a context carrying tx as the active transaction for
// tx's sub-database. A Begin call made against the same handle, from
// code reached through this context, nests inside tx and shares its
// staged view instead of contending for the engine-wide transaction
// lock. This is how a single logical operation that calls into several
// helpers, each of which opens its own transaction, avoids tripping
// ErrBusy against itself while still catching genuine contention from
// another goroutine.
func WithTx(ctx context.Context, tx *Tx) context.Context {
	return context.WithValue(ctx, txContextKey{tx.handle}, tx)
}

func txFromContext(ctx context.Context, h *Handle) *Tx {
	tx, _ := ctx.Value(txContextKey{h}).(*Tx)
	return tx
}

// Begin starts a transaction against the sub-database. If ctx carries an
// already-open transaction for this handle (see WithTx), the returned
// transaction nests inside it and shares its staged view; otherwise at
// most one transaction, read or write, may be live system-wide at a
// time, and Begin returns ErrBusy rather than blocking if another
// goroutine already holds it.
func (h *Handle) Begin(ctx context.Context, writable bool) (*Tx, error) {
	if parent := txFromContext(ctx, h); parent != nil {
		if parent.done {
			return nil, fmt.Errorf("kvstore: parent transaction already closed")
		}
		if writable && !parent.writable {
			return nil, fmt.Errorf("kvstore: nested writable transaction inside a read-only parent")
		}

		return &Tx{
			handle:     h,
			writable:   writable,
			dbTx:       parent.dbTx,
			rwTx:       parent.rwTx,
			bucket:     parent.bucket,
			saltedRoot: parent.saltedRoot,
			baseIndex:  parent.baseIndex,
			parent:     parent,
		}, nil
	}

	if !h.engine.txLock.TryLock() {
		return nil, ErrBusy
	}

	seed, err := h.seeds.Seed()
	if err != nil {
		h.engine.txLock.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrSeedUnavailable, err)
	}

	var dbTx walletdb.ReadTx
	var rwTx walletdb.ReadWriteTx
	if writable {
		rwTx, err = h.engine.db.BeginReadWriteTx()
		dbTx = rwTx
	} else {
		dbTx, err = h.engine.db.BeginReadTx()
	}
	if err != nil {
		h.engine.txLock.Unlock()
		return nil, fmt.Errorf("kvstore: beginning transaction: %w", err)
	}

	bucket := dbTx.ReadBucket(h.name)
	if bucket == nil {
		dbTx.Rollback()
		h.engine.txLock.Unlock()
		return nil, ErrNotOpen
	}

	h.mu.Lock()
	baseIndex := make(map[string]uint32, len(h.index))
	for k, v := range h.index {
		baseIndex[k] = v
	}
	h.mu.Unlock()

	return &Tx{
		handle:     h,
		writable:   writable,
		dbTx:       dbTx,
		rwTx:       rwTx,
		bucket:     bucket,
		saltedRoot: deriveSaltedRoot(h.controlSalt, seed),
		baseIndex:  baseIndex,
	}, nil
}

func (tx *Tx) release() {
	tx.done = true
	tx.handle.engine.txLock.Unlock()
}

// Insert buffers the creation or replacement of key's value. The write
// takes effect only if Commit succeeds.
func (tx *Tx) Insert(key, value []byte) error {
	if !tx.writable {
		return fmt.Errorf("kvstore: insert on a read-only transaction")
	}
	if tx.done {
		return fmt.Errorf("kvstore: transaction already closed")
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}

	tx.pending = append(tx.pending, pendingOp{
		key:   append([]byte{}, key...),
		value: append([]byte{}, value...),
	})

	return nil
}

// Erase buffers the removal of key. Erasing a key with no live value,
// including one only just inserted and erased again within this same
// transaction, is a no-op.
func (tx *Tx) Erase(key []byte) error {
	if !tx.writable {
		return fmt.Errorf("kvstore: erase on a read-only transaction")
	}
	if tx.done {
		return fmt.Errorf("kvstore: transaction already closed")
	}

	tx.pending = append(tx.pending, pendingOp{
		key:   append([]byte{}, key...),
		erase: true,
	})

	return nil
}

// Get looks up key's current value, reflecting this transaction's own
// buffered-but-uncommitted writes (and, for a nested transaction, its
// ancestors' buffered writes too) as well as the committed state the
// outermost transaction was opened against.
func (tx *Tx) Get(key []byte) ([]byte, error) {
	if tx.done {
		return nil, fmt.Errorf("kvstore: transaction already closed")
	}

	if op, found := tx.latestPending(key); found {
		if op.erase {
			return nil, nil
		}
		return op.value, nil
	}

	counter, live := tx.baseIndex[string(key)]
	if !live {
		return nil, nil
	}

	return tx.fetchValue(counter)
}

// pendingChain returns every pending op visible to tx, in chronological
// order: its ancestors' buffered ops first, then its own. A nested
// transaction's reads must see its parent's uncommitted writes, since
// from the caller's perspective they're part of the same logical
// operation.
func (tx *Tx) pendingChain() []pendingOp {
	if tx.parent == nil {
		return tx.pending
	}
	return append(tx.parent.pendingChain(), tx.pending...)
}

// latestPending returns the most recent pending op buffered against key,
// anywhere in tx's ancestor chain, if any.
func (tx *Tx) latestPending(key []byte) (pendingOp, bool) {
	chain := tx.pendingChain()
	for i := len(chain) - 1; i >= 0; i-- {
		if string(chain[i].key) == string(key) {
			return chain[i], true
		}
	}
	return pendingOp{}, false
}

func (tx *Tx) fetchValue(counter uint32) ([]byte, error) {
	raw := tx.bucket.Get(counterKeyBytes(counter))
	if raw == nil {
		return nil, fmt.Errorf("kvstore: missing record for counter %d", counter)
	}

	keys, err := deriveEpochKeys(tx.saltedRoot, counter)
	if err != nil {
		return nil, err
	}
	payload, err := openEntry(keys.privKey, keys.macKey, counter, raw)
	if err != nil {
		return nil, err
	}

	_, value, err := parseInsertRecord(payload)
	return value, err
}

// Iterator snapshots every live key/value pair visible at the start of
// this transaction, decrypted in counter order.
func (tx *Tx) Iterator() ([]KV, error) {
	if tx.done {
		return nil, fmt.Errorf("kvstore: transaction already closed")
	}

	counters := make([]uint32, 0, len(tx.baseIndex))
	keyAt := make(map[uint32]string, len(tx.baseIndex))
	for key, counter := range tx.baseIndex {
		counters = append(counters, counter)
		keyAt[counter] = key
	}
	sort.Slice(counters, func(i, j int) bool { return counters[i] < counters[j] })

	out := make([]KV, 0, len(counters))
	for _, counter := range counters {
		value, err := tx.fetchValue(counter)
		if err != nil {
			return nil, err
		}
		out = append(out, KV{Key: []byte(keyAt[counter]), Value: value})
	}

	return out, nil
}

// KV is a decrypted key/value pair returned from Iterator.
type KV struct {
	Key   []byte
	Value []byte
}

// EntryCount returns the number of live entries visible at the start of
// this transaction.
func (tx *Tx) EntryCount() int {
	return len(tx.baseIndex)
}

// netEffect is the resolved outcome of every pending op against a single
// data-key, computed from baseIndex plus pending in Commit.
type netEffect struct {
	wasLive    bool
	oldCounter uint32
	live       bool
	value      []byte
}

// Commit runs the compaction protocol: the entire sub-database is
// cleared and rewritten from scratch, under fresh counters and fresh
// per-counter epoch keys, so that every live entry is re-keyed on every
// commit rather than only the ones this transaction happened to touch.
// A key inserted and erased again within the same transaction, never
// having been live beforehand, leaves no physical record at all.
//
// Committing a nested transaction does none of this directly: it folds
// its buffered ops up into its parent's and returns, leaving the actual
// compaction to whichever Commit call closes out the outermost
// transaction.
func (tx *Tx) Commit() error {
	if !tx.writable {
		return fmt.Errorf("kvstore: commit on a read-only transaction")
	}
	if tx.done {
		return fmt.Errorf("kvstore: transaction already closed")
	}

	if tx.parent != nil {
		tx.parent.pending = append(tx.parent.pending, tx.pending...)
		tx.done = true
		return nil
	}

	defer tx.release()

	effects := make(map[string]*netEffect)
	order := make([]string, 0, len(tx.pending))
	for _, op := range tx.pending {
		k := string(op.key)
		eff, seen := effects[k]
		if !seen {
			counter, wasLive := tx.baseIndex[k]
			eff = &netEffect{wasLive: wasLive, oldCounter: counter, live: wasLive}
			effects[k] = eff
			order = append(order, k)
		}
		if op.erase {
			eff.live = false
			eff.value = nil
		} else {
			eff.live = true
			eff.value = op.value
		}
	}

	// Read every untouched live value out of the pre-commit snapshot
	// before it's cleared below. These are carried forward unchanged,
	// but under a fresh counter and a fresh ECIES envelope.
	type liveEntry struct {
		key   string
		value []byte
	}
	carried := make([]liveEntry, 0, len(tx.baseIndex))
	for k, counter := range tx.baseIndex {
		if _, touched := effects[k]; touched {
			continue
		}
		value, err := tx.fetchValue(counter)
		if err != nil {
			tx.dbTx.Rollback()
			return err
		}
		carried = append(carried, liveEntry{key: k, value: value})
	}

	if err := tx.rwTx.DeleteTopLevelBucket(tx.handle.name); err != nil {
		tx.dbTx.Rollback()
		return fmt.Errorf("kvstore: clearing sub-database for compaction: %w", err)
	}
	rwBucket, err := tx.rwTx.CreateTopLevelBucket(tx.handle.name)
	if err != nil {
		tx.dbTx.Rollback()
		return fmt.Errorf("kvstore: recreating sub-database: %w", err)
	}

	h := tx.handle
	h.mu.Lock()
	defer h.mu.Unlock()

	counter := uint32(1)
	sentinel := buildInsertRecord(nil, cycleSentinel)
	if err := tx.writeRecord(rwBucket, 0, sentinel); err != nil {
		tx.dbTx.Rollback()
		return err
	}

	h.index = make(map[string]uint32, len(carried)+len(order))
	h.counterKey = make(map[uint32]string, len(carried)+len(order))

	writeLive := func(key string, value []byte) error {
		record := buildInsertRecord([]byte(key), value)
		if err := tx.writeRecord(rwBucket, counter, record); err != nil {
			return err
		}
		h.index[key] = counter
		h.counterKey[counter] = key
		counter++
		return nil
	}

	for _, entry := range carried {
		if err := writeLive(entry.key, entry.value); err != nil {
			tx.dbTx.Rollback()
			return err
		}
	}

	for _, k := range order {
		eff := effects[k]
		if eff.live {
			if err := writeLive(k, eff.value); err != nil {
				tx.dbTx.Rollback()
				return err
			}
		}
		if eff.wasLive {
			erasure := buildInsertRecord(nil, buildErasureRecord(eff.oldCounter))
			if err := tx.writeRecord(rwBucket, counter, erasure); err != nil {
				tx.dbTx.Rollback()
				return err
			}
			counter++
		}
	}

	h.nextCounter = counter

	if err := tx.rwTx.Commit(); err != nil {
		return fmt.Errorf("kvstore: committing: %w", err)
	}

	return nil
}

func (tx *Tx) writeRecord(bucket walletdb.ReadWriteBucket, counter uint32, payload []byte) error {
	keys, err := deriveEpochKeys(tx.saltedRoot, counter)
	if err != nil {
		return err
	}
	envelope, err := sealEntry(keys.pubKey, keys.macKey, counter, payload)
	if err != nil {
		return err
	}
	return bucket.Put(counterKeyBytes(counter), envelope)
}

// Rollback discards a transaction's buffered operations without writing
// anything. Rolling back a nested transaction only discards its own
// buffered ops; it never touches the parent's, or the underlying
// walletdb transaction, which the parent still owns.
func (tx *Tx) Rollback() error {
	if tx.done {
		return fmt.Errorf("kvstore: transaction already closed")
	}

	if tx.parent != nil {
		tx.done = true
		return nil
	}

	defer tx.release()

	return tx.dbTx.Rollback()
}
