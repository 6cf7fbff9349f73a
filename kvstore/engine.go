// Package kvstore implements the encrypted, ordered key-value engine that
// backs every wallet sub-database: a logical namespace of counter-indexed
// records, each sealed in its own ECIES envelope and authenticated with an
// HMAC tag, layered on top of an external transactional KV store.
package kvstore

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
)

// dbType is the walletdb driver this engine opens. The memory-mapped bbolt
// B-tree backend is the only one a standalone wallet engine needs; the
// etcd and postgres kvdb backends lnd offers for multi-node deployments
// have no role here.
const dbType = "bdb"

const openTimeout = 10 * time.Second

// cycleSentinel is the literal cleartext stored at counter 0 of every
// sub-database, written at creation, rewritten by every commit, and checked
// on every open.
var cycleSentinel = []byte("cycle")

// erasedLiteral prefixes an erasure record's cleartext, followed by
// varint(4) and the erased counter in big-endian.
var erasedLiteral = []byte("erased")

// SeedSource supplies the decrypted wallet seed used to derive every
// sub-database's epoch keys. Implementations are expected to fail while
// the backing secret container is locked, keeping kvstore decoupled from
// how that seed is actually protected.
type SeedSource interface {
	Seed() ([]byte, error)
}

// Engine owns the single physical walletdb environment a wallet's
// sub-databases are multiplexed onto as top-level buckets.
type Engine struct {
	db walletdb.DB

	// txLock enforces the engine-wide invariant that at most one
	// transaction, read or write, is live at a time. walletdb's bbolt
	// driver would otherwise block a caller until the previous writer
	// releases the file lock; this engine instead fails fast with
	// ErrBusy so callers can apply their own retry policy.
	txLock sync.Mutex
}

// Open creates or opens the walletdb environment at path.
func Open(path string, create bool) (*Engine, error) {
	var db walletdb.DB
	var err error
	if create {
		db, err = walletdb.Create(dbType, path, true, openTimeout)
	} else {
		db, err = walletdb.Open(dbType, path, true, openTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore: opening environment: %w", err)
	}

	return &Engine{db: db}, nil
}

// DB returns the underlying walletdb environment, so sibling packages
// (the secret container) can store their own top-level buckets in the
// same physical file instead of opening a second one.
func (e *Engine) DB() walletdb.DB {
	return e.db
}

// Close releases the underlying walletdb environment. It refuses to close
// while a transaction is outstanding.
func (e *Engine) Close() error {
	if !e.txLock.TryLock() {
		return ErrLiveTransaction
	}
	defer e.txLock.Unlock()

	return e.db.Close()
}

// Handle is an open sub-database: a single top-level bucket plus the
// control salt and seed source needed to derive its per-counter epoch
// keys.
type Handle struct {
	engine      *Engine
	name        []byte
	controlSalt []byte
	seeds       SeedSource

	mu          sync.Mutex
	index       map[string]uint32 // live data-key -> counter
	counterKey  map[uint32]string // counter -> data-key, for the live set
	nextCounter uint32
}

// OpenSubDb opens the named sub-database, creating it (and writing its
// cycle sentinel) if it does not yet exist. controlSalt is combined with
// the unlocked seed to derive every record's epoch key; it never changes
// for the lifetime of the sub-database.
func (e *Engine) OpenSubDb(name string, controlSalt []byte, seeds SeedSource) (*Handle, error) {
	h := &Handle{
		engine:      e,
		name:        []byte(name),
		controlSalt: append([]byte{}, controlSalt...),
		seeds:       seeds,
		index:       make(map[string]uint32),
		counterKey:  make(map[uint32]string),
		nextCounter: 1,
	}

	seed, err := seeds.Seed()
	if err != nil {
		return nil, fmt.Errorf("kvstore: opening %q: %w", name, err)
	}
	saltedRoot := deriveSaltedRoot(h.controlSalt, seed)

	if !e.txLock.TryLock() {
		return nil, ErrBusy
	}
	defer e.txLock.Unlock()

	err = e.db.Update(func(tx walletdb.ReadWriteTx) error {
		bucket, err := tx.CreateTopLevelBucket(h.name)
		if err != nil {
			return err
		}

		sentinelRaw := bucket.Get(counterKeyBytes(0))
		if sentinelRaw == nil {
			keys, err := deriveEpochKeys(saltedRoot, 0)
			if err != nil {
				return err
			}
			payload := buildInsertRecord(nil, cycleSentinel)
			envelope, err := sealEntry(keys.pubKey, keys.macKey, 0, payload)
			if err != nil {
				return err
			}
			return bucket.Put(counterKeyBytes(0), envelope)
		}

		return h.rebuildIndex(bucket, saltedRoot)
	}, func() {})
	if err != nil {
		return nil, fmt.Errorf("kvstore: opening %q: %w", name, err)
	}

	log.Debugf("opened sub-database %q with %d live entries", name, len(h.index))

	return h, nil
}

// rebuildIndex replays every record in counter order, verifying the
// sentinel, validating erasure tombstones, and populating the live
// data-key index. It runs once, at open.
func (h *Handle) rebuildIndex(bucket walletdb.ReadWriteBucket, saltedRoot []byte) error {
	cursor := bucket.ReadCursor()
	defer cursor.Close()

	var maxCounter uint32
	for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
		counter := binary.BigEndian.Uint32(k)
		if counter > maxCounter {
			maxCounter = counter
		}

		keys, err := deriveEpochKeys(saltedRoot, counter)
		if err != nil {
			return err
		}
		payload, err := openEntry(keys.privKey, keys.macKey, counter, v)
		if err != nil {
			return err
		}
		dataKey, value, err := parseInsertRecord(payload)
		if err != nil {
			return err
		}

		if counter == 0 {
			if len(dataKey) != 0 || string(value) != string(cycleSentinel) {
				return ErrCorruptSentinel
			}
			continue
		}

		if len(dataKey) == 0 {
			// An erasure record names a counter of the layout that
			// preceded the commit which wrote it. Every commit rewrites
			// the live set from counter 1, so that counter never refers
			// to a live record in the current file.
			if _, ok := parseErasureRecord(value); !ok {
				return ErrInvalidRecord
			}
			continue
		}

		h.index[string(dataKey)] = counter
		h.counterKey[counter] = string(dataKey)
	}

	h.nextCounter = maxCounter + 1

	return nil
}

// EntryCount returns the number of live entries in the sub-database as of
// the last completed open or commit.
func (h *Handle) EntryCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.index)
}

func counterKeyBytes(counter uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], counter)
	return b[:]
}

func parseErasureRecord(cleartext []byte) (uint32, bool) {
	if len(cleartext) < len(erasedLiteral) {
		return 0, false
	}
	if string(cleartext[:len(erasedLiteral)]) != string(erasedLiteral) {
		return 0, false
	}
	rest := cleartext[len(erasedLiteral):]
	length, n, err := readVarInt(rest)
	if err != nil || length != 4 {
		return 0, false
	}
	rest = rest[n:]
	if len(rest) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(rest[:4]), true
}

func buildErasureRecord(oldCounter uint32) []byte {
	out := append([]byte{}, erasedLiteral...)
	out = append(out, writeVarInt(4)...)
	var be [4]byte
	binary.BigEndian.PutUint32(be[:], oldCounter)
	return append(out, be[:]...)
}

func parseInsertRecord(cleartext []byte) (key, value []byte, err error) {
	keyLen, n, err := readVarInt(cleartext)
	if err != nil {
		return nil, nil, err
	}
	cleartext = cleartext[n:]
	if uint64(len(cleartext)) < keyLen {
		return nil, nil, ErrInvalidRecord
	}
	key, cleartext = cleartext[:keyLen], cleartext[keyLen:]

	valLen, n, err := readVarInt(cleartext)
	if err != nil {
		return nil, nil, err
	}
	cleartext = cleartext[n:]
	if uint64(len(cleartext)) < valLen {
		return nil, nil, ErrInvalidRecord
	}
	value = cleartext[:valLen]

	return key, value, nil
}

func buildInsertRecord(key, value []byte) []byte {
	out := writeVarInt(uint64(len(key)))
	out = append(out, key...)
	out = append(out, writeVarInt(uint64(len(value)))...)
	out = append(out, value...)
	return out
}

// readVarInt decodes a Bitcoin CompactSize integer from the front of buf,
// returning the value and the number of bytes consumed.
func readVarInt(buf []byte) (uint64, int, error) {
	r := byteReader{buf: buf}
	val, err := wire.ReadVarInt(&r, 0)
	if err != nil {
		return 0, 0, fmt.Errorf("kvstore: decoding varint: %w", err)
	}
	return val, r.pos, nil
}

func writeVarInt(val uint64) []byte {
	var w byteWriter
	_ = wire.WriteVarInt(&w, 0, val)
	return w.buf
}

// byteReader/byteWriter adapt a plain byte slice to io.Reader/io.Writer so
// wire's varint helpers, which are defined over streams, can be used on
// in-memory cleartext buffers.
type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) Read(p []byte) (int, error) {
	n := copy(p, r.buf[r.pos:])
	r.pos += n
	if n == 0 {
		return 0, fmt.Errorf("kvstore: short read")
	}
	return n, nil
}

type byteWriter struct {
	buf []byte
}

func (w *byteWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}
