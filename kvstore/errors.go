package kvstore

import "errors"

var (
	// ErrBusy is returned when a caller attempts to begin a transaction
	// while another transaction, read or write, is live on the same
	// engine, whichever handle it was opened on. Only a transaction
	// nested through WithTx is exempt. The caller should retry.
	ErrBusy = errors.New("kvstore: engine busy, a conflicting " +
		"transaction is live")

	// ErrHmacMismatch is raised when a record's HMAC tag does not match
	// its recomputed value during an open-time integrity scan. This is
	// fatal for the open: either the file was tampered with, or the
	// wrong seed/passphrase was supplied.
	ErrHmacMismatch = errors.New("kvstore: record HMAC mismatch")

	// ErrCorruptSentinel is raised when the counter=0 record of a
	// sub-database does not decrypt to the literal cycle sentinel.
	ErrCorruptSentinel = errors.New("kvstore: counter 0 is not a " +
		"valid cycle sentinel")

	// ErrEmptyKey is returned by Tx.Insert when the caller supplies an
	// empty data-key.
	ErrEmptyKey = errors.New("kvstore: data-key must not be empty")

	// ErrNotOpen is returned when an operation is attempted on a handle
	// that has not completed Open, or that has already been closed.
	ErrNotOpen = errors.New("kvstore: sub-database is not open")

	// ErrLiveTransaction is returned when the engine is asked to shut
	// down while a transaction is still outstanding.
	ErrLiveTransaction = errors.New("kvstore: cannot close engine, " +
		"a transaction is still live")

	// ErrSeedUnavailable is returned by Begin when the transaction requires
	// the epoch seed but the configured SeedSource could not produce one (for
	// example, because the secret container guarding it is locked).
	ErrSeedUnavailable = errors.New("kvstore: seed unavailable, " +
		"secret container is locked")

	// ErrNoEpochKey is returned when a counter's derived scalar reduces
	// to zero mod the curve order. Astronomically unlikely; surfaced as
	// an error rather than silently retried so a caller can pick the
	// next counter.
	ErrNoEpochKey = errors.New("kvstore: counter produced a degenerate " +
		"epoch key")

	// ErrInvalidRecord is returned when a stored record cannot be parsed:
	// its ciphertext envelope is too short to contain an ephemeral public
	// key and IV, its ciphertext length or padding is invalid, or its
	// decrypted payload is not a well-formed insert or erasure record.
	ErrInvalidRecord = errors.New("kvstore: ciphertext envelope is " +
		"malformed")
)
