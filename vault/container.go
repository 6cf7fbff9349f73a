// Package vault implements the passphrase-gated secret container that
// guards a wallet's master key: any number of passphrases can unlock the
// same underlying secret, each wrapping it independently via a
// memory-hard KDF, so a wallet can be shared among several holders
// without any of them learning the others' passphrases.
package vault

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcwallet/snacl"
	"github.com/btcsuite/btcwallet/walletdb"
)

var bucketName = []byte("vault-passphrases")

// DefaultKDFTimeTarget is the wall-clock budget sealPassphrase calibrates
// scrypt's N parameter against when the caller passes a zero or negative
// targetKDFTime.
const DefaultKDFTimeTarget = 250 * time.Millisecond

// Container is a passphrase-gated secret container persisted in a
// walletdb top-level bucket. It holds zero or more passphrase records,
// each an independent scrypt-wrapped copy of the same master key.
type Container struct {
	db   walletdb.DB
	name []byte

	mu        sync.Mutex
	unlocked  bool
	masterKey []byte
}

// passphraseRecord is one (snacl parameters || ciphertext) entry, keyed
// by a sequential record ID.
type passphraseRecord struct {
	id         uint32
	keyParams  []byte
	ciphertext []byte
}

// Open attaches a Container to the named bucket of db, creating the
// bucket if it doesn't exist. The container starts locked; call
// CreateUnlocked or Unlock next.
func Open(db walletdb.DB, name string) (*Container, error) {
	c := &Container{db: db, name: []byte(name)}

	err := db.Update(func(tx walletdb.ReadWriteTx) error {
		_, err := tx.CreateTopLevelBucket(c.name)
		return err
	}, func() {})
	if err != nil {
		return nil, fmt.Errorf("vault: opening container: %w", err)
	}

	return c, nil
}

// CreateUnlocked initializes a fresh container with a single passphrase,
// generates a random master key, and leaves the container unlocked. It
// fails if the container already has passphrase records. An empty
// passphrase is accepted: it is the declared default for a wallet that
// hasn't opted into passphrase protection yet, sealed and unlocked the
// same way any other passphrase is.
func (c *Container) CreateUnlocked(passphrase []byte, targetKDFTime time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.loadRecords()
	if err != nil {
		return err
	}
	if len(records) != 0 {
		return fmt.Errorf("vault: container already initialized")
	}

	masterKey := make([]byte, 32)
	if _, err := rand.Read(masterKey); err != nil {
		return fmt.Errorf("vault: generating master key: %w", err)
	}

	record, err := sealPassphrase(0, passphrase, masterKey, targetKDFTime)
	if err != nil {
		return err
	}

	if err := c.storeRecord(record); err != nil {
		return err
	}

	c.masterKey = masterKey
	c.unlocked = true

	return nil
}

// Unlock attempts to decrypt the master key with passphrase against
// every registered passphrase record. It returns ErrWrongPassphrase if
// none match. An empty passphrase unlocks a container created (or
// demoted, via ErasePassphrase) to the unencrypted default.
func (c *Container) Unlock(passphrase []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unlocked {
		return ErrAlreadyLocked
	}

	records, err := c.loadRecords()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return ErrNoPassphrases
	}

	for _, record := range records {
		masterKey, ok := tryOpenPassphrase(record, passphrase)
		if ok {
			c.masterKey = masterKey
			c.unlocked = true
			return nil
		}
	}

	return ErrWrongPassphrase
}

// Lock zeroizes the in-memory master key and returns the container to
// its locked state.
func (c *Container) Lock() {
	c.mu.Lock()
	defer c.mu.Unlock()

	zero(c.masterKey)
	c.masterKey = nil
	c.unlocked = false
}

// Seed implements kvstore.SeedSource, returning the unlocked master key.
// It is the same key material every sub-database's epoch derivation
// chains from.
func (c *Container) Seed() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.unlocked {
		return nil, ErrNotLocked
	}

	return append([]byte{}, c.masterKey...), nil
}

// AddPassphrase registers a new passphrase that decrypts the same master
// key, independent of every other registered passphrase. The container
// must already be unlocked. It refuses an empty passphrase, since
// that's not a passphrase at all, and it refuses to extend a container
// that's still at its unencrypted default: ChangePassphrase from the
// empty passphrase to a real one first.
func (c *Container) AddPassphrase(passphrase []byte, targetKDFTime time.Duration) error {
	if len(passphrase) == 0 {
		return ErrEmptyPassphrase
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.unlocked {
		return ErrNotLocked
	}

	records, err := c.loadRecords()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return ErrCannotAddPassphraseToUnencrypted
	}
	for _, r := range records {
		if _, ok := tryOpenPassphrase(r, nil); ok {
			return ErrCannotAddPassphraseToUnencrypted
		}
	}

	nextID := uint32(0)
	for _, r := range records {
		if r.id >= nextID {
			nextID = r.id + 1
		}
	}

	record, err := sealPassphrase(nextID, passphrase, c.masterKey, targetKDFTime)
	if err != nil {
		return err
	}

	return c.storeRecord(record)
}

// ChangePassphrase re-wraps the master key under newPassphrase in place
// of the record that oldPassphrase currently unlocks. Every other
// passphrase record, and every ciphertext the master key in turn
// protects downstream (every kvstore sub-database record), is
// untouched: only this one record's scrypt parameters and ciphertext
// rotate. Either passphrase may be empty: an empty oldPassphrase
// promotes an unencrypted container's sentinel record to a real one;
// an empty newPassphrase demotes it back (see ErasePassphrase).
func (c *Container) ChangePassphrase(oldPassphrase, newPassphrase []byte, targetKDFTime time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.loadRecords()
	if err != nil {
		return err
	}

	var target *passphraseRecord
	var masterKey []byte
	for i := range records {
		if mk, ok := tryOpenPassphrase(records[i], oldPassphrase); ok {
			target = &records[i]
			masterKey = mk
			break
		}
	}
	if target == nil {
		return ErrWrongPassphrase
	}

	newRecord, err := sealPassphrase(target.id, newPassphrase, masterKey, targetKDFTime)
	if err != nil {
		return err
	}

	if err := c.storeRecord(newRecord); err != nil {
		return err
	}

	if c.unlocked {
		zero(c.masterKey)
		c.masterKey = masterKey
		c.unlocked = true
	}

	return nil
}

// ErasePassphrase demotes the record oldPassphrase currently unlocks
// back to the unencrypted default: anyone can unlock it afterward with
// an empty passphrase. Every other registered passphrase record, if
// any, is left in place.
func (c *Container) ErasePassphrase(oldPassphrase []byte, targetKDFTime time.Duration) error {
	return c.ChangePassphrase(oldPassphrase, nil, targetKDFTime)
}

// UnlockPrompter supplies a passphrase candidate for the registered
// record ids, or returns an error to abort the unlock attempt rather
// than retry.
type UnlockPrompter func(ids []uint32) ([]byte, error)

// UnlockWithPrompt repeatedly calls prompt for a passphrase candidate
// and attempts Unlock with it, retrying on a wrong guess until Unlock
// succeeds or prompt itself returns an error.
func (c *Container) UnlockWithPrompt(prompt UnlockPrompter) error {
	for {
		ids, err := c.recordIDs()
		if err != nil {
			return err
		}

		passphrase, err := prompt(ids)
		if err != nil {
			return err
		}

		err = c.Unlock(passphrase)
		if err == nil || !errors.Is(err, ErrWrongPassphrase) {
			return err
		}
	}
}

func (c *Container) recordIDs() ([]uint32, error) {
	records, err := c.loadRecords()
	if err != nil {
		return nil, err
	}

	ids := make([]uint32, len(records))
	for i, r := range records {
		ids[i] = r.id
	}
	return ids, nil
}

func (c *Container) loadRecords() ([]passphraseRecord, error) {
	var records []passphraseRecord

	err := c.db.View(func(tx walletdb.ReadTx) error {
		bucket := tx.ReadBucket(c.name)
		if bucket == nil {
			return nil
		}
		cursor := bucket.ReadCursor()
		defer cursor.Close()

		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if len(k) != 4 || len(v) < 4 {
				continue
			}
			paramsLen := binary.BigEndian.Uint32(v[:4])
			if uint32(len(v)) < 4+paramsLen {
				continue
			}
			records = append(records, passphraseRecord{
				id:         binary.BigEndian.Uint32(k),
				keyParams:  append([]byte{}, v[4:4+paramsLen]...),
				ciphertext: append([]byte{}, v[4+paramsLen:]...),
			})
		}
		return nil
	}, func() {})

	return records, err
}

func (c *Container) storeRecord(record passphraseRecord) error {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], record.id)

	value := make([]byte, 4, 4+len(record.keyParams)+len(record.ciphertext))
	binary.BigEndian.PutUint32(value, uint32(len(record.keyParams)))
	value = append(value, record.keyParams...)
	value = append(value, record.ciphertext...)

	return c.db.Update(func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(c.name)
		if bucket == nil {
			return fmt.Errorf("vault: bucket missing")
		}
		return bucket.Put(key[:], value)
	}, func() {})
}

// sealPassphrase calibrates scrypt's cost parameter N against
// targetKDFTime, then wraps masterKey under passphrase. Calibration
// doubles N starting from snacl.DefaultN, timing each trial key
// derivation, until a trial takes at least targetKDFTime or a hard cap
// on N is reached.
func sealPassphrase(id uint32, passphrase, masterKey []byte, targetKDFTime time.Duration) (passphraseRecord, error) {
	if targetKDFTime <= 0 {
		targetKDFTime = DefaultKDFTimeTarget
	}

	n := snacl.DefaultN
	const maxN = 1 << 21

	var key *snacl.SecretKey
	for {
		pass := append([]byte{}, passphrase...)
		start := time.Now()
		candidate, err := snacl.NewSecretKey(&pass, n, snacl.DefaultR, snacl.DefaultP)
		elapsed := time.Since(start)
		if err != nil {
			return passphraseRecord{}, fmt.Errorf(
				"vault: deriving passphrase key: %w", err)
		}

		if elapsed >= targetKDFTime || n >= maxN {
			key = candidate
			break
		}
		n *= 2
	}

	ciphertext, err := key.Encrypt(masterKey)
	if err != nil {
		return passphraseRecord{}, fmt.Errorf("vault: encrypting master key: %w", err)
	}

	return passphraseRecord{
		id:         id,
		keyParams:  key.Marshal(),
		ciphertext: ciphertext,
	}, nil
}

// tryOpenPassphrase attempts to decrypt record's ciphertext with
// passphrase, returning the recovered master key on success.
func tryOpenPassphrase(record passphraseRecord, passphrase []byte) ([]byte, bool) {
	var key snacl.SecretKey
	if err := key.Unmarshal(record.keyParams); err != nil {
		return nil, false
	}

	pass := append([]byte{}, passphrase...)
	if err := key.DeriveKey(&pass); err != nil {
		return nil, false
	}
	defer key.Zero()

	masterKey, err := key.Decrypt(record.ciphertext)
	if err != nil {
		return nil, false
	}

	return masterKey, true
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
