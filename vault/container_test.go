package vault

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/stretchr/testify/require"
)

const testKDFTime = time.Millisecond

func openTestDB(t *testing.T) walletdb.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "vault.db")
	db, err := walletdb.Create("bdb", dbPath, true, 10*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func TestCreateUnlockedAndLock(t *testing.T) {
	db := openTestDB(t)
	c, err := Open(db, "vault")
	require.NoError(t, err)

	require.NoError(t, c.CreateUnlocked([]byte("correct horse battery staple"), testKDFTime))

	seed, err := c.Seed()
	require.NoError(t, err)
	require.Len(t, seed, 32)

	c.Lock()
	_, err = c.Seed()
	require.ErrorIs(t, err, ErrNotLocked)
}

func TestUnlockWithWrongPassphraseFails(t *testing.T) {
	db := openTestDB(t)
	c, err := Open(db, "vault")
	require.NoError(t, err)
	require.NoError(t, c.CreateUnlocked([]byte("right passphrase"), testKDFTime))
	c.Lock()

	err = c.Unlock([]byte("wrong passphrase"))
	require.ErrorIs(t, err, ErrWrongPassphrase)

	require.NoError(t, c.Unlock([]byte("right passphrase")))
}

func TestAddPassphraseBothUnlock(t *testing.T) {
	db := openTestDB(t)
	c, err := Open(db, "vault")
	require.NoError(t, err)
	require.NoError(t, c.CreateUnlocked([]byte("first"), testKDFTime))

	require.NoError(t, c.AddPassphrase([]byte("second"), testKDFTime))

	firstSeed, err := c.Seed()
	require.NoError(t, err)

	c.Lock()
	require.NoError(t, c.Unlock([]byte("second")))
	secondSeed, err := c.Seed()
	require.NoError(t, err)

	require.Equal(t, firstSeed, secondSeed)
}

func TestChangePassphraseRotatesOnlyThatRecord(t *testing.T) {
	db := openTestDB(t)
	c, err := Open(db, "vault")
	require.NoError(t, err)
	require.NoError(t, c.CreateUnlocked([]byte("old-pass"), testKDFTime))
	require.NoError(t, c.AddPassphrase([]byte("other-pass"), testKDFTime))

	seedBefore, err := c.Seed()
	require.NoError(t, err)

	require.NoError(t, c.ChangePassphrase([]byte("old-pass"), []byte("new-pass"), testKDFTime))

	c.Lock()
	err = c.Unlock([]byte("old-pass"))
	require.ErrorIs(t, err, ErrWrongPassphrase)

	require.NoError(t, c.Unlock([]byte("new-pass")))
	seedAfter, err := c.Seed()
	require.NoError(t, err)
	require.Equal(t, seedBefore, seedAfter)

	c.Lock()
	require.NoError(t, c.Unlock([]byte("other-pass")))
}

func TestAddPassphraseRequiresUnlocked(t *testing.T) {
	db := openTestDB(t)
	c, err := Open(db, "vault")
	require.NoError(t, err)
	require.NoError(t, c.CreateUnlocked([]byte("pass"), testKDFTime))
	c.Lock()

	err = c.AddPassphrase([]byte("another"), testKDFTime)
	require.ErrorIs(t, err, ErrNotLocked)
}

func TestEmptyPassphraseIsUnencryptedDefault(t *testing.T) {
	db := openTestDB(t)
	c, err := Open(db, "vault")
	require.NoError(t, err)
	require.NoError(t, c.CreateUnlocked(nil, testKDFTime))

	c.Lock()
	require.NoError(t, c.Unlock(nil))

	err = c.AddPassphrase([]byte("real-pass"), testKDFTime)
	require.ErrorIs(t, err, ErrCannotAddPassphraseToUnencrypted)
}

func TestChangePassphrasePromotesFromEmpty(t *testing.T) {
	db := openTestDB(t)
	c, err := Open(db, "vault")
	require.NoError(t, err)
	require.NoError(t, c.CreateUnlocked(nil, testKDFTime))

	require.NoError(t, c.ChangePassphrase(nil, []byte("real-pass"), testKDFTime))
	require.NoError(t, c.AddPassphrase([]byte("second"), testKDFTime))

	c.Lock()
	err = c.Unlock(nil)
	require.ErrorIs(t, err, ErrWrongPassphrase)
	require.NoError(t, c.Unlock([]byte("real-pass")))
}

func TestErasePassphraseDemotesToEmpty(t *testing.T) {
	db := openTestDB(t)
	c, err := Open(db, "vault")
	require.NoError(t, err)
	require.NoError(t, c.CreateUnlocked([]byte("real-pass"), testKDFTime))

	require.NoError(t, c.ErasePassphrase([]byte("real-pass"), testKDFTime))

	c.Lock()
	require.NoError(t, c.Unlock(nil))
}

func TestUnlockWithPromptRetriesOnWrongGuess(t *testing.T) {
	db := openTestDB(t)
	c, err := Open(db, "vault")
	require.NoError(t, err)
	require.NoError(t, c.CreateUnlocked([]byte("right-pass"), testKDFTime))
	c.Lock()

	guesses := [][]byte{[]byte("wrong-once"), []byte("right-pass")}
	attempt := 0
	err = c.UnlockWithPrompt(func(ids []uint32) ([]byte, error) {
		guess := guesses[attempt]
		attempt++
		return guess, nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempt)
}
