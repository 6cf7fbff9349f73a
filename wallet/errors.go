package wallet

import "errors"

var (
	// ErrShortPassphrase is returned by every operation that accepts a
	// new passphrase when it is shorter than MinPassphraseLength.
	ErrShortPassphrase = errors.New("wallet: passphrase must have at " +
		"least 8 characters")

	// ErrUnknownSubDb is returned when an operation names a sub-database
	// that hasn't been opened with AddSubDb.
	ErrUnknownSubDb = errors.New("wallet: unknown sub-database")

	// ErrUnknownAccount is returned when an operation names an account
	// that hasn't been created with CreateAccount.
	ErrUnknownAccount = errors.New("wallet: unknown account")

	// ErrWatchingOnly is returned by any operation that requires a
	// private key on a wallet forked with ForkWatchingOnly.
	ErrWatchingOnly = errors.New("wallet: operation requires a private " +
		"key, but this wallet is watching-only")

	// ErrDbCountDecrease is returned by SetDbCount when asked to lower
	// the sub-database ceiling below its current value; this
	// module doesn't guess at how to retire a live sub-database, so it
	// refuses rather than silently drop one.
	ErrDbCountDecrease = errors.New("wallet: db count may only be " +
		"increased")
)

// MinPassphraseLength is the minimum accepted passphrase length, carried
// over unchanged from the length check on the wallet-unlock flow this
// façade's Create/ChangePassphrase operations are grounded on.
const MinPassphraseLength = 8

// ValidatePassphrase enforces MinPassphraseLength on any non-empty
// passphrase. An empty passphrase is always accepted: it is the declared
// default for an unencrypted wallet, not a too-short password.
func ValidatePassphrase(passphrase []byte) error {
	if len(passphrase) == 0 {
		return nil
	}
	if len(passphrase) < MinPassphraseLength {
		return ErrShortPassphrase
	}
	return nil
}
