package vault

import "errors"

var (
	// ErrAlreadyLocked is returned by Unlock when the container is
	// already unlocked.
	ErrAlreadyLocked = errors.New("vault: container is already unlocked")

	// ErrNotLocked is returned by Seed and AddPassphrase when the
	// container is locked and they need the master key.
	ErrNotLocked = errors.New("vault: container is locked")

	// ErrEmptyPassphrase is returned by AddPassphrase when given a
	// passphrase of zero length: an empty passphrase is the unencrypted
	// default, not a second factor to add alongside a real one.
	ErrEmptyPassphrase = errors.New("vault: passphrase must not be empty")

	// ErrCannotAddPassphraseToUnencrypted is returned by AddPassphrase
	// when the container was created with CreateUnlocked under an empty
	// passphrase and is still at that unencrypted default.
	ErrCannotAddPassphraseToUnencrypted = errors.New("vault: cannot add " +
		"a passphrase to an unencrypted container")

	// ErrWrongPassphrase is returned by Unlock and ChangePassphrase when
	// no registered passphrase record can be decrypted with the
	// supplied passphrase.
	ErrWrongPassphrase = errors.New("vault: no passphrase record matches " +
		"the supplied passphrase")

	// ErrNoPassphrases is returned by Unlock when the container has no
	// passphrase records at all.
	ErrNoPassphrases = errors.New("vault: container has no registered " +
		"passphrases")
)
