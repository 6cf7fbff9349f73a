package hdchain

import "errors"

var (
	// ErrNoPrivateKey is returned by any derivation operation that needs
	// a private key when the chain or node in question only holds
	// public material (a watching-only fork, or a BIP32-salted/public
	// chain extended without its private counterpart).
	ErrNoPrivateKey = errors.New("hdchain: no private key available")

	// ErrLocked is returned when a derivation requiring the wallet seed
	// is attempted while the secret container guarding it is locked.
	ErrLocked = errors.New("hdchain: secret container is locked")

	// ErrHardenedPublicDerivation is returned when a hardened child is
	// requested from a node that only has a public key.
	ErrHardenedPublicDerivation = errors.New("hdchain: cannot derive a " +
		"hardened child without the parent private key")

	// ErrUnknownAccountType is returned when an account record names an
	// account type this module doesn't recognize.
	ErrUnknownAccountType = errors.New("hdchain: unknown account type")

	// ErrDegenerateSalt is returned by SettlementAccount.AddSalt when the
	// 32-byte salt does not reduce to a valid, nonzero secp256k1 scalar.
	ErrDegenerateSalt = errors.New("hdchain: salt is not a valid nonzero scalar")

	// ErrUnknownSaltIndex is returned when a settlement account operation
	// names a salt-id beyond what has been registered via AddSalt.
	ErrUnknownSaltIndex = errors.New("hdchain: unknown salt index")

	// ErrNoSaltRegistered is returned by an AccountECDH's NextAddress when
	// the chain has caught up to its registered salts: the caller must
	// AddSalt a new one before the next address can be materialized.
	ErrNoSaltRegistered = errors.New("hdchain: no salt registered for the " +
		"next address in this chain")

	// ErrUnsupportedAddressType is returned when an asset entry or an
	// address materialization request names an address/script type that
	// isn't valid for the account type in question (for example, a
	// Multisig entry with fewer than two co-signer keys).
	ErrUnsupportedAddressType = errors.New("hdchain: unsupported address type for this account")
)
