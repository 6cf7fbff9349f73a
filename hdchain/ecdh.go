package hdchain

import (
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// SettlementAccount implements the ECDH account type: a single base key
// pair, and a sequence of caller-registered 32-byte salts each assigned
// the next integer salt-id. The address for salt-id i is salt_i · pub,
// a plain EC scalar multiplication of the account's own base public
// key — not a two-party ECDH handshake with a counterparty key. A
// watching-only SettlementAccount holds no private key and can still
// compute salt_i · pub for every registered salt, just not salt_i · priv.
type SettlementAccount struct {
	pub  *btcec.PublicKey
	priv *btcec.PrivateKey // nil on a watching-only settlement account

	mu          sync.Mutex
	salts       [][32]byte
	indexBySalt map[string]uint32
}

// NewSettlementAccount wraps priv as the base key pair of a new ECDH
// settlement account with no salts registered yet.
func NewSettlementAccount(priv *btcec.PrivateKey) *SettlementAccount {
	return &SettlementAccount{
		priv:        priv,
		pub:         priv.PubKey(),
		indexBySalt: make(map[string]uint32),
	}
}

// NewWatchingSettlementAccount wraps pub as the base public key of a
// watching-only ECDH settlement account.
func NewWatchingSettlementAccount(pub *btcec.PublicKey) *SettlementAccount {
	return &SettlementAccount{
		pub:         pub,
		indexBySalt: make(map[string]uint32),
	}
}

// PubKey returns the settlement account's own base public key.
func (s *SettlementAccount) PubKey() *btcec.PublicKey {
	return s.pub
}

// AddSalt idempotently registers salt against this settlement account,
// assigning it the next sequential salt-id on first registration.
// Calling AddSalt again with a salt value already registered returns
// its existing id rather than allocating a new one, so either side of a
// handshake can call AddSalt without coordinating who goes first.
func (s *SettlementAccount) AddSalt(salt [32]byte) (index uint32, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := string(salt[:])
	if idx, ok := s.indexBySalt[key]; ok {
		return idx, nil
	}

	var scalar secp256k1.ModNScalar
	if scalar.SetByteSlice(salt[:]) || scalar.IsZero() {
		return 0, ErrDegenerateSalt
	}

	idx := uint32(len(s.salts))
	s.salts = append(s.salts, salt)
	s.indexBySalt[key] = idx

	return idx, nil
}

// SaltCount returns how many salts have been registered.
func (s *SettlementAccount) SaltCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32(len(s.salts))
}

// saltAt returns the salt registered at index, under the lock.
func (s *SettlementAccount) saltAt(index uint32) ([32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index >= uint32(len(s.salts)) {
		return [32]byte{}, ErrUnknownSaltIndex
	}
	return s.salts[index], nil
}

// PubKeyAt returns salt_i · pub, the address-producing public key for
// the salt registered at index.
func (s *SettlementAccount) PubKeyAt(index uint32) (*btcec.PublicKey, error) {
	salt, err := s.saltAt(index)
	if err != nil {
		return nil, err
	}

	var scalar secp256k1.ModNScalar
	scalar.SetByteSlice(salt[:])

	var pubJ, resultJ btcec.JacobianPoint
	s.pub.AsJacobian(&pubJ)
	btcec.ScalarMultNonConst(&scalar, &pubJ, &resultJ)
	resultJ.ToAffine()

	return btcec.NewPublicKey(&resultJ.X, &resultJ.Y), nil
}

// PrivKeyAt returns salt_i · priv, the private key matching PubKeyAt's
// address-producing public key for the salt registered at index. It
// fails with ErrNoPrivateKey on a watching-only settlement account.
func (s *SettlementAccount) PrivKeyAt(index uint32) (*btcec.PrivateKey, error) {
	if s.priv == nil {
		return nil, ErrNoPrivateKey
	}

	salt, err := s.saltAt(index)
	if err != nil {
		return nil, err
	}

	var scalar secp256k1.ModNScalar
	scalar.SetByteSlice(salt[:])

	result := new(secp256k1.ModNScalar).Set(&s.priv.Key)
	result.Mul(&scalar)

	return secp256k1.NewPrivateKey(result), nil
}

// Neuter strips the private key, producing a watching-only settlement
// account that retains every salt already registered, so a watching-only
// fork recomputes the identical sequence of addresses without ever
// holding the base private key.
func (s *SettlementAccount) Neuter() *SettlementAccount {
	s.mu.Lock()
	defer s.mu.Unlock()

	neutered := NewWatchingSettlementAccount(s.pub)
	neutered.salts = append([][32]byte{}, s.salts...)
	for k, v := range s.indexBySalt {
		neutered.indexBySalt[k] = v
	}
	return neutered
}
