package kvstore

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// deriveSaltedRoot binds a sub-database's control salt to the unlocked
// wallet seed. It is recomputed from the current seed by OpenSubDb and by
// every outermost Begin, and held by that transaction until it ends; every
// per-counter epoch key is derived from it.
func deriveSaltedRoot(controlSalt, seed []byte) []byte {
	mac := hmac.New(sha256.New, controlSalt)
	mac.Write(seed)
	return mac.Sum(nil)
}

// epochKeys holds the key material derived for a single counter. privKey
// encrypts/decrypts that counter's record via ECIES; macKey authenticates
// its envelope.
type epochKeys struct {
	privKey *btcec.PrivateKey
	pubKey  *btcec.PublicKey
	macKey  []byte
}

// deriveEpochKeys derives the key pair and MAC key for counter from
// saltedRoot. The result depends only on saltedRoot and counter: every
// counter gets its own key material, and a record that a later commit
// rewrites at the same counter reuses that counter's keys, under a fresh
// ephemeral key and IV.
func deriveEpochKeys(saltedRoot []byte, counter uint32) (*epochKeys, error) {
	var be [4]byte
	binary.BigEndian.PutUint32(be[:], counter)

	mac := hmac.New(sha512.New, be[:])
	mac.Write(saltedRoot)
	digest := mac.Sum(nil)

	privHalf, macHalf := digest[:32], digest[32:]

	var scalar secp256k1.ModNScalar
	scalar.SetByteSlice(privHalf)
	if scalar.IsZero() {
		return nil, ErrNoEpochKey
	}

	privKey := secp256k1.NewPrivateKey(&scalar)
	return &epochKeys{
		privKey: privKey,
		pubKey:  privKey.PubKey(),
		macKey:  macHalf,
	}, nil
}
