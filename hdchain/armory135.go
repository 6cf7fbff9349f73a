package hdchain

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Armory135Node is one link of a legacy Armory 1.35-style chained-key
// wallet: each key in the chain is derived from the previous one's public
// key and a fixed chain code, rather than BIP32's hardened/normal HMAC
// tree. Unlike BIP32, a chain code here is generated once, at account
// creation, and reused for every step.
type Armory135Node struct {
	Index     uint32
	ChainCode [32]byte
	PrivKey   *btcec.PrivateKey
	PubKey    *btcec.PublicKey
}

// NewArmory135Root builds the first node of a legacy chain from a root
// private key and chain code.
func NewArmory135Root(rootPriv *btcec.PrivateKey, chainCode [32]byte) *Armory135Node {
	return &Armory135Node{
		ChainCode: chainCode,
		PrivKey:   rootPriv,
		PubKey:    rootPriv.PubKey(),
	}
}

// NewArmory135WatchingRoot builds the first node of a legacy chain from a
// root public key only, for watching-only wallets.
func NewArmory135WatchingRoot(rootPub *btcec.PublicKey, chainCode [32]byte) *Armory135Node {
	return &Armory135Node{
		ChainCode: chainCode,
		PubKey:    rootPub,
	}
}

// chainStep computes H(pub ‖ chaincode) reduced to a curve scalar. This is
// the single hop Armory135 adds to the previous key, both publicly and
// privately, to produce the next one in the chain:
//
//	priv_i = priv_{i-1} + H(pub_{i-1} ‖ chaincode) mod n
//	pub_i  = pub_{i-1} + H(pub_{i-1} ‖ chaincode)*G
func chainStep(pub *btcec.PublicKey, chainCode [32]byte) secp256k1.ModNScalar {
	data := append(append([]byte{}, pub.SerializeCompressed()...), chainCode[:]...)
	digest := sha256.Sum256(data)

	var scalar secp256k1.ModNScalar
	scalar.SetByteSlice(digest[:])
	return scalar
}

// Next derives the following node in the chain.
func (n *Armory135Node) Next() (*Armory135Node, error) {
	step := chainStep(n.PubKey, n.ChainCode)
	if step.IsZero() {
		return nil, fmt.Errorf("hdchain: armory135 index %d produced a "+
			"degenerate chain step", n.Index+1)
	}

	next := &Armory135Node{
		Index:     n.Index + 1,
		ChainCode: n.ChainCode,
	}

	if n.PrivKey != nil {
		var scalar secp256k1.ModNScalar
		scalar.Set(&n.PrivKey.Key)
		scalar.Add(&step)
		if scalar.IsZero() {
			return nil, fmt.Errorf("hdchain: armory135 index %d produced "+
				"a degenerate private key", n.Index+1)
		}
		next.PrivKey = secp256k1.NewPrivateKey(&scalar)
		next.PubKey = next.PrivKey.PubKey()
		return next, nil
	}

	tweak := secp256k1.NewPrivateKey(&step)
	next.PubKey = btcec.CombinePubkeys([]*btcec.PublicKey{n.PubKey, tweak.PubKey()})

	return next, nil
}

// Neuter strips the private key, yielding a watching-only node that can
// still extend the chain publicly.
func (n *Armory135Node) Neuter() *Armory135Node {
	return &Armory135Node{
		Index:     n.Index,
		ChainCode: n.ChainCode,
		PubKey:    n.PubKey,
	}
}
