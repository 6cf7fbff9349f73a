package hdchain

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// HardenedKeyStart is the index at which hardened child derivation begins,
// per BIP32.
const HardenedKeyStart = uint32(1) << 31

var bip32MasterKey = []byte("Bitcoin seed")

// Node is one node of a BIP32 extended key chain. A Node derived from a
// public key only (no PrivKey) can still derive further public-only
// children and materialize addresses, but cannot sign or derive hardened
// children.
type Node struct {
	Depth     uint8
	ChildNum  uint32
	ChainCode [32]byte
	PrivKey   *btcec.PrivateKey
	PubKey    *btcec.PublicKey
}

// NewMasterNode derives the root BIP32 node from a wallet seed.
func NewMasterNode(seed []byte) (*Node, error) {
	mac := hmac.New(sha512.New, bip32MasterKey)
	mac.Write(seed)
	digest := mac.Sum(nil)

	il, ir := digest[:32], digest[32:]

	var scalar secp256k1.ModNScalar
	overflow := scalar.SetByteSlice(il)
	if overflow || scalar.IsZero() {
		return nil, fmt.Errorf("hdchain: invalid master seed, derived " +
			"a degenerate key")
	}

	priv := secp256k1.NewPrivateKey(&scalar)

	var node Node
	node.PrivKey = priv
	node.PubKey = priv.PubKey()
	copy(node.ChainCode[:], ir)

	return &node, nil
}

// Neuter strips the private key from a node, leaving a public-only node
// that can still derive public-only children. This is the operation a
// watching-only fork applies to every account root.
func (n *Node) Neuter() *Node {
	return &Node{
		Depth:     n.Depth,
		ChildNum:  n.ChildNum,
		ChainCode: n.ChainCode,
		PubKey:    n.PubKey,
	}
}

// Child derives the BIP32 child at index. Hardened indices (>=
// HardenedKeyStart) require the parent's private key.
func (n *Node) Child(index uint32) (*Node, error) {
	hardened := index >= HardenedKeyStart

	if hardened && n.PrivKey == nil {
		return nil, ErrHardenedPublicDerivation
	}

	var data []byte
	if hardened {
		data = make([]byte, 0, 37)
		data = append(data, 0x00)
		data = append(data, n.PrivKey.Serialize()...)
	} else {
		data = append([]byte{}, n.PubKey.SerializeCompressed()...)
	}
	var idxBytes [4]byte
	binary.BigEndian.PutUint32(idxBytes[:], index)
	data = append(data, idxBytes[:]...)

	mac := hmac.New(sha512.New, n.ChainCode[:])
	mac.Write(data)
	digest := mac.Sum(nil)

	il, ir := digest[:32], digest[32:]

	var ilScalar secp256k1.ModNScalar
	overflow := ilScalar.SetByteSlice(il)
	if overflow {
		return nil, fmt.Errorf("hdchain: child index %d produced an "+
			"out-of-range tweak, caller should try the next index", index)
	}

	child := &Node{
		Depth:    n.Depth + 1,
		ChildNum: index,
	}
	copy(child.ChainCode[:], ir)

	if n.PrivKey != nil {
		var childScalar secp256k1.ModNScalar
		childScalar.Set(&n.PrivKey.Key)
		childScalar.Add(&ilScalar)
		if childScalar.IsZero() {
			return nil, fmt.Errorf("hdchain: child index %d produced a "+
				"degenerate private key, caller should try the next index",
				index)
		}
		child.PrivKey = secp256k1.NewPrivateKey(&childScalar)
		child.PubKey = child.PrivKey.PubKey()
		return child, nil
	}

	tweakPriv := secp256k1.NewPrivateKey(&ilScalar)
	combined := btcec.CombinePubkeys([]*btcec.PublicKey{n.PubKey, tweakPriv.PubKey()})
	child.PubKey = combined

	return child, nil
}

// DerivePath walks a sequence of child indices from n, in order.
func (n *Node) DerivePath(path []uint32) (*Node, error) {
	cur := n
	for _, index := range path {
		next, err := cur.Child(index)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}
