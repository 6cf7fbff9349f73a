package hdchain

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// SaltedNode wraps a BIP32 node with a fixed scalar salt applied to every
// key it derives: P_i' = salt·P_i. The salt is chosen once, at account
// creation, and is itself derived deterministically so a watching-only
// fork of the wallet can recompute it from the account's public root
// alone.
type SaltedNode struct {
	salt secp256k1.ModNScalar
	base *Node
}

// NewSaltedNode applies salt to base. base may be public-only; the salt
// operation itself never requires a private key.
func NewSaltedNode(base *Node, salt secp256k1.ModNScalar) *SaltedNode {
	return &SaltedNode{salt: salt, base: base}
}

// PubKey returns salt·P for the wrapped node's public key.
func (s *SaltedNode) PubKey() *btcec.PublicKey {
	var pubJ, resultJ btcec.JacobianPoint
	s.base.PubKey.AsJacobian(&pubJ)

	salt := s.salt
	btcec.ScalarMultNonConst(&salt, &pubJ, &resultJ)
	resultJ.ToAffine()

	return btcec.NewPublicKey(&resultJ.X, &resultJ.Y)
}

// PrivKey returns salt·p for the wrapped node's private key, or
// ErrNoPrivateKey if the node is public-only.
func (s *SaltedNode) PrivKey() (*btcec.PrivateKey, error) {
	if s.base.PrivKey == nil {
		return nil, ErrNoPrivateKey
	}

	var result secp256k1.ModNScalar
	result.Set(&s.base.PrivKey.Key)
	result.Mul(&s.salt)

	return secp256k1.NewPrivateKey(&result), nil
}

// Child derives the salted child at index: salt·(P_i_child), by first
// deriving the base node's child normally and then applying the salt.
func (s *SaltedNode) Child(index uint32) (*SaltedNode, error) {
	child, err := s.base.Child(index)
	if err != nil {
		return nil, err
	}
	return &SaltedNode{salt: s.salt, base: child}, nil
}
