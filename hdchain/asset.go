package hdchain

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// AssetEntryKind tags which of AssetEntry's three shapes is populated.
type AssetEntryKind uint8

const (
	// AssetSingle is a standalone key pair with no index-derived
	// children of its own: an ECDH settlement account's base key, plus
	// whatever salts have been registered against it.
	AssetSingle AssetEntryKind = iota

	// AssetBip32Root is an extended key other keys derive from by
	// index: a BIP32, BIP32-salted, or Armory135 account root. The
	// three schemes share this shape and are disambiguated by Scheme.
	AssetBip32Root

	// AssetMultisig is a cosigner public-key set with no single HD root.
	AssetMultisig
)

// AssetEntry is the persisted, tagged-variant record of an account's key
// material. Exactly one of Single, Bip32Root, or Multisig is populated,
// selected by Kind; capability tests like "does this account hold a
// private key" are plain field checks on whichever variant is present.
type AssetEntry struct {
	Kind AssetEntryKind

	Single *SingleKeyEntry

	// Bip32Root is the external-chain root. Bip32Change is the
	// change-chain root, already split into its own child-1 node at
	// creation time; it is nil for AccountArmory135, which has no
	// distinct change chain. Both are stored rather than re-derived
	// from a shared account root, so reconstruction never needs to
	// redo BIP32 child derivation.
	Bip32Root   *Bip32RootEntry
	Bip32Change *Bip32RootEntry

	Multisig *MultisigEntry
}

// SingleKeyEntry is the AssetSingle variant: an ECDH settlement
// account's base key pair and its registered salts.
type SingleKeyEntry struct {
	PrivKey []byte // nil on a watching-only entry
	PubKey  []byte
	Salts   [][32]byte
}

// Bip32RootEntry is the AssetBip32Root variant: one extended-key root,
// tagged with the derivation scheme it belongs to.
type Bip32RootEntry struct {
	Scheme    AccountType // AccountBIP32, AccountBIP32Salted, or AccountArmory135
	ChildNum  uint32      // BIP32 child index, or Armory135 chain index
	ChainCode [32]byte
	PrivKey   []byte // nil on a watching-only entry
	PubKey    []byte
	Salt      []byte // populated only when Scheme == AccountBIP32Salted
}

// MultisigEntry is the AssetMultisig variant: a threshold and one
// Bip32RootEntry per cosigner (Scheme always AccountBIP32, Salt unused).
type MultisigEntry struct {
	Threshold int
	Cosigners []Bip32RootEntry
}

// AssetEntry converts an account's live key material into its persisted
// tagged-variant form.
func (a *Account) AssetEntry() (*AssetEntry, error) {
	switch a.Type {
	case AccountBIP32:
		return &AssetEntry{
			Kind:      AssetBip32Root,
			Bip32Root: bip32RootEntryFromNode(AccountBIP32, a.bip32Root, nil),
			Bip32Change: bip32RootEntryFromNode(
				AccountBIP32, a.bip32ChangeRoot, nil),
		}, nil

	case AccountBIP32Salted:
		saltBytes := saltOf(a.saltedRoot).Bytes()
		salt := saltBytes[:]
		return &AssetEntry{
			Kind: AssetBip32Root,
			Bip32Root: bip32RootEntryFromNode(
				AccountBIP32Salted, a.saltedRoot.base, salt),
			Bip32Change: bip32RootEntryFromNode(
				AccountBIP32Salted, a.saltedChangeRoot.base, salt),
		}, nil

	case AccountArmory135:
		return &AssetEntry{
			Kind: AssetBip32Root,
			Bip32Root: &Bip32RootEntry{
				Scheme:    AccountArmory135,
				ChildNum:  a.armoryRoot.Index,
				ChainCode: a.armoryRoot.ChainCode,
				PrivKey:   privKeyBytes(a.armoryRoot.PrivKey),
				PubKey:    a.armoryRoot.PubKey.SerializeCompressed(),
			},
		}, nil

	case AccountECDH:
		return &AssetEntry{
			Kind: AssetSingle,
			Single: &SingleKeyEntry{
				PrivKey: privKeyBytes(a.settlement.priv),
				PubKey:  a.settlement.pub.SerializeCompressed(),
				Salts:   a.settlement.salts,
			},
		}, nil

	case AccountMultisig:
		cosigners := make([]Bip32RootEntry, len(a.cosignerRoots))
		for i, root := range a.cosignerRoots {
			cosigners[i] = Bip32RootEntry{
				Scheme:    AccountBIP32,
				ChildNum:  root.ChildNum,
				ChainCode: root.ChainCode,
				PrivKey:   privKeyBytes(root.PrivKey),
				PubKey:    root.PubKey.SerializeCompressed(),
			}
		}
		return &AssetEntry{
			Kind: AssetMultisig,
			Multisig: &MultisigEntry{
				Threshold: a.threshold,
				Cosigners: cosigners,
			},
		}, nil

	default:
		return nil, ErrUnknownAccountType
	}
}

func bip32RootEntryFromNode(scheme AccountType, node *Node, salt []byte) *Bip32RootEntry {
	return &Bip32RootEntry{
		Scheme:    scheme,
		ChildNum:  node.ChildNum,
		ChainCode: node.ChainCode,
		PrivKey:   privKeyBytes(node.PrivKey),
		PubKey:    node.PubKey.SerializeCompressed(),
		Salt:      salt,
	}
}

// AccountFromAssetEntry reconstructs a live account from its persisted
// key material, with both chains starting at index 0 and no
// reverse-lookup history: a caller restoring a wallet is expected to
// replay address generation to rebuild the lookup caches if it needs
// them, rather than persisting every materialized address here too.
func AccountFromAssetEntry(e *AssetEntry) (*Account, error) {
	switch e.Kind {
	case AssetBip32Root:
		root := e.Bip32Root
		node, err := nodeFromEntry(root)
		if err != nil {
			return nil, err
		}

		switch root.Scheme {
		case AccountBIP32:
			if e.Bip32Change == nil {
				return nil, fmt.Errorf("hdchain: bip32 asset entry missing its change root")
			}
			changeNode, err := nodeFromEntry(e.Bip32Change)
			if err != nil {
				return nil, err
			}
			return &Account{
				Type:            AccountBIP32,
				bip32Root:       node,
				bip32ChangeRoot: changeNode,
				external:        newChainState(),
				change:          newChainState(),
			}, nil

		case AccountBIP32Salted:
			if e.Bip32Change == nil {
				return nil, fmt.Errorf("hdchain: salted asset entry missing its change root")
			}
			changeNode, err := nodeFromEntry(e.Bip32Change)
			if err != nil {
				return nil, err
			}

			var salt secp256k1.ModNScalar
			salt.SetByteSlice(root.Salt)

			return &Account{
				Type:             AccountBIP32Salted,
				saltedRoot:       NewSaltedNode(node, salt),
				saltedChangeRoot: NewSaltedNode(changeNode, salt),
				external:         newChainState(),
				change:           newChainState(),
			}, nil

		case AccountArmory135:
			armoryRoot := &Armory135Node{
				Index:     root.ChildNum,
				ChainCode: root.ChainCode,
				PubKey:    node.PubKey,
				PrivKey:   node.PrivKey,
			}
			return NewArmory135Account(armoryRoot), nil

		default:
			return nil, ErrUnknownAccountType
		}

	case AssetSingle:
		single := e.Single
		pub, err := btcec.ParsePubKey(single.PubKey)
		if err != nil {
			return nil, err
		}

		var settlement *SettlementAccount
		if single.PrivKey != nil {
			priv, _ := btcec.PrivKeyFromBytes(single.PrivKey)
			settlement = NewSettlementAccount(priv)
		} else {
			settlement = NewWatchingSettlementAccount(pub)
		}
		for _, salt := range single.Salts {
			if _, err := settlement.AddSalt(salt); err != nil {
				return nil, err
			}
		}

		return NewECDHAccount(settlement), nil

	case AssetMultisig:
		multisig := e.Multisig
		roots := make([]*Node, len(multisig.Cosigners))
		for i, entry := range multisig.Cosigners {
			node, err := nodeFromEntry(&entry)
			if err != nil {
				return nil, err
			}
			roots[i] = node
		}
		return NewMultisigAccount(multisig.Threshold, roots)

	default:
		return nil, ErrUnknownAccountType
	}
}

func nodeFromEntry(e *Bip32RootEntry) (*Node, error) {
	pub, err := btcec.ParsePubKey(e.PubKey)
	if err != nil {
		return nil, err
	}

	node := &Node{
		ChildNum:  e.ChildNum,
		ChainCode: e.ChainCode,
		PubKey:    pub,
	}
	if e.PrivKey != nil {
		priv, _ := btcec.PrivKeyFromBytes(e.PrivKey)
		node.PrivKey = priv
	}
	return node, nil
}

func privKeyBytes(priv *btcec.PrivateKey) []byte {
	if priv == nil {
		return nil
	}
	return priv.Serialize()
}

// EncodeBip32RootEntry serializes a single root entry, for callers
// persisting an account's chain cursor rather than a full asset entry.
func EncodeBip32RootEntry(e *Bip32RootEntry) []byte {
	return appendBip32RootEntry(nil, e)
}

// DecodeBip32RootEntry parses the form EncodeBip32RootEntry produces.
func DecodeBip32RootEntry(data []byte) (*Bip32RootEntry, error) {
	e, _, err := readBip32RootEntry(data)
	return e, err
}

// RootEntryFromArmory135Node captures an Armory135 chain head as a
// Bip32RootEntry, for callers persisting that account type's cursor
// across restarts (its next public key depends on accumulated chain
// state, not just an index, so the head itself must be saved).
func RootEntryFromArmory135Node(node *Armory135Node) *Bip32RootEntry {
	return &Bip32RootEntry{
		Scheme:    AccountArmory135,
		ChildNum:  node.Index,
		ChainCode: node.ChainCode,
		PrivKey:   privKeyBytes(node.PrivKey),
		PubKey:    node.PubKey.SerializeCompressed(),
	}
}

// Armory135NodeFromRootEntry reconstructs the chain head a Bip32RootEntry
// of Scheme AccountArmory135 describes.
func Armory135NodeFromRootEntry(e *Bip32RootEntry) (*Armory135Node, error) {
	node, err := nodeFromEntry(e)
	if err != nil {
		return nil, err
	}
	return &Armory135Node{
		Index:     e.ChildNum,
		ChainCode: e.ChainCode,
		PubKey:    node.PubKey,
		PrivKey:   node.PrivKey,
	}, nil
}

// EncodeAssetEntry serializes e to its on-disk binary form.
func EncodeAssetEntry(e *AssetEntry) ([]byte, error) {
	var out []byte
	out = append(out, byte(e.Kind))

	switch e.Kind {
	case AssetSingle:
		out = appendSingleKeyEntry(out, e.Single)

	case AssetBip32Root:
		out = appendBip32RootEntry(out, e.Bip32Root)
		if e.Bip32Change != nil {
			out = append(out, 1)
			out = appendBip32RootEntry(out, e.Bip32Change)
		} else {
			out = append(out, 0)
		}

	case AssetMultisig:
		out = appendVarInt(out, uint64(e.Multisig.Threshold))
		out = appendVarInt(out, uint64(len(e.Multisig.Cosigners)))
		for i := range e.Multisig.Cosigners {
			out = appendBip32RootEntry(out, &e.Multisig.Cosigners[i])
		}

	default:
		return nil, ErrUnknownAccountType
	}

	return out, nil
}

// DecodeAssetEntry parses the binary form EncodeAssetEntry produces.
func DecodeAssetEntry(data []byte) (*AssetEntry, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("hdchain: empty asset entry")
	}

	kind := AssetEntryKind(data[0])
	rest := data[1:]

	switch kind {
	case AssetSingle:
		single, _, err := readSingleKeyEntry(rest)
		if err != nil {
			return nil, err
		}
		return &AssetEntry{Kind: kind, Single: single}, nil

	case AssetBip32Root:
		root, n, err := readBip32RootEntry(rest)
		if err != nil {
			return nil, err
		}
		rest = rest[n:]

		if len(rest) == 0 {
			return nil, fmt.Errorf("hdchain: truncated bip32 asset entry")
		}
		hasChange, rest := rest[0], rest[1:]

		entry := &AssetEntry{Kind: kind, Bip32Root: root}
		if hasChange == 1 {
			change, _, err := readBip32RootEntry(rest)
			if err != nil {
				return nil, err
			}
			entry.Bip32Change = change
		}
		return entry, nil

	case AssetMultisig:
		threshold, n, err := readVarIntHdchain(rest)
		if err != nil {
			return nil, err
		}
		rest = rest[n:]

		count, n, err := readVarIntHdchain(rest)
		if err != nil {
			return nil, err
		}
		rest = rest[n:]

		cosigners := make([]Bip32RootEntry, count)
		for i := uint64(0); i < count; i++ {
			entry, n, err := readBip32RootEntry(rest)
			if err != nil {
				return nil, err
			}
			cosigners[i] = *entry
			rest = rest[n:]
		}

		return &AssetEntry{
			Kind: kind,
			Multisig: &MultisigEntry{
				Threshold: int(threshold),
				Cosigners: cosigners,
			},
		}, nil

	default:
		return nil, ErrUnknownAccountType
	}
}

func appendSingleKeyEntry(out []byte, e *SingleKeyEntry) []byte {
	out = appendBytesField(out, e.PrivKey)
	out = appendBytesField(out, e.PubKey)
	out = appendVarInt(out, uint64(len(e.Salts)))
	for _, salt := range e.Salts {
		out = append(out, salt[:]...)
	}
	return out
}

func readSingleKeyEntry(data []byte) (*SingleKeyEntry, int, error) {
	total := 0

	priv, n, err := readBytesField(data)
	if err != nil {
		return nil, 0, err
	}
	data, total = data[n:], total+n

	pub, n, err := readBytesField(data)
	if err != nil {
		return nil, 0, err
	}
	data, total = data[n:], total+n

	count, n, err := readVarIntHdchain(data)
	if err != nil {
		return nil, 0, err
	}
	data, total = data[n:], total+n

	salts := make([][32]byte, count)
	for i := uint64(0); i < count; i++ {
		if len(data) < 32 {
			return nil, 0, fmt.Errorf("hdchain: truncated salt entry")
		}
		copy(salts[i][:], data[:32])
		data, total = data[32:], total+32
	}

	return &SingleKeyEntry{PrivKey: priv, PubKey: pub, Salts: salts}, total, nil
}

func appendBip32RootEntry(out []byte, e *Bip32RootEntry) []byte {
	out = append(out, byte(e.Scheme))
	out = appendVarInt(out, uint64(e.ChildNum))
	out = append(out, e.ChainCode[:]...)
	out = appendBytesField(out, e.PrivKey)
	out = appendBytesField(out, e.PubKey)
	out = appendBytesField(out, e.Salt)
	return out
}

func readBip32RootEntry(data []byte) (*Bip32RootEntry, int, error) {
	if len(data) < 1+32 {
		return nil, 0, fmt.Errorf("hdchain: truncated bip32 root entry")
	}
	scheme := AccountType(data[0])
	total := 1
	data = data[1:]

	childNum, n, err := readVarIntHdchain(data)
	if err != nil {
		return nil, 0, err
	}
	data, total = data[n:], total+n

	if len(data) < 32 {
		return nil, 0, fmt.Errorf("hdchain: truncated bip32 root entry")
	}
	var chainCode [32]byte
	copy(chainCode[:], data[:32])
	data, total = data[32:], total+32

	priv, n, err := readBytesField(data)
	if err != nil {
		return nil, 0, err
	}
	data, total = data[n:], total+n

	pub, n, err := readBytesField(data)
	if err != nil {
		return nil, 0, err
	}
	data, total = data[n:], total+n

	salt, n, err := readBytesField(data)
	if err != nil {
		return nil, 0, err
	}
	total += n

	return &Bip32RootEntry{
		Scheme:    scheme,
		ChildNum:  uint32(childNum),
		ChainCode: chainCode,
		PrivKey:   priv,
		PubKey:    pub,
		Salt:      salt,
	}, total, nil
}

func appendBytesField(out, field []byte) []byte {
	out = appendVarInt(out, uint64(len(field)))
	return append(out, field...)
}

func readBytesField(data []byte) ([]byte, int, error) {
	length, n, err := readVarIntHdchain(data)
	if err != nil {
		return nil, 0, err
	}
	data = data[n:]
	if uint64(len(data)) < length {
		return nil, 0, fmt.Errorf("hdchain: truncated field")
	}
	if length == 0 {
		return nil, n, nil
	}
	return append([]byte{}, data[:length]...), n + int(length), nil
}

func appendVarInt(out []byte, val uint64) []byte {
	var w byteWriterHdchain
	_ = wire.WriteVarInt(&w, 0, val)
	return append(out, w.buf...)
}

func readVarIntHdchain(data []byte) (uint64, int, error) {
	r := byteReaderHdchain{buf: data}
	val, err := wire.ReadVarInt(&r, 0)
	if err != nil {
		return 0, 0, fmt.Errorf("hdchain: decoding varint: %w", err)
	}
	return val, r.pos, nil
}

type byteWriterHdchain struct{ buf []byte }

func (w *byteWriterHdchain) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

type byteReaderHdchain struct {
	buf []byte
	pos int
}

func (r *byteReaderHdchain) Read(p []byte) (int, error) {
	n := copy(p, r.buf[r.pos:])
	r.pos += n
	if n == 0 {
		return 0, fmt.Errorf("hdchain: short read")
	}
	return n, nil
}
