package hdchain

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// AccountType names one of the key-derivation schemes an account within
// a wallet can use.
type AccountType uint8

const (
	// AccountArmory135 derives keys with the legacy chained-key scheme:
	// each key is derived from the previous key's public half and a
	// fixed chain code, rather than an index-addressed HMAC tree.
	AccountArmory135 AccountType = iota

	// AccountBIP32 derives keys with the standard BIP32 hardened/normal
	// HMAC-SHA512 tree, split into an external (receiving) and an
	// internal (change) child chain under the account root, per BIP44
	// convention.
	AccountBIP32

	// AccountBIP32Salted derives keys with a BIP32 tree and then applies
	// a fixed scalar salt to every key, so a watching-only fork can
	// recompute salted public keys without ever learning the
	// unsalted ones.
	AccountBIP32Salted

	// AccountECDH derives a single settlement key pair whose addresses
	// are produced by scalar-multiplying the base public key by
	// successive caller-registered salts, rather than by index.
	AccountECDH

	// AccountMultisig combines one BIP32 root per cosigner, all
	// advanced through the same child index in lockstep, into an
	// m-of-n redeem script wrapped as P2SH or P2WSH at every step.
	AccountMultisig
)

// String implements fmt.Stringer.
func (t AccountType) String() string {
	switch t {
	case AccountArmory135:
		return "armory135"
	case AccountBIP32:
		return "bip32"
	case AccountBIP32Salted:
		return "bip32-salted"
	case AccountECDH:
		return "ecdh"
	case AccountMultisig:
		return "multisig"
	default:
		return "unknown"
	}
}

// chainState is one address-producing sequence within an account: its
// next unused index, and the reverse-lookup caches built up as
// addresses are materialized along it. BIP32 and BIP32-salted accounts
// keep two independent chainStates (external, change); every other
// account type has only one sequence and uses just the external one.
type chainState struct {
	nextIndex      uint32
	addrByHash     map[string]*MaterializedAddress
	bip32PathByPub map[string][]uint32
	armoryIdxByPub map[string]uint32
}

func newChainState() chainState {
	return chainState{
		addrByHash:     make(map[string]*MaterializedAddress),
		bip32PathByPub: make(map[string][]uint32),
		armoryIdxByPub: make(map[string]uint32),
	}
}

// clone deep-copies a chainState's reverse-lookup caches, so a
// watching-only fork keeps every address already handed out discoverable
// without sharing mutable state with the account it was forked from.
func (cs chainState) clone() chainState {
	out := newChainState()
	out.nextIndex = cs.nextIndex
	for k, v := range cs.addrByHash {
		out.addrByHash[k] = v
	}
	for k, v := range cs.bip32PathByPub {
		out.bip32PathByPub[k] = v
	}
	for k, v := range cs.armoryIdxByPub {
		out.armoryIdxByPub[k] = v
	}
	return out
}

// Account is a single derivation account within a wallet: one or more
// address-producing chains sharing a root key and a derivation rule.
type Account struct {
	Type AccountType

	bip32Root        *Node
	bip32ChangeRoot  *Node
	armoryRoot       *Armory135Node
	saltedRoot       *SaltedNode
	saltedChangeRoot *SaltedNode
	settlement       *SettlementAccount

	threshold     int
	cosignerRoots []*Node

	mu       sync.Mutex
	external chainState
	change   chainState
}

// NewBIP32Account creates an account deriving external (child 0) and
// change (child 1) addresses under root, per BIP44 convention.
func NewBIP32Account(root *Node) (*Account, error) {
	external, err := root.Child(0)
	if err != nil {
		return nil, err
	}
	change, err := root.Child(1)
	if err != nil {
		return nil, err
	}

	return &Account{
		Type:            AccountBIP32,
		bip32Root:       external,
		bip32ChangeRoot: change,
		external:        newChainState(),
		change:          newChainState(),
	}, nil
}

// NewArmory135Account creates an account deriving addresses along a
// legacy chained-key sequence. Armory135 never defined a distinct
// change chain; GetNewChangeAddress on this account type draws from the
// same sequence as external addresses.
func NewArmory135Account(root *Armory135Node) *Account {
	return &Account{
		Type:       AccountArmory135,
		armoryRoot: root,
		external:   newChainState(),
		change:     newChainState(),
	}
}

// NewBIP32SaltedAccount creates an account deriving salted BIP32
// external and change addresses, mirroring NewBIP32Account's child-0/
// child-1 split before the salt is applied.
func NewBIP32SaltedAccount(root *SaltedNode) (*Account, error) {
	external, err := root.Child(0)
	if err != nil {
		return nil, err
	}
	change, err := root.Child(1)
	if err != nil {
		return nil, err
	}

	return &Account{
		Type:             AccountBIP32Salted,
		saltedRoot:       external,
		saltedChangeRoot: change,
		external:         newChainState(),
		change:           newChainState(),
	}, nil
}

// NewECDHAccount creates an ECDH settlement account. It has no distinct
// change chain; GetNewChangeAddress draws from the same salt-indexed
// sequence as external addresses.
func NewECDHAccount(settlement *SettlementAccount) *Account {
	return &Account{
		Type:       AccountECDH,
		settlement: settlement,
		external:   newChainState(),
		change:     newChainState(),
	}
}

// NewMultisigAccount creates an m-of-n multisig account from one BIP32
// root per cosigner. Cosigners this wallet doesn't sign for should be
// passed in neutered (public-only); the account materializes an
// identical address either way, and simply can't sign with a neutered
// root's contribution. Like Armory135 and ECDH accounts, a multisig
// account has no distinct change chain.
func NewMultisigAccount(threshold int, cosignerRoots []*Node) (*Account, error) {
	if len(cosignerRoots) < 2 {
		return nil, fmt.Errorf("hdchain: %w: a multisig account needs "+
			"at least two cosigners", ErrUnsupportedAddressType)
	}
	if threshold <= 0 || threshold > len(cosignerRoots) {
		return nil, fmt.Errorf("hdchain: %w: threshold must be between "+
			"1 and the cosigner count", ErrUnsupportedAddressType)
	}

	return &Account{
		Type:          AccountMultisig,
		threshold:     threshold,
		cosignerRoots: append([]*Node{}, cosignerRoots...),
		external:      newChainState(),
		change:        newChainState(),
	}, nil
}

// AddSalt idempotently registers salt against an AccountECDH's
// settlement key, returning the sequential salt-id NextAddress
// materializes an address for once the chain reaches that position. It
// fails with ErrUnknownAccountType on any other account type.
func (a *Account) AddSalt(salt [32]byte) (uint32, error) {
	if a.Type != AccountECDH {
		return 0, ErrUnknownAccountType
	}
	return a.settlement.AddSalt(salt)
}

// chainStateFor resolves which chainState isChange refers to, honoring
// the same aliasing NextChangeAddress applies: account types with no
// distinct change chain always resolve to external, regardless of
// isChange, since that's the only chainState NextAddress and
// NextChangeAddress ever actually mutate for them. Callers must hold a.mu.
func (a *Account) chainStateFor(isChange bool) *chainState {
	if isChange && (a.Type == AccountBIP32 || a.Type == AccountBIP32Salted) {
		return &a.change
	}
	return &a.external
}

// RestoreCursor fast-forwards a previously-empty account past addresses
// materialized in an earlier session, so the next NextAddress or
// NextChangeAddress call resumes from where persisted state left off
// rather than reissuing already-handed-out addresses. It does not
// repopulate the reverse-lookup caches: a caller that needs those
// rebuilt replays NextAddress/NextChangeAddress itself.
//
// For Armory135 accounts, head must be the account's current chain head
// (the node nextArmory would otherwise have advanced to), since that
// scheme's next public key depends on accumulated chain state and not
// just an index; it is ignored for every other account type.
func (a *Account) RestoreCursor(isChange bool, index uint32, head *Armory135Node) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.Type == AccountArmory135 {
		if head == nil {
			return fmt.Errorf("hdchain: restoring an armory135 cursor needs its chain head")
		}
		a.armoryRoot = head
	}

	a.chainStateFor(isChange).nextIndex = index
	return nil
}

// CursorState returns the current position of the named chain, for
// persisting it across restarts via RestoreCursor. head is populated
// only for AccountArmory135, whose next public key depends on
// accumulated chain state rather than just an index.
func (a *Account) CursorState(isChange bool) (index uint32, head *Armory135Node) {
	a.mu.Lock()
	defer a.mu.Unlock()

	index = a.chainStateFor(isChange).nextIndex
	if a.Type == AccountArmory135 {
		head = a.armoryRoot
	}
	return index, head
}

// NextAddress derives and materializes the next external address in the
// account's sequence under scriptType, recording it for later reverse
// lookup by hash and by derivation path.
func (a *Account) NextAddress(scriptType ScriptType, params *chaincfg.Params) (*MaterializedAddress, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.nextAddressLocked(scriptType, params)
}

// NextChangeAddress derives and materializes the next change address.
// For BIP32 and BIP32-salted accounts this draws from a chain distinct
// from NextAddress's; Armory135, ECDH, and multisig accounts have no
// second chain in the schemes they model, and alias NextAddress.
func (a *Account) NextChangeAddress(scriptType ScriptType, params *chaincfg.Params) (*MaterializedAddress, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.Type {
	case AccountBIP32, AccountBIP32Salted:
		return a.nextOn(&a.change, true, scriptType, params)
	default:
		return a.nextAddressLocked(scriptType, params)
	}
}

func (a *Account) nextAddressLocked(scriptType ScriptType, params *chaincfg.Params) (*MaterializedAddress, error) {
	switch a.Type {
	case AccountBIP32, AccountBIP32Salted:
		return a.nextOn(&a.external, false, scriptType, params)
	case AccountArmory135:
		return a.nextArmory(scriptType, params)
	case AccountECDH:
		return a.nextECDH(scriptType, params)
	case AccountMultisig:
		return a.nextMultisig(scriptType, params)
	default:
		return nil, ErrUnknownAccountType
	}
}

// nextOn advances a BIP32 or BIP32-salted chain. Callers must hold a.mu.
func (a *Account) nextOn(cs *chainState, isChange bool, scriptType ScriptType, params *chaincfg.Params) (*MaterializedAddress, error) {
	index := cs.nextIndex
	nodeID := uint32(0)
	if isChange {
		nodeID = 1
	}

	var pub *btcec.PublicKey
	switch a.Type {
	case AccountBIP32:
		root := a.bip32Root
		if isChange {
			root = a.bip32ChangeRoot
		}
		child, err := root.Child(index)
		if err != nil {
			return nil, err
		}
		pub = child.PubKey

	case AccountBIP32Salted:
		root := a.saltedRoot
		if isChange {
			root = a.saltedChangeRoot
		}
		child, err := root.Child(index)
		if err != nil {
			return nil, err
		}
		pub = child.PubKey()

	default:
		return nil, ErrUnknownAccountType
	}

	addr, err := MaterializeAddress(pub, scriptType, params)
	if err != nil {
		return nil, err
	}

	cs.nextIndex++
	if addr.Hash != nil {
		cs.addrByHash[hex.EncodeToString(addr.Hash)] = addr
	}
	cs.bip32PathByPub[hex.EncodeToString(pub.SerializeCompressed())] = []uint32{nodeID, index}

	return addr, nil
}

// nextArmory hands out the current head of the legacy chain and then
// advances the head by exactly one step, so each call produces the
// next sequential address rather than re-walking from the account root.
// Callers must hold a.mu.
func (a *Account) nextArmory(scriptType ScriptType, params *chaincfg.Params) (*MaterializedAddress, error) {
	index := a.external.nextIndex
	node := a.armoryRoot

	addr, err := MaterializeAddress(node.PubKey, scriptType, params)
	if err != nil {
		return nil, err
	}

	next, err := node.Next()
	if err != nil {
		return nil, err
	}
	a.armoryRoot = next

	a.external.nextIndex++
	if addr.Hash != nil {
		a.external.addrByHash[hex.EncodeToString(addr.Hash)] = addr
	}
	a.external.armoryIdxByPub[hex.EncodeToString(node.PubKey.SerializeCompressed())] = index

	return addr, nil
}

// nextECDH materializes the address for the next registered salt.
// Callers must hold a.mu.
func (a *Account) nextECDH(scriptType ScriptType, params *chaincfg.Params) (*MaterializedAddress, error) {
	index := a.external.nextIndex
	if index >= a.settlement.SaltCount() {
		return nil, ErrNoSaltRegistered
	}

	pub, err := a.settlement.PubKeyAt(index)
	if err != nil {
		return nil, err
	}

	addr, err := MaterializeAddress(pub, scriptType, params)
	if err != nil {
		return nil, err
	}

	a.external.nextIndex++
	if addr.Hash != nil {
		a.external.addrByHash[hex.EncodeToString(addr.Hash)] = addr
	}

	return addr, nil
}

// nextMultisig derives the next child of every cosigner root in
// lockstep and combines them into an m-of-n redeem script, wrapped as
// the requested output type. Callers must hold a.mu.
func (a *Account) nextMultisig(scriptType ScriptType, params *chaincfg.Params) (*MaterializedAddress, error) {
	if scriptType != ScriptP2SH && scriptType != ScriptP2WSH {
		return nil, fmt.Errorf("hdchain: %w: multisig addresses must be "+
			"requested as P2SH or P2WSH", ErrUnsupportedAddressType)
	}

	index := a.external.nextIndex
	pubKeys := make([]*btcec.PublicKey, len(a.cosignerRoots))
	for i, root := range a.cosignerRoots {
		child, err := root.Child(index)
		if err != nil {
			return nil, err
		}
		pubKeys[i] = child.PubKey
	}

	script, err := MultiSigScript(a.threshold, pubKeys)
	if err != nil {
		return nil, err
	}

	addr, err := MaterializeScriptAddress(script, scriptType, params)
	if err != nil {
		return nil, err
	}

	a.external.nextIndex++
	if addr.Hash != nil {
		a.external.addrByHash[hex.EncodeToString(addr.Hash)] = addr
	}

	return addr, nil
}

// AddressForHash performs the reverse lookup from a hash160 (as found in
// a P2PKH, P2WPKH, or P2SH scriptPubKey) back to the materialized
// address this account produced it from, if any, searching both chains.
func (a *Account) AddressForHash(hash []byte) (*MaterializedAddress, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := hex.EncodeToString(hash)
	if addr, ok := a.external.addrByHash[key]; ok {
		return addr, true
	}
	addr, ok := a.change.addrByHash[key]
	return addr, ok
}

// BIP32PathForPubkey performs the reverse lookup from a public key back
// to the [nodeID, index] path that produced it, for BIP32 and
// BIP32-salted accounts. nodeID is 0 for the external chain, 1 for
// change.
func (a *Account) BIP32PathForPubkey(pubKey *btcec.PublicKey) ([]uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := hex.EncodeToString(pubKey.SerializeCompressed())
	if path, ok := a.external.bip32PathByPub[key]; ok {
		return path, true
	}
	path, ok := a.change.bip32PathByPub[key]
	return path, ok
}

// Armory135IndexForPubkey performs the reverse lookup from a public key
// back to its position in a legacy chained-key account.
func (a *Account) Armory135IndexForPubkey(pubKey *btcec.PublicKey) (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, ok := a.external.armoryIdxByPub[hex.EncodeToString(pubKey.SerializeCompressed())]
	return idx, ok
}

// Neuter strips every private key this account holds, turning it into a
// watching-only account that preserves both chains' current position
// and every reverse-lookup entry already recorded, so a fork continues
// exactly where the account it was forked from left off.
func (a *Account) Neuter() (*Account, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.Type {
	case AccountBIP32:
		return &Account{
			Type:            AccountBIP32,
			bip32Root:       a.bip32Root.Neuter(),
			bip32ChangeRoot: a.bip32ChangeRoot.Neuter(),
			external:        a.external.clone(),
			change:          a.change.clone(),
		}, nil

	case AccountArmory135:
		return &Account{
			Type:       AccountArmory135,
			armoryRoot: a.armoryRoot.Neuter(),
			external:   a.external.clone(),
			change:     a.change.clone(),
		}, nil

	case AccountBIP32Salted:
		return &Account{
			Type:             AccountBIP32Salted,
			saltedRoot:       NewSaltedNode(a.saltedRoot.base.Neuter(), saltOf(a.saltedRoot)),
			saltedChangeRoot: NewSaltedNode(a.saltedChangeRoot.base.Neuter(), saltOf(a.saltedChangeRoot)),
			external:         a.external.clone(),
			change:           a.change.clone(),
		}, nil

	case AccountECDH:
		return &Account{
			Type:       AccountECDH,
			settlement: a.settlement.Neuter(),
			external:   a.external.clone(),
			change:     a.change.clone(),
		}, nil

	case AccountMultisig:
		neutered := make([]*Node, len(a.cosignerRoots))
		for i, root := range a.cosignerRoots {
			neutered[i] = root.Neuter()
		}
		return &Account{
			Type:          AccountMultisig,
			threshold:     a.threshold,
			cosignerRoots: neutered,
			external:      a.external.clone(),
			change:        a.change.clone(),
		}, nil

	default:
		return nil, ErrUnknownAccountType
	}
}

// saltOf exposes a SaltedNode's salt for Account.Neuter's use; the field
// is private because nothing outside this package should mutate it.
func saltOf(s *SaltedNode) secp256k1.ModNScalar {
	return s.salt
}
