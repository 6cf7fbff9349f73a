// Package wallet is the top-level façade tying the encrypted storage
// engine, the passphrase-gated secret container, and the key derivation
// engine into the operations a wallet holder actually performs: create,
// load, derive an address, add an account, fork a watching-only copy.
package wallet

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/hdvault/walletcore/hdchain"
	"github.com/hdvault/walletcore/kvstore"
	"github.com/hdvault/walletcore/vault"
)

const (
	accountsSubDb = "accounts"
	commentsSubDb = "comments"

	// DefaultDbCount is the number of sub-databases a freshly created
	// wallet opens: the account index and the comment store. SetDbCount
	// raises this ceiling for callers that want additional
	// application-defined sub-databases.
	DefaultDbCount = 2

	assetKeyPrefix  = "asset/"
	extCursorPrefix = "cursor/ext/"
	chgCursorPrefix = "cursor/chg/"
)

// Wallet is a single opened wallet: one encrypted storage engine, one
// secret container guarding its seed, and the set of accounts and
// sub-databases derived from it.
type Wallet struct {
	id       string
	params   *chaincfg.Params
	engine   *kvstore.Engine
	secrets  *vault.Container
	watching bool

	mu       sync.Mutex
	subDbs   map[string]*kvstore.Handle
	accounts map[string]*hdchain.Account
	dbCount  uint32
}

// fixedSeed implements kvstore.SeedSource over a static byte slice, for
// watching-only wallets that have no secret container and derive their
// sub-database epoch keys from the public root itself instead of a seed.
type fixedSeed []byte

func (s fixedSeed) Seed() ([]byte, error) { return []byte(s), nil }

// Create initializes a brand-new wallet at path: a fresh random seed,
// wrapped under passphrase in its secret container, with the default
// sub-databases opened and no accounts yet.
func Create(path string, passphrase []byte, params *chaincfg.Params,
	targetKDFTime time.Duration) (*Wallet, error) {

	if err := ValidatePassphrase(passphrase); err != nil {
		return nil, err
	}

	engine, err := kvstore.Open(path, true)
	if err != nil {
		return nil, err
	}

	secrets, err := vault.Open(engine.DB(), "vault")
	if err != nil {
		return nil, err
	}
	if err := secrets.CreateUnlocked(passphrase, targetKDFTime); err != nil {
		return nil, err
	}

	return bootstrap(engine, secrets, params)
}

// CreateBlank initializes a wallet exactly as Create does: a freshly
// generated random seed protected by passphrase, the default
// sub-databases, and no accounts. It does not install a zero seed, and
// nothing in this package replaces the seed afterwards with one
// generated elsewhere.
func CreateBlank(path string, passphrase []byte, params *chaincfg.Params,
	targetKDFTime time.Duration) (*Wallet, error) {

	return Create(path, passphrase, params, targetKDFTime)
}

// CreateFromPublicRoot initializes a watching-only wallet directly from
// a compressed master public key (masterPub holds its serialized bytes,
// with no chain code), with no passphrase and no secret container:
// there is no private material to protect. Sub-databases opened on a
// wallet created this way derive their epoch keys from the public root's
// serialized bytes rather than from a seed.
func CreateFromPublicRoot(path string, masterPub []byte, params *chaincfg.Params) (*Wallet, error) {
	engine, err := kvstore.Open(path, true)
	if err != nil {
		return nil, err
	}

	w := &Wallet{
		id:       walletIDFromBytes(masterPub),
		params:   params,
		engine:   engine,
		watching: true,
		subDbs:   make(map[string]*kvstore.Handle),
		accounts: make(map[string]*hdchain.Account),
		dbCount:  DefaultDbCount,
	}

	if err := w.openDefaultSubDbs(fixedSeed(masterPub)); err != nil {
		return nil, err
	}
	if err := w.loadAccountsLocked(); err != nil {
		return nil, err
	}

	return w, nil
}

// Load opens an existing wallet at path and unlocks it with passphrase.
func Load(path string, passphrase []byte, params *chaincfg.Params) (*Wallet, error) {
	engine, err := kvstore.Open(path, false)
	if err != nil {
		return nil, err
	}

	secrets, err := vault.Open(engine.DB(), "vault")
	if err != nil {
		return nil, err
	}
	if err := secrets.Unlock(passphrase); err != nil {
		return nil, err
	}

	return bootstrap(engine, secrets, params)
}

// LoadWithPrompt is Load with the passphrase supplied interactively: it
// unlocks the wallet's secret container through prompt, retrying on a
// wrong guess, rather than taking a single passphrase up front.
func LoadWithPrompt(path string, params *chaincfg.Params, prompt vault.UnlockPrompter) (*Wallet, error) {
	engine, err := kvstore.Open(path, false)
	if err != nil {
		return nil, err
	}

	secrets, err := vault.Open(engine.DB(), "vault")
	if err != nil {
		return nil, err
	}
	if err := secrets.UnlockWithPrompt(prompt); err != nil {
		return nil, err
	}

	return bootstrap(engine, secrets, params)
}

// bootstrap derives the wallet ID from the unlocked seed's master public
// key, opens the default sub-databases, and reloads every previously
// persisted account from the accounts sub-database.
func bootstrap(engine *kvstore.Engine, secrets *vault.Container,
	params *chaincfg.Params) (*Wallet, error) {

	seed, err := secrets.Seed()
	if err != nil {
		return nil, err
	}

	master, err := hdchain.NewMasterNode(seed)
	if err != nil {
		return nil, err
	}

	w := &Wallet{
		id:       walletIDFromBytes(master.PubKey.SerializeCompressed()),
		params:   params,
		engine:   engine,
		secrets:  secrets,
		subDbs:   make(map[string]*kvstore.Handle),
		accounts: make(map[string]*hdchain.Account),
		dbCount:  DefaultDbCount,
	}

	if err := w.openDefaultSubDbs(secrets); err != nil {
		return nil, err
	}
	if err := w.loadAccountsLocked(); err != nil {
		return nil, err
	}

	return w, nil
}

func (w *Wallet) openDefaultSubDbs(seeds kvstore.SeedSource) error {
	for _, name := range []string{accountsSubDb, commentsSubDb} {
		if err := w.addSubDbLocked(name, seeds); err != nil {
			return err
		}
	}
	return nil
}

// loadAccountsLocked reconstructs every account persisted in the
// accounts sub-database, then fast-forwards each chain's cursor past
// whatever addresses were already materialized before the wallet was
// last closed. No caller holds w.mu yet at this point (it runs during
// construction), so it accesses w.accounts and w.subDbs directly.
func (w *Wallet) loadAccountsLocked() error {
	handle := w.subDbs[accountsSubDb]

	tx, err := handle.Begin(context.Background(), false)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	entries, err := tx.Iterator()
	if err != nil {
		return err
	}

	cursors := make(map[string][]kvstore.KV)
	for _, kv := range entries {
		key := string(kv.Key)

		switch {
		case strings.HasPrefix(key, assetKeyPrefix):
			name := strings.TrimPrefix(key, assetKeyPrefix)

			entry, err := hdchain.DecodeAssetEntry(kv.Value)
			if err != nil {
				return fmt.Errorf("wallet: decoding account %q: %w", name, err)
			}
			account, err := hdchain.AccountFromAssetEntry(entry)
			if err != nil {
				return fmt.Errorf("wallet: reconstructing account %q: %w", name, err)
			}
			w.accounts[name] = account

		case strings.HasPrefix(key, extCursorPrefix):
			name := strings.TrimPrefix(key, extCursorPrefix)
			cursors[name+"\x00ext"] = append(cursors[name+"\x00ext"], kv)

		case strings.HasPrefix(key, chgCursorPrefix):
			name := strings.TrimPrefix(key, chgCursorPrefix)
			cursors[name+"\x00chg"] = append(cursors[name+"\x00chg"], kv)
		}
	}

	for tagged, kvs := range cursors {
		parts := strings.SplitN(tagged, "\x00", 2)
		name, chain := parts[0], parts[1]

		account, ok := w.accounts[name]
		if !ok {
			continue
		}
		if err := restoreCursor(account, chain == "chg", kvs[0].Value); err != nil {
			return fmt.Errorf("wallet: restoring %q cursor for %q: %w", chain, name, err)
		}
	}

	return nil
}

func restoreCursor(account *hdchain.Account, isChange bool, value []byte) error {
	index, n := binary.Uvarint(value)
	if n <= 0 {
		return fmt.Errorf("wallet: malformed cursor record")
	}

	var head *hdchain.Armory135Node
	if rest := value[n:]; len(rest) > 0 {
		entry, err := hdchain.DecodeBip32RootEntry(rest)
		if err != nil {
			return err
		}
		head, err = hdchain.Armory135NodeFromRootEntry(entry)
		if err != nil {
			return err
		}
	}

	return account.RestoreCursor(isChange, uint32(index), head)
}

// AddSubDb opens an additional named sub-database against the wallet's
// own seed, beyond the two the façade opens by default. It fails if the
// wallet's db count ceiling (see SetDbCount) has already been reached.
func (w *Wallet) AddSubDb(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if uint32(len(w.subDbs)) >= w.dbCount {
		return fmt.Errorf("wallet: db count ceiling of %d reached, "+
			"call SetDbCount first", w.dbCount)
	}

	if w.watching {
		return ErrWatchingOnly
	}

	return w.addSubDbLocked(name, w.secrets)
}

func (w *Wallet) addSubDbLocked(name string, seeds kvstore.SeedSource) error {
	if _, ok := w.subDbs[name]; ok {
		return nil
	}

	salt := controlSalt(w.id, name)
	handle, err := w.engine.OpenSubDb(name, salt, seeds)
	if err != nil {
		return err
	}

	w.subDbs[name] = handle

	return nil
}

// SetDbCount raises the maximum number of sub-databases this wallet may
// open. It never shrinks the ceiling: the engine has no defined behavior
// for retiring a live sub-database, so a caller asking to shrink below
// the current count gets ErrDbCountDecrease rather than guessed-at
// compaction.
func (w *Wallet) SetDbCount(count uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if count < w.dbCount {
		return ErrDbCountDecrease
	}
	w.dbCount = count

	return nil
}

// GetWalletId returns the wallet's stable identifier, derived once at
// creation from its master public key and unaffected by passphrase
// changes or forking to watching-only.
func (w *Wallet) GetWalletId() string {
	return w.id
}

// CreateAccount creates a new named account of the given type under the
// accounts sub-database, deriving its root from the wallet's BIP32
// master node at the hardened index accountIndex, and persists its
// asset entry so it survives a close and reload. Watching-only wallets
// (w.watching, not merely a nil secret container: a forked wallet has
// its own, unrelated secret container) can never create an account,
// since every account type this façade derives needs a private root.
func (w *Wallet) CreateAccount(name string, accountType hdchain.AccountType, accountIndex uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.accounts[name]; exists {
		return fmt.Errorf("wallet: account %q already exists", name)
	}

	if w.watching {
		return ErrWatchingOnly
	}

	master, err := w.masterNodeLocked()
	if err != nil {
		return err
	}

	root, err := master.Child(hdchain.HardenedKeyStart + accountIndex)
	if err != nil {
		return err
	}

	var account *hdchain.Account
	switch accountType {
	case hdchain.AccountBIP32:
		account, err = hdchain.NewBIP32Account(root)

	case hdchain.AccountBIP32Salted:
		salt := saltForAccount(w.id, name, root)
		account, err = hdchain.NewBIP32SaltedAccount(hdchain.NewSaltedNode(root, salt))

	case hdchain.AccountArmory135:
		account = hdchain.NewArmory135Account(
			hdchain.NewArmory135Root(root.PrivKey, root.ChainCode))

	case hdchain.AccountECDH:
		account = hdchain.NewECDHAccount(hdchain.NewSettlementAccount(root.PrivKey))

	default:
		return hdchain.ErrUnknownAccountType
	}
	if err != nil {
		return err
	}

	if err := w.persistAccountLocked(name, account); err != nil {
		return err
	}

	w.accounts[name] = account

	return nil
}

// CreateMultisigAccount creates a new named m-of-n multisig account from
// one BIP32 root per cosigner. Unlike CreateAccount, the cosigner roots
// come from the caller rather than being derived from this wallet's own
// master node: a multisig account's whole point is combining key
// material this wallet doesn't solely control. Cosigners this wallet
// doesn't hold a private key for should be passed in neutered.
func (w *Wallet) CreateMultisigAccount(name string, threshold int, cosignerRoots []*hdchain.Node) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.accounts[name]; exists {
		return fmt.Errorf("wallet: account %q already exists", name)
	}

	account, err := hdchain.NewMultisigAccount(threshold, cosignerRoots)
	if err != nil {
		return err
	}

	if err := w.persistAccountLocked(name, account); err != nil {
		return err
	}

	w.accounts[name] = account

	return nil
}

// AddSalt registers salt against the named AccountECDH account, for
// later use by GetNewAddress, and re-persists the account so the salt
// survives a close and reload.
func (w *Wallet) AddSalt(accountName string, salt [32]byte) (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	account, ok := w.accounts[accountName]
	if !ok {
		return 0, ErrUnknownAccount
	}

	id, err := account.AddSalt(salt)
	if err != nil {
		return 0, err
	}

	if err := w.persistAccountLocked(accountName, account); err != nil {
		return 0, err
	}

	return id, nil
}

// persistAccountLocked writes account's current asset entry into the
// accounts sub-database. Callers must hold w.mu.
func (w *Wallet) persistAccountLocked(name string, account *hdchain.Account) error {
	entry, err := account.AssetEntry()
	if err != nil {
		return err
	}
	encoded, err := hdchain.EncodeAssetEntry(entry)
	if err != nil {
		return err
	}

	handle := w.subDbs[accountsSubDb]
	tx, err := handle.Begin(context.Background(), true)
	if err != nil {
		return err
	}
	if err := tx.Insert([]byte(assetKeyPrefix+name), encoded); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// persistCursorLocked writes account's current chain position for the
// named chain into the accounts sub-database, so GetNewAddress or
// GetNewChangeAddress resumes from the right index after a reload
// instead of reissuing an already-handed-out address. Callers must hold
// w.mu.
func (w *Wallet) persistCursorLocked(name string, isChange bool, account *hdchain.Account) error {
	// Account types with no distinct change chain alias NextChangeAddress
	// onto the same state NextAddress advances; persist them under one
	// key regardless of which method was actually called, so a reload
	// never picks between two independently-written copies of the same
	// position.
	hasChangeChain := account.Type == hdchain.AccountBIP32 || account.Type == hdchain.AccountBIP32Salted
	if !hasChangeChain {
		isChange = false
	}

	index, head := account.CursorState(isChange)

	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, uint64(index))
	value := append([]byte{}, buf[:n]...)
	if head != nil {
		value = append(value, hdchain.EncodeBip32RootEntry(
			hdchain.RootEntryFromArmory135Node(head))...)
	}

	prefix := extCursorPrefix
	if isChange {
		prefix = chgCursorPrefix
	}

	handle := w.subDbs[accountsSubDb]
	tx, err := handle.Begin(context.Background(), true)
	if err != nil {
		return err
	}
	if err := tx.Insert([]byte(prefix+name), value); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// saltForAccount derives a salted account's fixed scalar deterministically
// from the wallet ID, account name, and the account root's own public key,
// so a watching-only fork can recompute the identical salt without ever
// holding the private root that produced it.
func saltForAccount(walletID, name string, root *hdchain.Node) secp256k1.ModNScalar {
	digest := chainhash.DoubleHashB(append(
		[]byte("account-salt:"+walletID+":"+name),
		root.PubKey.SerializeCompressed()...))

	var salt secp256k1.ModNScalar
	salt.SetByteSlice(digest)
	if salt.IsZero() {
		salt.SetInt(1)
	}
	return salt
}

func (w *Wallet) masterNodeLocked() (*hdchain.Node, error) {
	if w.secrets == nil {
		return nil, ErrWatchingOnly
	}
	seed, err := w.secrets.Seed()
	if err != nil {
		return nil, err
	}
	return hdchain.NewMasterNode(seed)
}

// GetNewAddress derives and materializes the next external address for
// the named account, and persists the account's advanced cursor so a
// later reload doesn't reissue it.
func (w *Wallet) GetNewAddress(accountName string, scriptType hdchain.ScriptType) (*hdchain.MaterializedAddress, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	account, ok := w.accounts[accountName]
	if !ok {
		return nil, ErrUnknownAccount
	}

	addr, err := account.NextAddress(scriptType, w.params)
	if err != nil {
		return nil, err
	}

	if err := w.persistCursorLocked(accountName, false, account); err != nil {
		return nil, err
	}

	return addr, nil
}

// GetNewChangeAddress derives and materializes the next change address
// for the named account. BIP32 and BIP32-salted accounts draw this from
// a chain distinct from GetNewAddress's; every other account type this
// façade supports has no second chain and draws from the same sequence.
func (w *Wallet) GetNewChangeAddress(accountName string, scriptType hdchain.ScriptType) (*hdchain.MaterializedAddress, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	account, ok := w.accounts[accountName]
	if !ok {
		return nil, ErrUnknownAccount
	}

	addr, err := account.NextChangeAddress(scriptType, w.params)
	if err != nil {
		return nil, err
	}

	if err := w.persistCursorLocked(accountName, true, account); err != nil {
		return nil, err
	}

	return addr, nil
}

// AddressForHash performs the reverse lookup from a hash160 back to the
// materialized address the named account produced it from, if any.
func (w *Wallet) AddressForHash(accountName string, hash []byte) (*hdchain.MaterializedAddress, bool) {
	w.mu.Lock()
	account, ok := w.accounts[accountName]
	w.mu.Unlock()
	if !ok {
		return nil, false
	}

	return account.AddressForHash(hash)
}

// ForkWatchingOnly derives a watching-only copy of this wallet into a
// brand-new store at path, protected by its own passphrase: every
// account loses its private key before being written there, and the new
// wallet's secret container guards an unrelated fresh seed whose only
// purpose is deriving that store's own sub-database epoch keys, not any
// account key material (forked accounts come entirely from neutered
// asset entries, independent of any seed). The two wallets' underlying
// engines are never shared, so closing or deleting either one can never
// disturb the other.
func (w *Wallet) ForkWatchingOnly(path string, passphrase []byte, targetKDFTime time.Duration) (*Wallet, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	engine, err := kvstore.Open(path, true)
	if err != nil {
		return nil, err
	}

	secrets, err := vault.Open(engine.DB(), "vault")
	if err != nil {
		return nil, err
	}
	if err := secrets.CreateUnlocked(passphrase, targetKDFTime); err != nil {
		return nil, err
	}

	forked := &Wallet{
		id:       w.id,
		params:   w.params,
		engine:   engine,
		secrets:  secrets,
		watching: true,
		subDbs:   make(map[string]*kvstore.Handle),
		accounts: make(map[string]*hdchain.Account),
		dbCount:  w.dbCount,
	}

	if err := forked.openDefaultSubDbs(secrets); err != nil {
		return nil, err
	}

	for name, account := range w.accounts {
		neutered, err := account.Neuter()
		if err != nil {
			return nil, fmt.Errorf("wallet: forking account %q: %w", name, err)
		}
		if err := forked.persistAccountLocked(name, neutered); err != nil {
			return nil, fmt.Errorf("wallet: persisting forked account %q: %w", name, err)
		}
		if err := forked.persistCursorLocked(name, false, neutered); err != nil {
			return nil, err
		}
		if err := forked.persistCursorLocked(name, true, neutered); err != nil {
			return nil, err
		}
		forked.accounts[name] = neutered
	}

	return forked, nil
}

// SetComment stores an arbitrary string comment under key in the
// comments sub-database.
func (w *Wallet) SetComment(key, comment string) error {
	w.mu.Lock()
	handle, ok := w.subDbs[commentsSubDb]
	w.mu.Unlock()
	if !ok {
		return ErrUnknownSubDb
	}

	tx, err := handle.Begin(context.Background(), true)
	if err != nil {
		return err
	}
	if err := tx.Insert([]byte(key), []byte(comment)); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// GetComment retrieves a comment previously stored with SetComment.
func (w *Wallet) GetComment(key string) (string, error) {
	w.mu.Lock()
	handle, ok := w.subDbs[commentsSubDb]
	w.mu.Unlock()
	if !ok {
		return "", ErrUnknownSubDb
	}

	tx, err := handle.Begin(context.Background(), false)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	value, err := tx.Get([]byte(key))
	if err != nil {
		return "", err
	}
	return string(value), nil
}

// Close releases the wallet's underlying storage engine.
func (w *Wallet) Close() error {
	return w.engine.Close()
}

func walletIDFromBytes(b []byte) string {
	return chainhash.DoubleHashH(b).String()[:16]
}

func controlSalt(walletID, subDbName string) []byte {
	return chainhash.DoubleHashB([]byte("wallet-control-salt:" + walletID + ":" + subDbName))
}
