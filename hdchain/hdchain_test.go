package hdchain

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"
)

var testSeed = []byte{
	0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07,
	0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f,
}

func TestMasterNodeIsDeterministic(t *testing.T) {
	m1, err := NewMasterNode(testSeed)
	require.NoError(t, err)
	m2, err := NewMasterNode(testSeed)
	require.NoError(t, err)

	require.Equal(t, m1.PrivKey.Serialize(), m2.PrivKey.Serialize())
	require.Equal(t, m1.ChainCode, m2.ChainCode)
}

func TestChildDerivationMatchesPublicDerivation(t *testing.T) {
	master, err := NewMasterNode(testSeed)
	require.NoError(t, err)

	child, err := master.Child(0)
	require.NoError(t, err)
	require.NotNil(t, child.PrivKey)

	pubOnlyMaster := master.Neuter()
	pubChild, err := pubOnlyMaster.Child(0)
	require.NoError(t, err)
	require.Nil(t, pubChild.PrivKey)

	require.Equal(t,
		child.PubKey.SerializeCompressed(),
		pubChild.PubKey.SerializeCompressed(),
	)
}

func TestHardenedChildRequiresPrivateKey(t *testing.T) {
	master, err := NewMasterNode(testSeed)
	require.NoError(t, err)

	pubOnly := master.Neuter()
	_, err = pubOnly.Child(HardenedKeyStart)
	require.ErrorIs(t, err, ErrHardenedPublicDerivation)
}

func TestDifferentIndicesProduceDifferentKeys(t *testing.T) {
	master, err := NewMasterNode(testSeed)
	require.NoError(t, err)

	c0, err := master.Child(0)
	require.NoError(t, err)
	c1, err := master.Child(1)
	require.NoError(t, err)

	require.NotEqual(t, c0.PubKey.SerializeCompressed(), c1.PubKey.SerializeCompressed())
}

func TestArmory135ChainPublicPrivateAgreement(t *testing.T) {
	master, err := NewMasterNode(testSeed)
	require.NoError(t, err)

	root := NewArmory135Root(master.PrivKey, master.ChainCode)
	watchRoot := NewArmory135WatchingRoot(master.PubKey, master.ChainCode)

	node := root
	watch := watchRoot
	for i := 0; i < 5; i++ {
		node, err = node.Next()
		require.NoError(t, err)
		watch, err = watch.Next()
		require.NoError(t, err)

		require.Equal(t,
			node.PubKey.SerializeCompressed(),
			watch.PubKey.SerializeCompressed(),
		)
	}
}

func TestSaltedNodeConsistency(t *testing.T) {
	master, err := NewMasterNode(testSeed)
	require.NoError(t, err)

	var salt secp256k1.ModNScalar
	salt.SetInt(7)

	salted := NewSaltedNode(master, salt)
	child, err := salted.Child(3)
	require.NoError(t, err)

	derivedPriv, err := child.PrivKey()
	require.NoError(t, err)
	require.Equal(t,
		child.PubKey().SerializeCompressed(),
		derivedPriv.PubKey().SerializeCompressed(),
	)
}

func TestSettlementAccountAddSaltIsIdempotent(t *testing.T) {
	ourKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	account := NewSettlementAccount(ourKey)

	var salt [32]byte
	salt[0] = 0x01

	id1, err := account.AddSalt(salt)
	require.NoError(t, err)

	id2, err := account.AddSalt(salt)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	pub1, err := account.PubKeyAt(id1)
	require.NoError(t, err)
	pub2, err := account.PubKeyAt(id2)
	require.NoError(t, err)
	require.Equal(t, pub1.SerializeCompressed(), pub2.SerializeCompressed())
}

func TestMaterializeAddressRoundTrip(t *testing.T) {
	master, err := NewMasterNode(testSeed)
	require.NoError(t, err)

	addr, err := MaterializeAddress(master.PubKey, ScriptP2WPKH, &chaincfg.MainNetParams)
	require.NoError(t, err)
	require.NotEmpty(t, addr.Address.EncodeAddress())
}

func TestAccountReverseLookups(t *testing.T) {
	master, err := NewMasterNode(testSeed)
	require.NoError(t, err)

	account, err := NewBIP32Account(master)
	require.NoError(t, err)

	addr, err := account.NextAddress(ScriptP2PKH, &chaincfg.MainNetParams)
	require.NoError(t, err)

	found, ok := account.AddressForHash(addr.Hash)
	require.True(t, ok)
	require.Equal(t, addr.Address.EncodeAddress(), found.Address.EncodeAddress())

	path, ok := account.BIP32PathForPubkey(addr.PubKey)
	require.True(t, ok)
	require.Equal(t, []uint32{0, 0}, path)
}

// TestBIP32Vector1MasterFingerprint checks this package's master-node
// derivation against BIP32 test vector 1's well-known seed and master
// key fingerprint.
func TestBIP32Vector1MasterFingerprint(t *testing.T) {
	seed, err := hex.DecodeString("000102030405060708090a0b0c0d0e0f")
	require.NoError(t, err)

	master, err := NewMasterNode(seed)
	require.NoError(t, err)

	fp := master.Fingerprint()
	require.Equal(t, "3442193e", hex.EncodeToString(fp[:]))
}

// TestBIP32Vector1HardenedChildFingerprint extends the same vector one
// hardened step, m/0', and checks its fingerprint, then round-trips the
// master's xprv through EncodeExtendedKey/base58 decoding and checks that
// the child's xpub encodes.
func TestBIP32Vector1HardenedChildFingerprint(t *testing.T) {
	seed, err := hex.DecodeString("000102030405060708090a0b0c0d0e0f")
	require.NoError(t, err)

	master, err := NewMasterNode(seed)
	require.NoError(t, err)

	child, err := master.Child(HardenedKeyStart + 0)
	require.NoError(t, err)

	fp := child.Fingerprint()
	require.Equal(t, "5c1bd648", hex.EncodeToString(fp[:]))

	var zeroFingerprint [4]byte
	xprv, err := EncodeExtendedKey(master, zeroFingerprint, MainNetExtendedKeyVersions, true)
	require.NoError(t, err)

	decoded, version, err := base58.CheckDecode(xprv)
	require.NoError(t, err)
	require.Len(t, decoded, 78-1) // CheckDecode splits off the version byte
	_ = version

	xpub, err := EncodeExtendedKey(child, master.Fingerprint(), MainNetExtendedKeyVersions, false)
	require.NoError(t, err)
	require.NotEmpty(t, xpub)
}

// TestBase58CheckRoundTrip exercises base58.CheckEncode/CheckDecode
// against Bitcoin's genesis block coinbase address, which every base58
// implementation in the ecosystem is validated against.
func TestBase58CheckRoundTrip(t *testing.T) {
	const genesisAddr = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"

	payload, version, err := base58.CheckDecode(genesisAddr)
	require.NoError(t, err)
	require.Equal(t, byte(0x00), version)
	require.Len(t, payload, 20)

	require.Equal(t, genesisAddr, base58.CheckEncode(payload, version))
}

// TestBech32VectorDecodesWitnessProgram checks the bech32 package this
// module's address encoding relies on against BIP173's canonical P2WPKH
// test vector.
func TestBech32VectorDecodesWitnessProgram(t *testing.T) {
	const addr = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"

	hrp, data, err := bech32.Decode(addr)
	require.NoError(t, err)
	require.Equal(t, "bc", hrp)

	// data[0] is the witness version; the rest is the 5-bit-packed
	// witness program.
	version := data[0]
	require.Equal(t, byte(0), version)

	program, err := bech32.ConvertBits(data[1:], 5, 8, false)
	require.NoError(t, err)
	require.Equal(t, "751e76e8199196d454941c45d1b3a323f1433bd6", hex.EncodeToString(program))

	decodedAddr, err := btcutil.DecodeAddress(addr, &chaincfg.MainNetParams)
	require.NoError(t, err)
	witnessAddr, ok := decodedAddr.(*btcutil.AddressWitnessPubKeyHash)
	require.True(t, ok)
	require.Equal(t, addr, witnessAddr.EncodeAddress())
}
