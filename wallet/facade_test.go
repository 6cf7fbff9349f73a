package wallet

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/hdvault/walletcore/hdchain"
	"github.com/stretchr/testify/require"
)

const testKDFTime = time.Millisecond

func testWalletPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "wallet.db")
}

func TestCreateAndLoad(t *testing.T) {
	path := testWalletPath(t)

	w, err := Create(path, []byte("correct horse battery staple"), &chaincfg.RegressionNetParams, testKDFTime)
	require.NoError(t, err)
	id := w.GetWalletId()
	require.NotEmpty(t, id)
	require.NoError(t, w.Close())

	reopened, err := Load(path, []byte("correct horse battery staple"), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	require.Equal(t, id, reopened.GetWalletId())
	require.NoError(t, reopened.Close())
}

func TestCreateRejectsShortPassphrase(t *testing.T) {
	_, err := Create(testWalletPath(t), []byte("short"), &chaincfg.RegressionNetParams, testKDFTime)
	require.ErrorIs(t, err, ErrShortPassphrase)
}

func TestCreateAccountAndGetNewAddress(t *testing.T) {
	path := testWalletPath(t)
	w, err := Create(path, []byte("correct horse battery staple"), &chaincfg.RegressionNetParams, testKDFTime)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.CreateAccount("default", hdchain.AccountBIP32, 0))

	addr1, err := w.GetNewAddress("default", hdchain.ScriptP2WPKH)
	require.NoError(t, err)
	require.NotNil(t, addr1.Address)

	addr2, err := w.GetNewAddress("default", hdchain.ScriptP2WPKH)
	require.NoError(t, err)
	require.NotEqual(t, addr1.Address.EncodeAddress(), addr2.Address.EncodeAddress())
}

func TestGetNewAddressUnknownAccount(t *testing.T) {
	path := testWalletPath(t)
	w, err := Create(path, []byte("correct horse battery staple"), &chaincfg.RegressionNetParams, testKDFTime)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.GetNewAddress("nope", hdchain.ScriptP2WPKH)
	require.ErrorIs(t, err, ErrUnknownAccount)
}

func TestForkWatchingOnlyStripsPrivateKeys(t *testing.T) {
	path := testWalletPath(t)
	w, err := Create(path, []byte("correct horse battery staple"), &chaincfg.RegressionNetParams, testKDFTime)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.CreateAccount("default", hdchain.AccountBIP32, 0))
	addr, err := w.GetNewAddress("default", hdchain.ScriptP2WPKH)
	require.NoError(t, err)

	forkPath := testWalletPath(t)
	watching, err := w.ForkWatchingOnly(forkPath, []byte("watcher passphrase"), testKDFTime)
	require.NoError(t, err)
	defer watching.Close()
	require.Equal(t, w.GetWalletId(), watching.GetWalletId())
	require.True(t, watching.watching)

	// The fork preserves the account's chain position, so it recognizes
	// the address already handed out rather than reissuing it...
	found, ok := watching.AddressForHash("default", addr.Hash)
	require.True(t, ok)
	require.Equal(t, addr.Address.EncodeAddress(), found.Address.EncodeAddress())

	// ...and continues the sequence forward from there.
	watchAddr, err := watching.GetNewAddress("default", hdchain.ScriptP2WPKH)
	require.NoError(t, err)
	require.NotEqual(t, addr.Address.EncodeAddress(), watchAddr.Address.EncodeAddress())

	err = watching.CreateAccount("second", hdchain.AccountBIP32, 1)
	require.ErrorIs(t, err, ErrWatchingOnly)
}

func TestSetDbCountRefusesDecrease(t *testing.T) {
	path := testWalletPath(t)
	w, err := Create(path, []byte("correct horse battery staple"), &chaincfg.RegressionNetParams, testKDFTime)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.SetDbCount(4))
	err = w.SetDbCount(1)
	require.ErrorIs(t, err, ErrDbCountDecrease)
}

func TestAddSubDbRespectsCeiling(t *testing.T) {
	path := testWalletPath(t)
	w, err := Create(path, []byte("correct horse battery staple"), &chaincfg.RegressionNetParams, testKDFTime)
	require.NoError(t, err)
	defer w.Close()

	// The default ceiling of 2 is already consumed by the accounts and
	// comments sub-databases opened at Create time.
	err = w.AddSubDb("extra")
	require.Error(t, err)

	require.NoError(t, w.SetDbCount(3))
	require.NoError(t, w.AddSubDb("extra"))
}

func TestCommentStoreRoundTrip(t *testing.T) {
	path := testWalletPath(t)
	w, err := Create(path, []byte("correct horse battery staple"), &chaincfg.RegressionNetParams, testKDFTime)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.SetComment("tx:abcd", "paid the plumber"))

	comment, err := w.GetComment("tx:abcd")
	require.NoError(t, err)
	require.Equal(t, "paid the plumber", comment)
}

func TestChangePassphraseIntegration(t *testing.T) {
	path := testWalletPath(t)
	w, err := Create(path, []byte("old-pass-but-long-enough"), &chaincfg.RegressionNetParams, testKDFTime)
	require.NoError(t, err)
	id := w.GetWalletId()
	require.NoError(t, w.secrets.ChangePassphrase(
		[]byte("old-pass-but-long-enough"), []byte("new-pass-but-long-enough"), testKDFTime))
	require.NoError(t, w.Close())

	_, err = Load(path, []byte("old-pass-but-long-enough"), &chaincfg.RegressionNetParams)
	require.Error(t, err)

	reopened, err := Load(path, []byte("new-pass-but-long-enough"), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	require.Equal(t, id, reopened.GetWalletId())
	require.NoError(t, reopened.Close())
}

func TestAccountAndAddressSurviveReload(t *testing.T) {
	path := testWalletPath(t)
	w, err := Create(path, []byte("correct horse battery staple"), &chaincfg.RegressionNetParams, testKDFTime)
	require.NoError(t, err)

	require.NoError(t, w.CreateAccount("default", hdchain.AccountBIP32, 0))
	addr1, err := w.GetNewAddress("default", hdchain.ScriptP2WPKH)
	require.NoError(t, err)
	changeAddr1, err := w.GetNewChangeAddress("default", hdchain.ScriptP2WPKH)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	reopened, err := Load(path, []byte("correct horse battery staple"), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	defer reopened.Close()

	// The reconstructed account resumes from where its chains left off,
	// rather than reissuing addr1/changeAddr1.
	addr2, err := reopened.GetNewAddress("default", hdchain.ScriptP2WPKH)
	require.NoError(t, err)
	require.NotEqual(t, addr1.Address.EncodeAddress(), addr2.Address.EncodeAddress())

	changeAddr2, err := reopened.GetNewChangeAddress("default", hdchain.ScriptP2WPKH)
	require.NoError(t, err)
	require.NotEqual(t, changeAddr1.Address.EncodeAddress(), changeAddr2.Address.EncodeAddress())
}

func TestCreateAccountECDHAndAddSalt(t *testing.T) {
	path := testWalletPath(t)
	w, err := Create(path, []byte("correct horse battery staple"), &chaincfg.RegressionNetParams, testKDFTime)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.CreateAccount("settlement", hdchain.AccountECDH, 0))

	var salt [32]byte
	salt[0] = 0x01
	id, err := w.AddSalt("settlement", salt)
	require.NoError(t, err)
	require.Equal(t, uint32(0), id)

	addr, err := w.GetNewAddress("settlement", hdchain.ScriptP2WPKH)
	require.NoError(t, err)
	require.NotNil(t, addr.Address)
}

func TestCreateMultisigAccount(t *testing.T) {
	path := testWalletPath(t)
	w, err := Create(path, []byte("correct horse battery staple"), &chaincfg.RegressionNetParams, testKDFTime)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.CreateAccount("cosigner-a", hdchain.AccountBIP32, 0))
	require.NoError(t, w.CreateAccount("cosigner-b", hdchain.AccountBIP32, 1))

	master, err := w.masterNodeLocked()
	require.NoError(t, err)
	rootA, err := master.Child(hdchain.HardenedKeyStart + 0)
	require.NoError(t, err)
	rootB, err := master.Child(hdchain.HardenedKeyStart + 1)
	require.NoError(t, err)

	require.NoError(t, w.CreateMultisigAccount("vault", 2, []*hdchain.Node{rootA, rootB}))

	addr, err := w.GetNewAddress("vault", hdchain.ScriptP2WSH)
	require.NoError(t, err)
	require.NotNil(t, addr.Address)
}

func TestCreateFromPublicRootIsWatchingOnly(t *testing.T) {
	path := testWalletPath(t)
	w, err := Create(path, []byte("correct horse battery staple"), &chaincfg.RegressionNetParams, testKDFTime)
	require.NoError(t, err)
	require.NoError(t, w.CreateAccount("default", hdchain.AccountBIP32, 0))

	master, err := w.masterNodeLocked()
	require.NoError(t, err)
	require.NoError(t, w.Close())

	watchPath := testWalletPath(t)
	watching, err := CreateFromPublicRoot(watchPath, master.PubKey.SerializeCompressed(), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	defer watching.Close()

	require.True(t, watching.watching)
	err = watching.CreateAccount("default", hdchain.AccountBIP32, 0)
	require.ErrorIs(t, err, ErrWatchingOnly)
}
