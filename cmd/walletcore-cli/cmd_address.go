package main

import (
	"fmt"

	"github.com/hdvault/walletcore/hdchain"
	"github.com/hdvault/walletcore/wallet"
	"github.com/jessevdk/go-flags"
)

type addressCommand struct {
	WalletFile     string `long:"wallet-file" description:"The full path to the wallet file to open" required:"true"`
	PassphraseFile string `long:"passphrase-file" description:"The full path to the file containing the wallet passphrase" required:"true"`
	Network        string `long:"network" description:"The Bitcoin network the wallet was created for" choice:"mainnet" choice:"testnet3" choice:"regtest" choice:"simnet"`
	Account        string `long:"account" description:"The account name to derive the address from, created on demand"`
	AccountIndex   uint32 `long:"account-index" description:"The hardened BIP32 account index to use if the account doesn't exist yet"`
	ScriptType     string `long:"script-type" description:"The output script template to materialize the address under" choice:"p2pkh" choice:"p2wpkh" choice:"p2pk"`
	Change         bool   `long:"change" description:"Derive a change address instead of an external one"`
}

func newAddressCommand() *addressCommand {
	return &addressCommand{
		Network:    defaultNetwork,
		Account:    "default",
		ScriptType: "p2wpkh",
	}
}

func (x *addressCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"address",
		"Derive a new address",
		"Open an existing wallet, create the named account if it "+
			"doesn't already exist, and derive the next address in "+
			"its sequence",
		x,
	)
	return err
}

func (x *addressCommand) Execute(_ []string) error {
	params, err := networkParams(x.Network)
	if err != nil {
		return err
	}

	passphrase, err := readPassphraseFile(x.PassphraseFile)
	if err != nil {
		return err
	}

	w, err := wallet.Load(x.WalletFile, passphrase, params)
	if err != nil {
		return err
	}
	defer w.Close()

	scriptType, err := parseScriptType(x.ScriptType)
	if err != nil {
		return err
	}

	// CreateAccount is idempotent from the operator's point of view: an
	// already-existing account of the requested name is not an error
	// here, any other failure is.
	if err := w.CreateAccount(x.Account, hdchain.AccountBIP32, x.AccountIndex); err != nil &&
		!accountAlreadyExists(err, x.Account) {
		return err
	}

	var addr *hdchain.MaterializedAddress
	if x.Change {
		addr, err = w.GetNewChangeAddress(x.Account, scriptType)
	} else {
		addr, err = w.GetNewAddress(x.Account, scriptType)
	}
	if err != nil {
		return err
	}

	fmt.Println(addr.Address.EncodeAddress())

	return nil
}

func parseScriptType(s string) (hdchain.ScriptType, error) {
	switch s {
	case "p2pkh":
		return hdchain.ScriptP2PKH, nil
	case "p2wpkh":
		return hdchain.ScriptP2WPKH, nil
	case "p2pk":
		return hdchain.ScriptP2PK, nil
	default:
		return 0, fmt.Errorf("unknown script type %q", s)
	}
}

func accountAlreadyExists(err error, name string) bool {
	return err != nil && err.Error() == fmt.Sprintf("wallet: account %q already exists", name)
}
