package main

import (
	"fmt"
	"time"

	"github.com/hdvault/walletcore/wallet"
	"github.com/jessevdk/go-flags"
)

type createCommand struct {
	WalletFile     string `long:"wallet-file" description:"The full path to the wallet file to create" required:"true"`
	PassphraseFile string `long:"passphrase-file" description:"The full path to the file containing the wallet passphrase" required:"true"`
	Network        string `long:"network" description:"The Bitcoin network to create the wallet for" choice:"mainnet" choice:"testnet3" choice:"regtest" choice:"simnet"`
	WatchOnly      bool   `long:"watch-only" description:"Create a watching-only wallet from a compressed master public key instead of a fresh seed"`
	PublicRootHex  string `long:"public-root" description:"Hex-encoded compressed master public key, required with --watch-only"`
}

func newCreateCommand() *createCommand {
	return &createCommand{
		Network: defaultNetwork,
	}
}

func (x *createCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"create",
		"Create a new wallet",
		"Create a new wallet file, either from a freshly generated "+
			"seed protected by a passphrase, or as a watching-only "+
			"wallet derived from a compressed master public key",
		x,
	)
	return err
}

func (x *createCommand) Execute(_ []string) error {
	params, err := networkParams(x.Network)
	if err != nil {
		return err
	}

	if x.WatchOnly {
		pub, err := hexDecode(x.PublicRootHex)
		if err != nil {
			return fmt.Errorf("decoding public root: %w", err)
		}

		w, err := wallet.CreateFromPublicRoot(x.WalletFile, pub, params)
		if err != nil {
			return err
		}
		defer w.Close()

		fmt.Printf("created watching-only wallet %s\n", w.GetWalletId())
		return nil
	}

	passphrase, err := readPassphraseFile(x.PassphraseFile)
	if err != nil {
		return err
	}

	w, err := wallet.Create(x.WalletFile, passphrase, params, 250*time.Millisecond)
	if err != nil {
		return err
	}
	defer w.Close()

	fmt.Printf("created wallet %s\n", w.GetWalletId())

	return nil
}
