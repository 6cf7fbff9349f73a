package main

import (
	"fmt"

	"github.com/hdvault/walletcore/wallet"
	"github.com/jessevdk/go-flags"
)

type commentCommand struct {
	WalletFile     string `long:"wallet-file" description:"The full path to the wallet file to open" required:"true"`
	PassphraseFile string `long:"passphrase-file" description:"The full path to the file containing the wallet passphrase" required:"true"`
	Network        string `long:"network" description:"The Bitcoin network the wallet was created for" choice:"mainnet" choice:"testnet3" choice:"regtest" choice:"simnet"`
	Key            string `long:"key" description:"The comment key to set or read" required:"true"`
	Value          string `long:"value" description:"The comment text to store; omit to read the existing comment instead"`
}

func newCommentCommand() *commentCommand {
	return &commentCommand{Network: defaultNetwork}
}

func (x *commentCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"comment",
		"Read or write a wallet comment",
		"Store an arbitrary text comment against a key in the "+
			"wallet's comment store, or read one back if --value "+
			"is omitted",
		x,
	)
	return err
}

func (x *commentCommand) Execute(_ []string) error {
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

	if x.Value == "" {
		comment, err := w.GetComment(x.Key)
		if err != nil {
			return err
		}
		fmt.Println(comment)
		return nil
	}

	return w.SetComment(x.Key, x.Value)
}
