package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

const defaultNetwork = "mainnet"

func networkParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(network) {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

// readPassphraseFile reads a passphrase from a file, trimming exactly one
// trailing newline so callers can pipe `printf '%s' pass > file` or
// `echo pass > file` interchangeably.
func readPassphraseFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening passphrase file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("passphrase file %q is empty", path)
	}

	return scanner.Bytes(), nil
}

func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
