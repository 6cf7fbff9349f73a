package hdchain

import (
	"bytes"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// ScriptType names the script template an address is materialized under.
type ScriptType uint8

const (
	ScriptP2PKH ScriptType = iota
	ScriptP2WPKH
	ScriptP2PK
	ScriptP2SH
	ScriptP2WSH
	ScriptMultisig
)

// MaterializedAddress is a derived public key paired with its encoded
// address string under a particular script template.
type MaterializedAddress struct {
	ScriptType ScriptType
	PubKey     *btcec.PublicKey
	Address    btcutil.Address
	Hash       []byte
}

// MaterializeAddress encodes pubKey under the requested script type for
// params. P2SH and P2WSH wrap a redeem/witness script rather than a bare
// public key; use MaterializeScriptAddress for those.
func MaterializeAddress(pubKey *btcec.PublicKey, scriptType ScriptType,
	params *chaincfg.Params) (*MaterializedAddress, error) {

	switch scriptType {
	case ScriptP2PKH:
		hash := btcutil.Hash160(pubKey.SerializeCompressed())
		addr, err := btcutil.NewAddressPubKeyHash(hash, params)
		if err != nil {
			return nil, err
		}
		return &MaterializedAddress{scriptType, pubKey, addr, hash}, nil

	case ScriptP2WPKH:
		hash := btcutil.Hash160(pubKey.SerializeCompressed())
		addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, params)
		if err != nil {
			return nil, err
		}
		return &MaterializedAddress{scriptType, pubKey, addr, hash}, nil

	case ScriptP2PK:
		addr, err := btcutil.NewAddressPubKey(pubKey.SerializeCompressed(), params)
		if err != nil {
			return nil, err
		}
		return &MaterializedAddress{scriptType, pubKey, addr, nil}, nil

	case ScriptMultisig:
		// Bare multisig has no canonical btcutil address encoding of its
		// own; callers materializing a multisig account's output always
		// wrap it as P2SH or P2WSH via MaterializeScriptAddress instead.
		return nil, ErrUnsupportedAddressType

	default:
		return nil, ErrUnknownAccountType
	}
}

// MaterializeScriptAddress encodes a redeem/witness script (a multisig
// script, or any other non-bare-key template) as a P2SH or P2WSH address.
func MaterializeScriptAddress(script []byte, scriptType ScriptType,
	params *chaincfg.Params) (*MaterializedAddress, error) {

	switch scriptType {
	case ScriptP2SH:
		hash := btcutil.Hash160(script)
		addr, err := btcutil.NewAddressScriptHash(script, params)
		if err != nil {
			return nil, err
		}
		return &MaterializedAddress{scriptType, nil, addr, hash}, nil

	case ScriptP2WSH:
		addr, err := btcutil.NewAddressWitnessScriptHash(script, params)
		if err != nil {
			return nil, err
		}
		return &MaterializedAddress{scriptType, nil, addr, nil}, nil

	case ScriptMultisig:
		// A request for the bare, unwrapped multisig script itself isn't
		// an address in any encoding btcutil defines.
		return nil, ErrUnsupportedAddressType

	default:
		return nil, ErrUnknownAccountType
	}
}

// MultiSigScript builds a bare m-of-n multisig redeem/witness script from
// pubKeys, sorted by compressed serialization so the same cosigner set
// always produces the identical script regardless of call order.
//
// Grounded on the same construction lnd's input.GenMultiSigScript uses for
// channel funding outputs, generalized from a fixed 2-of-2 to arbitrary
// m-of-n via ScriptBuilder.AddInt64 instead of literal opcodes.
func MultiSigScript(threshold int, pubKeys []*btcec.PublicKey) ([]byte, error) {
	if threshold <= 0 || threshold > len(pubKeys) || len(pubKeys) < 2 {
		return nil, ErrUnsupportedAddressType
	}

	serialized := make([][]byte, len(pubKeys))
	for i, pk := range pubKeys {
		serialized[i] = pk.SerializeCompressed()
	}
	sort.Slice(serialized, func(i, j int) bool {
		return bytes.Compare(serialized[i], serialized[j]) < 0
	})

	builder := txscript.NewScriptBuilder()
	builder.AddInt64(int64(threshold))
	for _, pk := range serialized {
		builder.AddData(pk)
	}
	builder.AddInt64(int64(len(serialized)))
	builder.AddOp(txscript.OP_CHECKMULTISIG)

	return builder.Script()
}
