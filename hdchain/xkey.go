package hdchain

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ExtendedKeyVersions holds the four-byte version prefixes a BIP32
// extended key serializes under for a given network: "xprv"/"xpub" on
// mainnet, "tprv"/"tpub" on testnet/regtest, and so on.
type ExtendedKeyVersions struct {
	Private [4]byte
	Public  [4]byte
}

// MainNetExtendedKeyVersions are the version bytes Bitcoin mainnet
// assigns to "xprv"/"xpub".
var MainNetExtendedKeyVersions = ExtendedKeyVersions{
	Private: [4]byte{0x04, 0x88, 0xad, 0xe4},
	Public:  [4]byte{0x04, 0x88, 0xb2, 0x1e},
}

// Fingerprint returns the first 4 bytes of hash160(pubkey): the value a
// BIP32 extended key's parent-fingerprint field uses to identify its
// parent node without embedding it whole.
func (n *Node) Fingerprint() [4]byte {
	var fp [4]byte
	copy(fp[:], btcutil.Hash160(n.PubKey.SerializeCompressed())[:4])
	return fp
}

// EncodeExtendedKey serializes node to its base58Check "xprv"/"xpub"
// string, per BIP32 §Serialization format. parentFingerprint identifies
// node's parent (the all-zero fingerprint for a master node); private
// requests the "xprv" form and fails with ErrNoPrivateKey if node holds
// no private key.
func EncodeExtendedKey(node *Node, parentFingerprint [4]byte,
	versions ExtendedKeyVersions, private bool) (string, error) {

	payload := make([]byte, 0, 78)

	var keyData [33]byte
	if private {
		if node.PrivKey == nil {
			return "", ErrNoPrivateKey
		}
		payload = append(payload, versions.Private[:]...)
		copy(keyData[1:], node.PrivKey.Serialize())
	} else {
		payload = append(payload, versions.Public[:]...)
		copy(keyData[:], node.PubKey.SerializeCompressed())
	}

	payload = append(payload, node.Depth)
	payload = append(payload, parentFingerprint[:]...)

	var childNum [4]byte
	binary.BigEndian.PutUint32(childNum[:], node.ChildNum)
	payload = append(payload, childNum[:]...)

	payload = append(payload, node.ChainCode[:]...)
	payload = append(payload, keyData[:]...)

	checksum := chainhash.DoubleHashB(payload)[:4]
	payload = append(payload, checksum...)

	return base58.Encode(payload), nil
}
