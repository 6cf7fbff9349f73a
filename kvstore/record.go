package kvstore

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	compressedPubKeyLen = 33
	ivLen               = aes.BlockSize
	macLen              = sha256.Size
	envelopeMinLen      = compressedPubKeyLen + ivLen
)

// sealEntry encrypts payload (the varint-framed key/value record body) for
// storage at counter, under the recipient epoch public key. The HMAC tag
// authenticating payload is computed first and placed ahead of it inside
// the cleartext, which is then encrypted as a whole: the tag itself never
// appears outside the ECIES envelope, unlike an outer encrypt-then-MAC
// scheme. The wire format is:
//
//	ephemeral pubkey (33, compressed) || IV (16) || AES-256-CBC ciphertext of (HMAC-SHA-256 tag (32) || payload)
func sealEntry(epochPub *btcec.PublicKey, macKey []byte, counter uint32, payload []byte) ([]byte, error) {
	tag := recordTag(macKey, payload, counter)
	cleartext := append(append([]byte{}, tag...), payload...)
	return sealRaw(epochPub, cleartext)
}

// openEntry decrypts a stored envelope produced by sealEntry, verifies its
// HMAC tag against counter and macKey, and returns the payload.
func openEntry(epochPriv *btcec.PrivateKey, macKey []byte, counter uint32, stored []byte) ([]byte, error) {
	cleartext, err := openRaw(epochPriv, stored)
	if err != nil {
		return nil, err
	}
	if len(cleartext) < macLen {
		return nil, ErrInvalidRecord
	}

	tag, payload := cleartext[:macLen], cleartext[macLen:]
	want := recordTag(macKey, payload, counter)
	if !hmac.Equal(tag, want) {
		return nil, ErrHmacMismatch
	}

	return payload, nil
}

// recordTag computes the per-record HMAC tag over payload bound to
// counter, so a ciphertext decrypted under the wrong counter's epoch key
// (an internal programming error, never an attacker action since the
// counter determines which epoch key applies) is still caught.
func recordTag(macKey, payload []byte, counter uint32) []byte {
	var be [4]byte
	binary.BigEndian.PutUint32(be[:], counter)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(payload)
	mac.Write(be[:])
	return mac.Sum(nil)
}

// sealRaw encrypts cleartext under a fresh ephemeral ECIES keypair against
// epochPub.
func sealRaw(epochPub *btcec.PublicKey, cleartext []byte) ([]byte, error) {
	ephemPriv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("kvstore: generating ephemeral key: %w", err)
	}

	aesKey := eciesSharedKey(ephemPriv, epochPub)

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("kvstore: constructing aes cipher: %w", err)
	}

	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("kvstore: generating iv: %w", err)
	}

	padded := pkcs7Pad(cleartext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	envelope := make([]byte, 0, envelopeMinLen+len(ciphertext))
	envelope = append(envelope, ephemPriv.PubKey().SerializeCompressed()...)
	envelope = append(envelope, iv...)
	envelope = append(envelope, ciphertext...)

	return envelope, nil
}

// openRaw decrypts a stored envelope produced by sealRaw. epochPriv must
// be the private half of the public key the record was sealed against.
func openRaw(epochPriv *btcec.PrivateKey, stored []byte) ([]byte, error) {
	if len(stored) < envelopeMinLen {
		return nil, ErrInvalidRecord
	}

	ephemPub, err := btcec.ParsePubKey(stored[:compressedPubKeyLen])
	if err != nil {
		return nil, fmt.Errorf("kvstore: parsing ephemeral pubkey: %w", err)
	}
	iv := stored[compressedPubKeyLen : compressedPubKeyLen+ivLen]
	ciphertext := stored[compressedPubKeyLen+ivLen:]

	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrInvalidRecord
	}

	aesKey := eciesSharedKey(epochPriv, ephemPub)
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("kvstore: constructing aes cipher: %w", err)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	return pkcs7Unpad(padded)
}

// eciesSharedKey scalar-multiplies priv by pub and hashes the compressed
// shared point with hash256 (double SHA-256), yielding the AES-256 key
// directly.
func eciesSharedKey(priv *btcec.PrivateKey, pub *btcec.PublicKey) []byte {
	var pubJ, shared btcec.JacobianPoint
	pub.AsJacobian(&pubJ)

	btcec.ScalarMultNonConst(&priv.Key, &pubJ, &shared)
	shared.ToAffine()

	affine := btcec.NewPublicKey(&shared.X, &shared.Y)
	return chainhash.DoubleHashB(affine.SerializeCompressed())
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, data...), padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrInvalidRecord
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > aes.BlockSize {
		return nil, ErrInvalidRecord
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrInvalidRecord
		}
	}
	return data[:len(data)-padLen], nil
}
