package cryptography

import (
	"crypto"
	"crypto/ed25519"

	"github.com/pkg/errors"

	"github.com/multiformats/go-multibase"
)

func DecodeMultibase(mb string) ([]byte, error) {
	_, d, err := multibase.Decode(mb)
	return d, err
}

func EncodeMultibase(publicKey crypto.PublicKey) (string, error) {
	var raw []byte

	switch t := publicKey.(type) {
	case ed25519.PublicKey:
		raw = []byte(t)
	case *Bls12381PublicKey:
		b, err := t.Bytes()
		if err != nil {
			return "", err
		}
		raw = b
	case *Secp256k1PublicKey:
		b, err := t.Bytes()
		if err != nil {
			return "", err
		}
		raw = b
	default:
		return "", errors.Errorf("unsupported pk type: %T", t)

	}

	return multibase.Encode(multibase.Base58BTC, raw)
}

// EncodePrivateMultibase encodes raw private key material. Only used for
// key generation output.
func EncodePrivateMultibase(privateKey crypto.PrivateKey) (string, error) {
	var (
		raw []byte
		err error
	)

	switch t := privateKey.(type) {
	case *Bls12381PrivateKey:
		raw, err = t.Bytes()
	case *Secp256k1PrivateKey:
		raw, err = t.Bytes()
	default:
		return "", errors.Errorf("unsupported private key type: %T", t)
	}
	if err != nil {
		return "", err
	}

	return multibase.Encode(multibase.Base58BTC, raw)
}

func ParseBls12381PrivateKey(mb string) (*Bls12381PrivateKey, error) {
	raw, err := DecodeMultibase(mb)
	if err != nil {
		return nil, errors.Wrap(err, "decoding multibase")
	}

	return NewBls12381PrivateKeyFromBytes(raw)
}

func ParseBls12381PublicKey(mb string) (*Bls12381PublicKey, error) {
	raw, err := DecodeMultibase(mb)
	if err != nil {
		return nil, errors.Wrap(err, "decoding multibase")
	}

	return NewBls12381PublicKeyFromBytes(raw)
}

func ParseSecp256k1PrivateKey(mb string) (*Secp256k1PrivateKey, error) {
	raw, err := DecodeMultibase(mb)
	if err != nil {
		return nil, errors.Wrap(err, "decoding multibase")
	}

	return NewSecp256k1PrivateKeyFromBytes(raw)
}

func ParseSecp256k1PublicKey(mb string) (*Secp256k1PublicKey, error) {
	raw, err := DecodeMultibase(mb)
	if err != nil {
		return nil, errors.Wrap(err, "decoding multibase")
	}

	return NewSecp256k1PublicKey(raw)
}
