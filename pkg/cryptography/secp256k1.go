package cryptography

import (
	"crypto"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/pkg/errors"
)

var (
	_ crypto.Signer = (*Secp256k1PrivateKey)(nil)
)

type Secp256k1PrivateKey struct {
	*btcec.PrivateKey
}

func NewSecp256k1PrivateKey() (*Secp256k1PrivateKey, error) {
	pk, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generating secp256k1 key")
	}

	return &Secp256k1PrivateKey{pk}, nil
}

func NewSecp256k1PrivateKeyFromBytes(b []byte) (*Secp256k1PrivateKey, error) {
	if len(b) != btcec.PrivKeyBytesLen {
		return nil, errors.Errorf("secp256k1 key must be %d bytes", btcec.PrivKeyBytesLen)
	}

	pk, _ := btcec.PrivKeyFromBytes(b)
	return &Secp256k1PrivateKey{pk}, nil
}

func (p *Secp256k1PrivateKey) Bytes() ([]byte, error) {
	return p.Serialize(), nil
}

// Sign returns a DER signature over a 32 byte digest.
func (p *Secp256k1PrivateKey) Sign(_ io.Reader, digest []byte, _ crypto.SignerOpts) ([]byte, error) {
	if len(digest) != 32 {
		return nil, errors.New("digest must be 32 bytes")
	}

	return ecdsa.Sign(p.PrivateKey, digest).Serialize(), nil
}

func (p *Secp256k1PrivateKey) Public() crypto.PublicKey {
	return &Secp256k1PublicKey{p.PubKey()}
}

func NewSecp256k1PublicKey(d []byte) (*Secp256k1PublicKey, error) {
	pub, err := btcec.ParsePubKey(d)
	if err != nil {
		return nil, errors.Wrap(err, "parsing secp256k1 pub key")
	}

	return &Secp256k1PublicKey{pub}, nil
}

type Secp256k1PublicKey struct {
	*btcec.PublicKey
}

// Bytes is the 33 byte compressed encoding.
func (p *Secp256k1PublicKey) Bytes() ([]byte, error) {
	return p.SerializeCompressed(), nil
}

func (p *Secp256k1PublicKey) Verify(sig, digest []byte) (bool, error) {
	s, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false, errors.Wrap(err, "parsing signature")
	}

	return s.Verify(digest, p.PublicKey), nil
}
