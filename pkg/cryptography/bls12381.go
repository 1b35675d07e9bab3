package cryptography

import (
	"crypto"
	"io"

	"github.com/drand/kyber"
	bls "github.com/drand/kyber-bls12381"
	sig "github.com/drand/kyber/sign/bls"
	"github.com/drand/kyber/util/random"
	"github.com/pkg/errors"
)

var (
	_ crypto.Signer    = (*Bls12381PrivateKey)(nil)
	_ crypto.PublicKey = (*Bls12381PublicKey)(nil)

	pairing = bls.NewBLS12381Suite()

	// signatures on G2, public keys on G1
	scheme = sig.NewSchemeOnG2(pairing)
)

func NewBls12381PrivateKey() *Bls12381PrivateKey {
	sk, _ := scheme.NewKeyPair(random.New())
	return &Bls12381PrivateKey{sk}
}

func NewBls12381PrivateKeyFromBytes(b []byte) (*Bls12381PrivateKey, error) {
	sk := pairing.G1().Scalar()
	if err := sk.UnmarshalBinary(b); err != nil {
		return nil, errors.Wrap(err, "unmarshalling bls scalar")
	}

	return &Bls12381PrivateKey{sk}, nil
}

type Bls12381PrivateKey struct {
	sk kyber.Scalar
}

func (b *Bls12381PrivateKey) Bytes() ([]byte, error) {
	return b.sk.MarshalBinary()
}

func (b *Bls12381PrivateKey) Sign(_ io.Reader, digest []byte, _ crypto.SignerOpts) (signature []byte, err error) {
	return scheme.Sign(b.sk, digest)
}

func (b *Bls12381PrivateKey) Public() crypto.PublicKey {
	pk := pairing.G1().Point().Mul(b.sk, nil)
	return &Bls12381PublicKey{pk}
}

func (b *Bls12381PrivateKey) Equal(obls crypto.PrivateKey) bool {
	o, ok := obls.(*Bls12381PrivateKey)
	return ok && b.sk.Equal(o.sk)
}

type Bls12381PublicKey struct {
	kyber.Point
}

func NewBls12381PublicKeyFromBytes(b []byte) (*Bls12381PublicKey, error) {
	pk := pairing.G1().Point()
	if err := pk.UnmarshalBinary(b); err != nil {
		return nil, errors.Wrap(err, "unmarshalling bls point")
	}

	return &Bls12381PublicKey{pk}, nil
}

func (b *Bls12381PublicKey) Bytes() ([]byte, error) {
	return b.Point.MarshalBinary()
}

func (b *Bls12381PublicKey) Verify(signature, msg []byte) (bool, error) {
	if err := scheme.Verify(b.Point, msg, signature); err != nil {
		return false, err
	}

	return true, nil
}

// AggregateBls12381Signatures combines signatures over the same message.
func AggregateBls12381Signatures(sigs ...[]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, errors.New("no signatures to aggregate")
	}

	return scheme.AggregateSignatures(sigs...)
}

func AggregateBls12381PublicKeys(pks ...*Bls12381PublicKey) *Bls12381PublicKey {
	points := make([]kyber.Point, 0, len(pks))
	for _, pk := range pks {
		points = append(points, pk.Point)
	}

	return &Bls12381PublicKey{scheme.AggregatePublicKeys(points...)}
}
