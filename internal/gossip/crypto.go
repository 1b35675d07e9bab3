package gossip

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"

	"github.com/tcfw/btcbridge/pkg/bridge"
	"github.com/tcfw/btcbridge/pkg/cryptography"
)

var (
	ErrUnknownSender = errors.New("unknown sender")
	ErrBadSignature  = errors.New("bad signature")
)

// signatureData takes in a message, removes the signature if any and
// marshals the message to be used when creating or checking a signature.
func signatureData(msg *Msg) ([]byte, error) {
	sig := msg.Signature
	msg.Signature = nil
	d, err := msg.Marshal()
	msg.Signature = sig
	if err != nil {
		return nil, err
	}

	return d, nil
}

// VoteDigest is what a vote's assertion signs. Voters agreeing on the
// same payload sign the same digest.
func VoteDigest(fp bridge.Fingerprint, d *bridge.Deposit) ([]byte, error) {
	payload, err := PayloadDigest(d)
	if err != nil {
		return nil, err
	}

	h := sha3.New256()
	h.Write([]byte("bridged/vote/1"))
	h.Write([]byte(fp))
	h.Write(payload)
	return h.Sum(nil), nil
}

// PayloadDigest hashes the msgpack encoding of a deposit.
func PayloadDigest(d *bridge.Deposit) ([]byte, error) {
	b, err := msgpackMarshal(d)
	if err != nil {
		return nil, errors.Wrap(err, "encoding payload")
	}

	sum := sha3.Sum256(b)
	return sum[:], nil
}

// Signer signs envelopes and vote assertions as one member.
type Signer struct {
	id  string
	key *cryptography.Bls12381PrivateKey
}

func NewSigner(id string, key *cryptography.Bls12381PrivateKey) *Signer {
	return &Signer{id: id, key: key}
}

func (s *Signer) ID() string { return s.id }

func (s *Signer) SignMsg(m *Msg) error {
	m.From = s.id
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}

	d, err := signatureData(m)
	if err != nil {
		return errors.Wrap(err, "making msg signature data")
	}

	m.Signature, err = s.key.Sign(nil, d, nil)
	return errors.Wrap(err, "signing msg")
}

func (s *Signer) Assert(digest []byte) ([]byte, error) {
	return s.key.Sign(nil, digest, nil)
}

// Verify checks the envelope signature against the sender's registered
// key and, when the transport knows it, the originating peer.
func (ms *Members) Verify(m *Msg) error {
	mem, ok := ms.Get(m.From)
	if !ok {
		return errors.Wrap(ErrUnknownSender, m.From)
	}

	if mem.PeerID != "" && m.Peer != "" && mem.PeerID != m.Peer {
		return errors.Wrapf(ErrUnknownSender, "%s sent from peer %s", m.From, m.Peer)
	}

	d, err := signatureData(m)
	if err != nil {
		return errors.Wrap(err, "making msg signature data")
	}

	if ok, err := mem.BLSKey.Verify(m.Signature, d); !ok || err != nil {
		return errors.Wrapf(ErrBadSignature, "msg from %s", m.From)
	}

	return nil
}

// VerifyAssertion checks a vote assertion from member id.
func (ms *Members) VerifyAssertion(id string, digest, sig []byte) error {
	mem, ok := ms.Get(id)
	if !ok {
		return errors.Wrap(ErrUnknownSender, id)
	}

	if ok, err := mem.BLSKey.Verify(sig, digest); !ok || err != nil {
		return errors.Wrapf(ErrBadSignature, "assertion from %s", id)
	}

	return nil
}

// VerifyCertificate checks an aggregated assertion from the listed voters.
func (ms *Members) VerifyCertificate(digest []byte, c *bridge.Certificate) error {
	keys := make([]*cryptography.Bls12381PublicKey, 0, len(c.Voters))
	seen := make(map[string]bool, len(c.Voters))
	for _, id := range c.Voters {
		if seen[id] {
			return errors.Wrapf(ErrBadSignature, "%s listed twice", id)
		}
		seen[id] = true

		mem, ok := ms.Get(id)
		if !ok {
			return errors.Wrap(ErrUnknownSender, id)
		}
		keys = append(keys, mem.BLSKey)
	}

	if len(keys) == 0 {
		return errors.Wrap(ErrBadSignature, "empty certificate")
	}

	agg := cryptography.AggregateBls12381PublicKeys(keys...)
	if ok, err := agg.Verify(c.Signature, digest); !ok || err != nil {
		return errors.Wrap(ErrBadSignature, "certificate")
	}

	return nil
}
