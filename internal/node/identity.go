package node

import (
	"crypto/rand"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tcfw/btcbridge/internal/config"
)

func getIdentity(cfg *config.Config, l *logrus.Entry) (libp2p.Option, error) {
	priv, err := LoadOrCreateIdentity(cfg.P2P.IdentityFile, l)
	if err != nil {
		return nil, err
	}

	return libp2p.Identity(priv), nil
}

// LoadOrCreateIdentity reads the libp2p key at path, generating a new
// Ed25519 key there if none exists.
func LoadOrCreateIdentity(path string, l *logrus.Entry) (crypto.PrivKey, error) {
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := GenerateIdentity(path, l); err != nil {
			return nil, errors.Wrap(err, "creating new identity")
		}
	} else if err != nil {
		return nil, errors.Wrap(err, "checking identity file")
	} else {
		l.Debugf("using existing Ed25519 identity")
	}

	idB, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading identity file")
	}

	priv, err := crypto.UnmarshalPrivateKey(idB)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshaling private key")
	}

	return priv, nil
}

func GenerateIdentity(path string, l *logrus.Entry) error {
	l.Debugf("creating a new Ed25519 identity")
	priv, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, 0, rand.Reader)
	if err != nil {
		return errors.Wrap(err, "generating priv key")
	}

	b, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return errors.Wrap(err, "marshaling new private key")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.Wrap(err, "creating identity dir")
	}

	return os.WriteFile(path, b, 0600)
}

// IdentityPeerID returns the peer id of the key at path.
func IdentityPeerID(path string) (peer.ID, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrap(err, "reading identity file")
	}

	priv, err := crypto.UnmarshalPrivateKey(b)
	if err != nil {
		return "", errors.Wrap(err, "unmarshaling private key")
	}

	return peer.IDFromPrivateKey(priv)
}
