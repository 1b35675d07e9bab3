package cryptography

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecp256k1SignVerify(t *testing.T) {
	sk, err := NewSecp256k1PrivateKey()
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("sighash"))

	sig, err := sk.Sign(nil, digest[:], nil)
	require.NoError(t, err)

	pk := sk.Public().(*Secp256k1PublicKey)
	ok, err := pk.Verify(sig, digest[:])
	require.NoError(t, err)
	assert.True(t, ok)

	other := sha256.Sum256([]byte("other"))
	ok, err = pk.Verify(sig, other[:])
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = sk.Sign(nil, []byte("short"), nil)
	assert.Error(t, err)
}

func TestSecp256k1Multibase(t *testing.T) {
	sk, err := NewSecp256k1PrivateKey()
	require.NoError(t, err)

	mb, err := EncodePrivateMultibase(sk)
	require.NoError(t, err)

	sk2, err := ParseSecp256k1PrivateKey(mb)
	require.NoError(t, err)
	assert.Equal(t, sk.Serialize(), sk2.Serialize())

	pkmb, err := EncodeMultibase(sk.Public())
	require.NoError(t, err)

	pk, err := ParseSecp256k1PublicKey(pkmb)
	require.NoError(t, err)
	assert.True(t, pk.IsEqual(sk.PubKey()))
}
