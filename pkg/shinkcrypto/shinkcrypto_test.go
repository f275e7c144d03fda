package shinkcrypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	aPriv, aPub, err := GenerateX25519KeyPair()
	require.NoError(t, err)
	bPriv, bPub, err := GenerateX25519KeyPair()
	require.NoError(t, err)

	keyA, err := DeriveSharedKey(aPriv, bPub)
	require.NoError(t, err)
	keyB, err := DeriveSharedKey(bPriv, aPub)
	require.NoError(t, err)
	require.Equal(t, keyA, keyB)

	nonce := DeterministicNonce(aPub, bPub, 1)
	aad := []byte("shinkai-envelope")
	ciphertext, err := Encrypt(keyA, nonce, []byte("hello world"), aad)
	require.NoError(t, err)

	plaintext, err := Decrypt(keyB, nonce, ciphertext, aad)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(plaintext))
}

func TestDeterministicNonceStableAcrossRetries(t *testing.T) {
	_, aPub, _ := GenerateX25519KeyPair()
	_, bPub, _ := GenerateX25519KeyPair()

	n1 := DeterministicNonce(aPub, bPub, 7)
	n2 := DeterministicNonce(aPub, bPub, 7)
	require.Equal(t, n1, n2)

	n3 := DeterministicNonce(aPub, bPub, 8)
	require.NotEqual(t, n1, n3)
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := GenerateEd25519KeyPair()
	require.NoError(t, err)

	data := []byte("envelope bytes with signature field zeroed")
	sig := Sign(priv, data)
	require.True(t, Verify(pub, data, sig))

	tampered := append([]byte{}, data...)
	tampered[0] ^= 0xFF
	require.False(t, Verify(pub, tampered, sig))
}

func TestAESGCMRoundTrip(t *testing.T) {
	key, err := GenerateAES256Key()
	require.NoError(t, err)

	nonce, ciphertext, err := EncryptAESGCM(key, []byte("subscription delta payload"))
	require.NoError(t, err)

	plaintext, err := DecryptAESGCM(key, nonce, ciphertext)
	require.NoError(t, err)
	require.Equal(t, "subscription delta payload", string(plaintext))
}

func TestAESGCMWrongKeyFails(t *testing.T) {
	key, err := GenerateAES256Key()
	require.NoError(t, err)
	other, err := GenerateAES256Key()
	require.NoError(t, err)

	nonce, ciphertext, err := EncryptAESGCM(key, []byte("secret"))
	require.NoError(t, err)

	_, err = DecryptAESGCM(other, nonce, ciphertext)
	require.Error(t, err)
}

func TestMerkleHashDeterministic(t *testing.T) {
	content := Hash([]byte("folder-content"))
	child1 := Hash([]byte("child-1"))
	child2 := Hash([]byte("child-2"))

	h1 := MerkleHash(content, [][32]byte{child1, child2})
	h2 := MerkleHash(content, [][32]byte{child1, child2})
	require.Equal(t, h1, h2)

	h3 := MerkleHash(content, [][32]byte{child2, child1})
	require.NotEqual(t, h1, h3, "child order affects the hash; callers must sort")
}
