// Package shinkcrypto implements the node's message-layer cryptographic
// primitives: X25519 key agreement with HKDF-derived ChaCha20-Poly1305
// session keys, Ed25519 signing, and BLAKE3 hashing. This is the engine
// room behind the message envelope's dual-layer encryption (pkg/message)
// and VectorFS's Merkle hashing (pkg/vectorfs).
package shinkcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"
)

// EncryptionMethod names the outer/inner encryption scheme used on a
// message layer.
type EncryptionMethod string

const (
	EncryptionNone                    EncryptionMethod = "None"
	EncryptionX25519ChaCha20Poly1305  EncryptionMethod = "X25519-ChaCha20Poly1305"
)

// hkdfInfo is the fixed associated-data/context tag mixed into every
// derived session key, binding it to this protocol.
var hkdfInfo = []byte("shinkai-node-message-envelope-v1")

// GenerateX25519KeyPair creates a new key-agreement keypair.
func GenerateX25519KeyPair() (priv, pub [32]byte, err error) {
	if _, err = io.ReadFull(cryptorand.Reader, priv[:]); err != nil {
		return priv, pub, fmt.Errorf("generate x25519 private key: %w", err)
	}
	// Clamp per RFC 7748.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("derive x25519 public key: %w", err)
	}
	copy(pub[:], p)
	return priv, pub, nil
}

// GenerateEd25519KeyPair creates a new signing keypair.
func GenerateEd25519KeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(cryptorand.Reader)
}

// DeriveSharedKey runs X25519 then HKDF-SHA256 to produce a 32-byte
// ChaCha20-Poly1305 key from our private key and the peer's public key.
func DeriveSharedKey(ourPriv, theirPub [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(ourPriv[:], theirPub[:])
	if err != nil {
		return nil, fmt.Errorf("x25519 key agreement: %w", err)
	}

	reader := hkdf.New(sha256.New, shared, nil, hkdfInfo)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return key, nil
}

// DeterministicNonce derives a 12-byte ChaCha20-Poly1305 nonce from the
// two public keys involved in the exchange plus a per-message counter,
// so that retried deliveries of the same message re-derive the same
// nonce (idempotent re-encryption) instead of a fresh random one.
func DeterministicNonce(ourPub, theirPub [32]byte, counter uint64) [chacha20poly1305.NonceSize]byte {
	h := blake3.New(32, nil)
	h.Write(ourPub[:])
	h.Write(theirPub[:])
	var ctrBytes [8]byte
	binary.BigEndian.PutUint64(ctrBytes[:], counter)
	h.Write(ctrBytes[:])

	sum := h.Sum(nil)
	var nonce [chacha20poly1305.NonceSize]byte
	copy(nonce[:], sum[:chacha20poly1305.NonceSize])
	return nonce
}

// Encrypt seals plaintext with key under nonce, binding aad.
func Encrypt(key []byte, nonce [chacha20poly1305.NonceSize]byte, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return aead.Seal(nil, nonce[:], plaintext, aad), nil
}

// Decrypt opens a ciphertext sealed by Encrypt.
func Decrypt(key []byte, nonce [chacha20poly1305.NonceSize]byte, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("aead open: %w", err)
	}
	return plaintext, nil
}

// Sign produces an Ed25519 signature over data.
func Sign(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

// Verify checks an Ed25519 signature over data.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	return ed25519.Verify(pub, data, sig)
}

// Hash returns the BLAKE3-256 digest of data.
func Hash(data []byte) [32]byte {
	return blake3.Sum256(data)
}

// HashHex returns the BLAKE3-256 digest of data, hex-encoded.
func HashHex(data []byte) string {
	sum := Hash(data)
	return hex.EncodeToString(sum[:])
}

// AESGCMNonceSize is the nonce length subscription sync frames use.
const AESGCMNonceSize = 12

// GenerateAES256Key creates a random 32-byte symmetric key for
// subscription delta encryption.
func GenerateAES256Key() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(cryptorand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate aes-256 key: %w", err)
	}
	return key, nil
}

// EncryptAESGCM seals plaintext under a fresh random nonce with a
// 32-byte key, per the subscription sync framing (§4.7): caller is
// responsible for prepending nonce and key hash to the ciphertext.
func EncryptAESGCM(key, plaintext []byte) (nonce [AESGCMNonceSize]byte, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nonce, nil, fmt.Errorf("init aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nonce, nil, fmt.Errorf("init gcm: %w", err)
	}
	if _, err := io.ReadFull(cryptorand.Reader, nonce[:]); err != nil {
		return nonce, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, aead.Seal(nil, nonce[:], plaintext, nil), nil
}

// DecryptAESGCM opens a ciphertext sealed by EncryptAESGCM.
func DecryptAESGCM(key []byte, nonce [AESGCMNonceSize]byte, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("aes-gcm open: %w", err)
	}
	return plaintext, nil
}

// MerkleHash combines a node's content hash with its sorted child
// hashes, per VectorFS's "hash of (content hash || sorted child hashes)"
// Merkle scheme. Callers must pre-sort childHashes.
func MerkleHash(contentHash [32]byte, sortedChildHashes [][32]byte) [32]byte {
	h := blake3.New(32, nil)
	h.Write(contentHash[:])
	for _, c := range sortedChildHashes {
		h.Write(c[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
