package message

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	"github.com/shinkailabs/shinkai-node/pkg/shinkcrypto"
)

var outerAAD = []byte("shinkai-outer-layer-v1")
var innerAAD = []byte("shinkai-inner-layer-v1")

// encodeUnencryptedBody canonically serializes the {message_data,
// internal_metadata} pair that gets sealed as the outer layer's
// ciphertext.
func encodeUnencryptedBody(b Body) []byte {
	buf := &bytes.Buffer{}
	writeBool(buf, b.MessageData.Encrypted)
	if b.MessageData.Encrypted {
		writeLP(buf, b.MessageData.EncryptedBytes)
	} else {
		writeStr(buf, b.MessageData.RawContent)
		writeStr(buf, string(b.MessageData.Schema))
	}
	writeStr(buf, b.Internal.SenderSubidentity)
	writeStr(buf, b.Internal.RecipientSubidentity)
	writeStr(buf, b.Internal.InboxName)
	writeStr(buf, string(b.Internal.InnerEncryption))
	return buf.Bytes()
}

func decodeUnencryptedBody(data []byte) (Body, error) {
	r := bytes.NewReader(data)
	var b Body

	mdEncrypted, err := readBool(r)
	if err != nil {
		return b, err
	}
	b.MessageData.Encrypted = mdEncrypted
	if mdEncrypted {
		eb, err := readLP(r)
		if err != nil {
			return b, err
		}
		b.MessageData.EncryptedBytes = eb
	} else {
		raw, err := readStr(r)
		if err != nil {
			return b, err
		}
		schema, err := readStr(r)
		if err != nil {
			return b, err
		}
		b.MessageData.RawContent = raw
		b.MessageData.Schema = Schema(schema)
	}

	senderSub, err := readStr(r)
	if err != nil {
		return b, err
	}
	recipientSub, err := readStr(r)
	if err != nil {
		return b, err
	}
	inbox, err := readStr(r)
	if err != nil {
		return b, err
	}
	innerEnc, err := readStr(r)
	if err != nil {
		return b, err
	}
	b.Internal = InternalMetadata{
		SenderSubidentity:    senderSub,
		RecipientSubidentity: recipientSub,
		InboxName:            inbox,
		InnerEncryption:      shinkcrypto.EncryptionMethod(innerEnc),
	}
	return b, nil
}

// EncryptOuter seals the body (message_data + internal_metadata) for
// recipientPub using senderPriv/senderPub, deriving a nonce from the two
// public keys plus counter. counter should be stable across retries of
// the same logical message so re-encryption is idempotent.
func EncryptOuter(m *Message, senderPriv, senderPub, recipientPub [32]byte, counter uint64) error {
	key, err := shinkcrypto.DeriveSharedKey(senderPriv, recipientPub)
	if err != nil {
		return fmt.Errorf("derive outer key: %w", err)
	}
	nonce := shinkcrypto.DeterministicNonce(senderPub, recipientPub, counter)

	plaintext := encodeUnencryptedBody(m.Body)
	ciphertext, err := shinkcrypto.Encrypt(key, nonce, plaintext, outerAAD)
	if err != nil {
		return fmt.Errorf("encrypt outer layer: %w", err)
	}

	m.Body = Body{Encrypted: true, EncryptedBytes: ciphertext}
	m.Encryption = shinkcrypto.EncryptionX25519ChaCha20Poly1305
	return nil
}

// DecryptOuter opens a body sealed by EncryptOuter. receiverPriv is the
// recipient's own key; senderPub is the claimed sender's public key.
func DecryptOuter(m Message, receiverPriv, senderPub [32]byte, receiverPub [32]byte, counter uint64) (Message, error) {
	if m.Encryption != shinkcrypto.EncryptionX25519ChaCha20Poly1305 || !m.Body.Encrypted {
		return m, fmt.Errorf("message is not outer-encrypted")
	}

	key, err := shinkcrypto.DeriveSharedKey(receiverPriv, senderPub)
	if err != nil {
		return m, fmt.Errorf("derive outer key: %w", err)
	}
	nonce := shinkcrypto.DeterministicNonce(senderPub, receiverPub, counter)

	plaintext, err := shinkcrypto.Decrypt(key, nonce, m.Body.EncryptedBytes, outerAAD)
	if err != nil {
		return m, fmt.Errorf("decrypt outer layer: %w", err)
	}

	body, err := decodeUnencryptedBody(plaintext)
	if err != nil {
		return m, fmt.Errorf("decode decrypted body: %w", err)
	}

	out := m
	out.Body = body
	return out, nil
}

// EncryptInner seals only message_data, leaving internal_metadata
// visible.
func EncryptInner(m *Message, senderPriv, senderPub, recipientPub [32]byte, counter uint64) error {
	key, err := shinkcrypto.DeriveSharedKey(senderPriv, recipientPub)
	if err != nil {
		return fmt.Errorf("derive inner key: %w", err)
	}
	nonce := shinkcrypto.DeterministicNonce(senderPub, recipientPub, counter)

	buf := &bytes.Buffer{}
	writeStr(buf, m.Body.MessageData.RawContent)
	writeStr(buf, string(m.Body.MessageData.Schema))

	ciphertext, err := shinkcrypto.Encrypt(key, nonce, buf.Bytes(), innerAAD)
	if err != nil {
		return fmt.Errorf("encrypt inner layer: %w", err)
	}

	m.Body.MessageData = MessageData{Encrypted: true, EncryptedBytes: ciphertext}
	m.Body.Internal.InnerEncryption = shinkcrypto.EncryptionX25519ChaCha20Poly1305
	return nil
}

// DecryptInner opens a message_data sealed by EncryptInner.
func DecryptInner(m Message, receiverPriv, senderPub, receiverPub [32]byte, counter uint64) (Message, error) {
	if !m.Body.MessageData.Encrypted {
		return m, fmt.Errorf("message_data is not inner-encrypted")
	}

	key, err := shinkcrypto.DeriveSharedKey(receiverPriv, senderPub)
	if err != nil {
		return m, fmt.Errorf("derive inner key: %w", err)
	}
	nonce := shinkcrypto.DeterministicNonce(senderPub, receiverPub, counter)

	plaintext, err := shinkcrypto.Decrypt(key, nonce, m.Body.MessageData.EncryptedBytes, innerAAD)
	if err != nil {
		return m, fmt.Errorf("decrypt inner layer: %w", err)
	}

	r := bytes.NewReader(plaintext)
	raw, err := readStr(r)
	if err != nil {
		return m, fmt.Errorf("decode inner raw_content: %w", err)
	}
	schema, err := readStr(r)
	if err != nil {
		return m, fmt.Errorf("decode inner schema: %w", err)
	}

	out := m
	out.Body.MessageData = MessageData{RawContent: raw, Schema: Schema(schema)}
	return out, nil
}

// Sign computes the outer signature over the full encoded message with
// the signature field zeroed, and stores it in External.Signature. Must
// be the last step of message construction.
func Sign(m *Message, priv ed25519.PrivateKey) {
	toSign := encode(*m, encodeOpts{zeroSignature: true})
	m.External.Signature = shinkcrypto.Sign(priv, toSign)
}

// VerifyOuter recomputes the signed bytes with the signature field
// cleared and checks them against External.Signature.
func VerifyOuter(m Message, pub ed25519.PublicKey) bool {
	if len(m.External.Signature) == 0 {
		return false
	}
	toVerify := encode(m, encodeOpts{zeroSignature: true})
	return shinkcrypto.Verify(pub, toVerify, m.External.Signature)
}
