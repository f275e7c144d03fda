package message

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/shinkailabs/shinkai-node/pkg/shinkcrypto"
)

// Canonical encoding: every variable-length field is a uint32 big-endian
// length prefix followed by its bytes, written in fixed, deterministic
// field order. This is what gets hashed for signing and pagination, and
// is the wire format for frame type 0x01.

func writeLP(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

func writeStr(buf *bytes.Buffer, s string) { writeLP(buf, []byte(s)) }

func writeBool(buf *bytes.Buffer, b bool) {
	if b {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readLP(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := readFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	out := make([]byte, n)
	if _, err := readFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n, err := r.Read(buf)
	if err != nil {
		return n, err
	}
	if n != len(buf) {
		return n, fmt.Errorf("short read: wanted %d, got %d", len(buf), n)
	}
	return n, nil
}

func readStr(r *bytes.Reader) (string, error) {
	b, err := readLP(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b == 1, nil
}

type encodeOpts struct {
	zeroSignature      bool
	excludeNodeAPIData bool
}

func encode(m Message, opts encodeOpts) []byte {
	buf := &bytes.Buffer{}

	var verBuf [4]byte
	binary.BigEndian.PutUint32(verBuf[:], uint32(m.Version))
	buf.Write(verBuf[:])

	writeStr(buf, string(m.Encryption))

	writeBool(buf, m.Body.Encrypted)
	if m.Body.Encrypted {
		writeLP(buf, m.Body.EncryptedBytes)
	} else {
		writeBool(buf, m.Body.MessageData.Encrypted)
		if m.Body.MessageData.Encrypted {
			writeLP(buf, m.Body.MessageData.EncryptedBytes)
		} else {
			writeStr(buf, m.Body.MessageData.RawContent)
			writeStr(buf, string(m.Body.MessageData.Schema))
		}
		writeStr(buf, m.Body.Internal.SenderSubidentity)
		writeStr(buf, m.Body.Internal.RecipientSubidentity)
		writeStr(buf, m.Body.Internal.InboxName)
		writeStr(buf, string(m.Body.Internal.InnerEncryption))
	}

	writeStr(buf, m.External.Sender)
	writeStr(buf, m.External.Recipient)
	writeStr(buf, m.External.ScheduledTime)

	if opts.zeroSignature {
		writeLP(buf, nil)
	} else {
		writeLP(buf, m.External.Signature)
	}

	if opts.excludeNodeAPIData || m.External.NodeAPIData == nil {
		writeBool(buf, false)
	} else {
		writeBool(buf, true)
		writeStr(buf, m.External.NodeAPIData.ParentHash)
		writeStr(buf, m.External.NodeAPIData.NodeMessageHash)
		writeStr(buf, m.External.NodeAPIData.NodeTimestamp)
	}

	return buf.Bytes()
}

// Encode renders the full canonical wire form of m, signature and
// node_api_data included as-is. This is the frame-type 0x01 payload.
func Encode(m Message) []byte {
	return encode(m, encodeOpts{})
}

// Decode parses a canonical-encoded message back into a Message.
func Decode(data []byte) (Message, error) {
	r := bytes.NewReader(data)
	var m Message

	var verBuf [4]byte
	if _, err := readFull(r, verBuf[:]); err != nil {
		return m, fmt.Errorf("decode version: %w", err)
	}
	m.Version = int(binary.BigEndian.Uint32(verBuf[:]))

	encStr, err := readStr(r)
	if err != nil {
		return m, fmt.Errorf("decode encryption: %w", err)
	}
	m.Encryption = shinkcrypto.EncryptionMethod(encStr)

	bodyEncrypted, err := readBool(r)
	if err != nil {
		return m, fmt.Errorf("decode body.encrypted: %w", err)
	}
	m.Body.Encrypted = bodyEncrypted

	if bodyEncrypted {
		b, err := readLP(r)
		if err != nil {
			return m, fmt.Errorf("decode body ciphertext: %w", err)
		}
		m.Body.EncryptedBytes = b
	} else {
		mdEncrypted, err := readBool(r)
		if err != nil {
			return m, fmt.Errorf("decode message_data.encrypted: %w", err)
		}
		m.Body.MessageData.Encrypted = mdEncrypted
		if mdEncrypted {
			b, err := readLP(r)
			if err != nil {
				return m, fmt.Errorf("decode message_data ciphertext: %w", err)
			}
			m.Body.MessageData.EncryptedBytes = b
		} else {
			raw, err := readStr(r)
			if err != nil {
				return m, fmt.Errorf("decode raw_content: %w", err)
			}
			schema, err := readStr(r)
			if err != nil {
				return m, fmt.Errorf("decode schema: %w", err)
			}
			m.Body.MessageData.RawContent = raw
			m.Body.MessageData.Schema = Schema(schema)
		}

		senderSub, err := readStr(r)
		if err != nil {
			return m, fmt.Errorf("decode sender_subidentity: %w", err)
		}
		recipientSub, err := readStr(r)
		if err != nil {
			return m, fmt.Errorf("decode recipient_subidentity: %w", err)
		}
		inbox, err := readStr(r)
		if err != nil {
			return m, fmt.Errorf("decode inbox: %w", err)
		}
		innerEnc, err := readStr(r)
		if err != nil {
			return m, fmt.Errorf("decode inner_encryption: %w", err)
		}
		m.Body.Internal = InternalMetadata{
			SenderSubidentity:    senderSub,
			RecipientSubidentity: recipientSub,
			InboxName:            inbox,
			InnerEncryption:      shinkcrypto.EncryptionMethod(innerEnc),
		}
	}

	sender, err := readStr(r)
	if err != nil {
		return m, fmt.Errorf("decode external.sender: %w", err)
	}
	recipient, err := readStr(r)
	if err != nil {
		return m, fmt.Errorf("decode external.recipient: %w", err)
	}
	scheduled, err := readStr(r)
	if err != nil {
		return m, fmt.Errorf("decode external.scheduled_time: %w", err)
	}
	sig, err := readLP(r)
	if err != nil {
		return m, fmt.Errorf("decode external.signature: %w", err)
	}
	hasNodeAPIData, err := readBool(r)
	if err != nil {
		return m, fmt.Errorf("decode node_api_data presence: %w", err)
	}

	m.External = ExternalMetadata{
		Sender:        sender,
		Recipient:     recipient,
		ScheduledTime: scheduled,
		Signature:     sig,
	}

	if hasNodeAPIData {
		parentHash, err := readStr(r)
		if err != nil {
			return m, fmt.Errorf("decode node_api_data.parent_hash: %w", err)
		}
		msgHash, err := readStr(r)
		if err != nil {
			return m, fmt.Errorf("decode node_api_data.node_message_hash: %w", err)
		}
		ts, err := readStr(r)
		if err != nil {
			return m, fmt.Errorf("decode node_api_data.node_timestamp: %w", err)
		}
		m.External.NodeAPIData = &NodeAPIData{
			ParentHash:      parentHash,
			NodeMessageHash: msgHash,
			NodeTimestamp:   ts,
		}
	}

	return m, nil
}

// HashForPagination returns the BLAKE3 pagination hash, excluding
// node_api_data, hex-encoded.
func HashForPagination(m Message) string {
	return shinkcrypto.HashHex(encode(m, encodeOpts{excludeNodeAPIData: true}))
}
