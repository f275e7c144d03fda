// Package message implements the Shinkai message envelope (C3): build,
// dual-layer encrypt/decrypt, sign/verify, and the pagination hash.
package message

import (
	"time"

	"github.com/shinkailabs/shinkai-node/pkg/shinkcrypto"
)

// Schema closes the set of message kinds the node understands.
type Schema string

const (
	SchemaJobCreate               Schema = "JobCreate"
	SchemaJobMessage              Schema = "JobMessage"
	SchemaVFSRetrieve             Schema = "VFSRetrieve"
	SchemaVFSMove                 Schema = "VFSMove"
	SchemaVFSCopy                 Schema = "VFSCopy"
	SchemaVFSDelete               Schema = "VFSDelete"
	SchemaRegistrationCodeCreate  Schema = "RegistrationCodeCreate"
	SchemaRegistrationCodeUse     Schema = "RegistrationCodeUse"
	SchemaShareFolder             Schema = "ShareFolder"
	SchemaUnshareFolder           Schema = "UnshareFolder"
	SchemaSubscribe               Schema = "Subscribe"
	SchemaUnsubscribe             Schema = "Unsubscribe"
	SchemaAvailableSharedItems    Schema = "AvailableSharedItems"
	SchemaInboxMarkRead           Schema = "InboxMarkRead"
	SchemaTextContent             Schema = "TextContent" // Ping / Pong / ACK and other literal payloads
)

// MessageData is either an opaque encrypted blob or a visible
// {raw_content, schema} pair.
type MessageData struct {
	Encrypted      bool
	EncryptedBytes []byte
	RawContent     string
	Schema         Schema
}

// InternalMetadata carries sub-identity routing info, visible only once
// the body layer (if encrypted) has been opened.
type InternalMetadata struct {
	SenderSubidentity    string
	RecipientSubidentity string
	InboxName            string
	InnerEncryption      shinkcrypto.EncryptionMethod
}

// Body is either an opaque encrypted blob or a visible
// {message_data, internal_metadata} pair.
type Body struct {
	Encrypted      bool
	EncryptedBytes []byte
	MessageData    MessageData
	Internal       InternalMetadata
}

// NodeAPIData is stamped on inbox insertion; excluded from the
// pagination hash.
type NodeAPIData struct {
	ParentHash      string
	NodeMessageHash string
	NodeTimestamp   string
}

// ExternalMetadata carries node-to-node routing, the outer signature, and
// optional post-insertion bookkeeping.
type ExternalMetadata struct {
	Sender        string
	Recipient     string
	ScheduledTime string // RFC3339; node-generated when blank at build time
	Signature     []byte
	NodeAPIData   *NodeAPIData
}

// Message is the full envelope record.
type Message struct {
	Body       Body
	Encryption shinkcrypto.EncryptionMethod // outer layer
	Version    int
	External   ExternalMetadata
}

// BuildParams are the inputs to Build.
type BuildParams struct {
	RawContent      string
	Schema          Schema
	InnerEncryption shinkcrypto.EncryptionMethod
	OuterEncryption shinkcrypto.EncryptionMethod
	SenderNode      string
	SenderSub       string
	RecipientNode   string
	RecipientSub    string
	InboxName       string
	ScheduledTime   string // optional; "" means "now"
}

// Build assembles an unsigned, unencrypted-at-rest Message from its
// visible parts. The caller signs it last via Sign, and encrypts layers
// (if requested) via EncryptInner/EncryptOuter before signing, matching
// the documented order: assemble -> encrypt inner -> encrypt outer ->
// sign last.
func Build(p BuildParams) Message {
	scheduled := p.ScheduledTime
	if scheduled == "" {
		scheduled = time.Now().UTC().Format(time.RFC3339)
	}

	return Message{
		Version: 1,
		Body: Body{
			MessageData: MessageData{
				RawContent: p.RawContent,
				Schema:     p.Schema,
			},
			Internal: InternalMetadata{
				SenderSubidentity:    p.SenderSub,
				RecipientSubidentity: p.RecipientSub,
				InboxName:            p.InboxName,
				InnerEncryption:      p.InnerEncryption,
			},
		},
		Encryption: p.OuterEncryption,
		External: ExternalMetadata{
			Sender:        p.SenderNode,
			Recipient:     p.RecipientNode,
			ScheduledTime: scheduled,
		},
	}
}

// IsBodyEncrypted reports whether the outer layer is sealed: outer
// method != None and the body carries no visible internal metadata.
func (m Message) IsBodyEncrypted() bool {
	return m.Encryption != shinkcrypto.EncryptionNone && m.Body.Encrypted
}

// IsContentEncrypted reports whether the body is visible but the inner
// message data is sealed.
func (m Message) IsContentEncrypted() bool {
	return !m.Body.Encrypted && m.Body.Internal.InnerEncryption != shinkcrypto.EncryptionNone && m.Body.MessageData.Encrypted
}
