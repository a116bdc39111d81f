// Package wire implements the binary packet format exchanged between
// grassroots nodes: a fixed 14-byte header followed by identity fields,
// a typed payload, and an optional signature. It also provides the
// application-level fragmentation used to carry packets larger than the
// link's single-message budget.
package wire

import (
	"encoding/hex"
	"time"
)

// Version is the current protocol version written into every packet.
const Version = 1

// Type identifies the payload carried by a packet.
type Type uint8

const (
	TypeChat        Type = 0x01
	TypeDeliveryAck Type = 0x02
	TypeReadReceipt Type = 0x03

	TypeFriendRequest Type = 0x10
	TypeFriendAccept  Type = 0x11
	TypeFriendReject  Type = 0x12

	TypeFragmentStart    Type = 0x20
	TypeFragmentContinue Type = 0x21
	TypeFragmentEnd      Type = 0x22
)

// String returns the protocol name of the packet type.
func (t Type) String() string {
	switch t {
	case TypeChat:
		return "chat"
	case TypeDeliveryAck:
		return "delivery-ack"
	case TypeReadReceipt:
		return "read-receipt"
	case TypeFriendRequest:
		return "friend-request"
	case TypeFriendAccept:
		return "friend-accept"
	case TypeFriendReject:
		return "friend-reject"
	case TypeFragmentStart:
		return "fragment-start"
	case TypeFragmentContinue:
		return "fragment-continue"
	case TypeFragmentEnd:
		return "fragment-end"
	default:
		return "unknown"
	}
}

// IsFragment reports whether the type belongs to the fragmentation layer.
func (t Type) IsFragment() bool {
	return t == TypeFragmentStart || t == TypeFragmentContinue || t == TypeFragmentEnd
}

// Flags is the packet flag bitset.
type Flags uint8

const (
	FlagHasRecipient Flags = 1 << iota
	FlagHasSignature
	FlagIsCompressed
	FlagHasRoute
)

// Sizes of the fixed-width packet fields.
const (
	HeaderSize    = 14 // version(1) + type(1) + ttl(1) + flags(1) + timestamp(8) + payloadLength(2)
	IDSize        = 32
	SignatureSize = 64
	MaxPayload    = 65535
)

// DefaultTTL is the hop budget written into freshly created packets.
const DefaultTTL = 7

// ID is a node identity: the fixed-width public key bytes.
type ID [IDSize]byte

// Short returns an abbreviated hex form for logging.
func (id ID) Short() string {
	return hex.EncodeToString(id[:4])
}

// Packet is the unit of protocol exchange. RecipientID is meaningful only
// when FlagHasRecipient is set, Signature only when FlagHasSignature is set.
type Packet struct {
	Version     uint8
	Type        Type
	TTL         uint8
	Flags       Flags
	Timestamp   uint64 // milliseconds since epoch
	SenderID    ID
	RecipientID ID
	Payload     []byte
	Signature   [SignatureSize]byte
}

// NewPacket builds a packet of the given type addressed from sender,
// stamped with the current time and the default TTL.
func NewPacket(t Type, sender ID, payload []byte) *Packet {
	return &Packet{
		Version:   Version,
		Type:      t,
		TTL:       DefaultTTL,
		Timestamp: uint64(time.Now().UnixMilli()),
		SenderID:  sender,
		Payload:   payload,
	}
}

// WithRecipient sets the recipient and the corresponding flag.
func (p *Packet) WithRecipient(recipient ID) *Packet {
	p.RecipientID = recipient
	p.Flags |= FlagHasRecipient
	return p
}

// WithSignature sets the signature and the corresponding flag.
func (p *Packet) WithSignature(sig [SignatureSize]byte) *Packet {
	p.Signature = sig
	p.Flags |= FlagHasSignature
	return p
}
