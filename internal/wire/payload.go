package wire

import (
	"encoding/binary"
	"encoding/hex"
	"unicode/utf8"
)

// MessageIDSize is the width of a chat message identifier.
const MessageIDSize = 16

// MaxDisplayName bounds the display name carried in friendship payloads.
const MaxDisplayName = 63

// MessageID identifies a chat message across its whole delivery lifecycle.
type MessageID [MessageIDSize]byte

func (id MessageID) String() string { return hex.EncodeToString(id[:]) }

// Payload is the closed union of typed packet payloads. Every packet type
// maps to exactly one variant; the coordinator switches over them
// exhaustively so an unhandled type is a compile-visible gap, not a silent
// default branch.
type Payload interface {
	// PayloadType returns the packet type this payload travels under.
	PayloadType() Type
}

// ChatPayload carries a chat message: 16-byte id followed by UTF-8 content.
type ChatPayload struct {
	MessageID MessageID
	Content   string
}

// DeliveryAckPayload acknowledges receipt of a chat message.
type DeliveryAckPayload struct {
	MessageID MessageID
}

// ReadReceiptPayload signals the recipient has read a chat message.
type ReadReceiptPayload struct {
	MessageID MessageID
}

// FriendRequestPayload asks a stranger to become a friend.
type FriendRequestPayload struct {
	PublicKey   ID
	DisplayName string
}

// FriendAcceptPayload completes a friendship request.
type FriendAcceptPayload struct {
	PublicKey   ID
	DisplayName string
}

// FriendRejectPayload declines a friendship request.
type FriendRejectPayload struct {
	PublicKey ID
}

// FragmentPayload is one slice of a fragmented packet: a 4-byte fragment
// header (2-byte fragment-message id, 1-byte index, 1-byte total) plus data.
// The id namespace is independent from chat MessageIDs and from transport
// chunk ids.
type FragmentPayload struct {
	Kind       Type // TypeFragmentStart, TypeFragmentContinue or TypeFragmentEnd
	FragmentID uint16
	Index      uint8
	Total      uint8
	Data       []byte
}

func (ChatPayload) PayloadType() Type          { return TypeChat }
func (DeliveryAckPayload) PayloadType() Type   { return TypeDeliveryAck }
func (ReadReceiptPayload) PayloadType() Type   { return TypeReadReceipt }
func (FriendRequestPayload) PayloadType() Type { return TypeFriendRequest }
func (FriendAcceptPayload) PayloadType() Type  { return TypeFriendAccept }
func (FriendRejectPayload) PayloadType() Type  { return TypeFriendReject }
func (p FragmentPayload) PayloadType() Type    { return p.Kind }

// EncodePayload serializes a typed payload into packet payload bytes.
func EncodePayload(p Payload) ([]byte, error) {
	switch v := p.(type) {
	case ChatPayload:
		if !utf8.ValidString(v.Content) {
			return nil, invalidPayload(TypeChat, "content is not valid UTF-8")
		}
		buf := make([]byte, 0, MessageIDSize+len(v.Content))
		buf = append(buf, v.MessageID[:]...)
		return append(buf, v.Content...), nil

	case DeliveryAckPayload:
		return append([]byte(nil), v.MessageID[:]...), nil

	case ReadReceiptPayload:
		return append([]byte(nil), v.MessageID[:]...), nil

	case FriendRequestPayload:
		return encodeFriendName(TypeFriendRequest, v.PublicKey, v.DisplayName)

	case FriendAcceptPayload:
		return encodeFriendName(TypeFriendAccept, v.PublicKey, v.DisplayName)

	case FriendRejectPayload:
		return append([]byte(nil), v.PublicKey[:]...), nil

	case FragmentPayload:
		if !v.Kind.IsFragment() {
			return nil, invalidPayload(v.Kind, "not a fragment type")
		}
		buf := make([]byte, 0, fragmentHeaderSize+len(v.Data))
		buf = binary.BigEndian.AppendUint16(buf, v.FragmentID)
		buf = append(buf, v.Index, v.Total)
		return append(buf, v.Data...), nil

	default:
		return nil, invalidPayload(p.PayloadType(), "unknown payload variant")
	}
}

// DecodePayload parses the payload bytes of a packet according to its type.
// Violations of type-specific constraints surface as InvalidPayloadError,
// never MalformedPacketError, so the caller can keep the connection alive.
func DecodePayload(t Type, data []byte) (Payload, error) {
	switch t {
	case TypeChat:
		if len(data) < MessageIDSize {
			return nil, invalidPayload(t, "%d bytes, need at least %d", len(data), MessageIDSize)
		}
		var p ChatPayload
		copy(p.MessageID[:], data[:MessageIDSize])
		content := data[MessageIDSize:]
		if !utf8.Valid(content) {
			return nil, invalidPayload(t, "content is not valid UTF-8")
		}
		p.Content = string(content)
		return p, nil

	case TypeDeliveryAck:
		id, err := decodeMessageID(t, data)
		if err != nil {
			return nil, err
		}
		return DeliveryAckPayload{MessageID: id}, nil

	case TypeReadReceipt:
		id, err := decodeMessageID(t, data)
		if err != nil {
			return nil, err
		}
		return ReadReceiptPayload{MessageID: id}, nil

	case TypeFriendRequest:
		key, name, err := decodeFriendName(t, data)
		if err != nil {
			return nil, err
		}
		return FriendRequestPayload{PublicKey: key, DisplayName: name}, nil

	case TypeFriendAccept:
		key, name, err := decodeFriendName(t, data)
		if err != nil {
			return nil, err
		}
		return FriendAcceptPayload{PublicKey: key, DisplayName: name}, nil

	case TypeFriendReject:
		if len(data) != IDSize {
			return nil, invalidPayload(t, "%d bytes, want %d", len(data), IDSize)
		}
		var p FriendRejectPayload
		copy(p.PublicKey[:], data)
		return p, nil

	case TypeFragmentStart, TypeFragmentContinue, TypeFragmentEnd:
		if len(data) < fragmentHeaderSize {
			return nil, invalidPayload(t, "%d bytes, need at least %d", len(data), fragmentHeaderSize)
		}
		p := FragmentPayload{
			Kind:       t,
			FragmentID: binary.BigEndian.Uint16(data[:2]),
			Index:      data[2],
			Total:      data[3],
		}
		if len(data) > fragmentHeaderSize {
			p.Data = make([]byte, len(data)-fragmentHeaderSize)
			copy(p.Data, data[fragmentHeaderSize:])
		}
		return p, nil

	default:
		return nil, invalidPayload(t, "unknown packet type 0x%02x", uint8(t))
	}
}

func decodeMessageID(t Type, data []byte) (MessageID, error) {
	var id MessageID
	if len(data) != MessageIDSize {
		return id, invalidPayload(t, "%d bytes, want %d", len(data), MessageIDSize)
	}
	copy(id[:], data)
	return id, nil
}

func encodeFriendName(t Type, key ID, name string) ([]byte, error) {
	if len(name) > MaxDisplayName {
		return nil, invalidPayload(t, "display name %d bytes exceeds %d", len(name), MaxDisplayName)
	}
	buf := make([]byte, 0, IDSize+1+len(name))
	buf = append(buf, key[:]...)
	buf = append(buf, uint8(len(name)))
	return append(buf, name...), nil
}

func decodeFriendName(t Type, data []byte) (ID, string, error) {
	var key ID
	if len(data) < IDSize+1 {
		return key, "", invalidPayload(t, "%d bytes, need at least %d", len(data), IDSize+1)
	}
	copy(key[:], data[:IDSize])
	nameLen := int(data[IDSize])
	if nameLen > MaxDisplayName {
		return key, "", invalidPayload(t, "display name %d bytes exceeds %d", nameLen, MaxDisplayName)
	}
	rest := data[IDSize+1:]
	if len(rest) != nameLen {
		return key, "", invalidPayload(t, "display name length %d does not match remaining %d bytes", nameLen, len(rest))
	}
	if !utf8.Valid(rest) {
		return key, "", invalidPayload(t, "display name is not valid UTF-8")
	}
	return key, string(rest), nil
}
