package wire

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func testID(b byte) ID {
	var id ID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var sig [SignatureSize]byte
	for i := range sig {
		sig[i] = byte(i)
	}

	tests := []struct {
		name string
		pkt  *Packet
	}{
		{
			name: "minimal",
			pkt: &Packet{
				Version:   Version,
				Type:      TypeChat,
				TTL:       DefaultTTL,
				Timestamp: 1700000000000,
				SenderID:  testID(0xaa),
			},
		},
		{
			name: "with payload",
			pkt: &Packet{
				Version:   Version,
				Type:      TypeDeliveryAck,
				TTL:       3,
				Timestamp: 42,
				SenderID:  testID(0x01),
				Payload:   []byte("hello mesh"),
			},
		},
		{
			name: "with recipient",
			pkt: (&Packet{
				Version:   Version,
				Type:      TypeChat,
				TTL:       DefaultTTL,
				Timestamp: 1700000000001,
				SenderID:  testID(0x02),
				Payload:   []byte{1, 2, 3},
			}).WithRecipient(testID(0x03)),
		},
		{
			name: "with signature",
			pkt: (&Packet{
				Version:   Version,
				Type:      TypeFriendRequest,
				TTL:       0,
				Timestamp: 0,
				SenderID:  testID(0x04),
				Payload:   []byte{0xff},
			}).WithSignature(sig),
		},
		{
			name: "all optional fields",
			pkt: (&Packet{
				Version:   Version,
				Type:      TypeFriendAccept,
				TTL:       255,
				Timestamp: ^uint64(0),
				SenderID:  testID(0x05),
				Payload:   bytes.Repeat([]byte{0xab}, 4096),
			}).WithRecipient(testID(0x06)).WithSignature(sig),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := Encode(tt.pkt)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(decoded, tt.pkt) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", decoded, tt.pkt)
			}
		})
	}
}

func TestEncodeDeterministic(t *testing.T) {
	pkt := (&Packet{
		Version:   Version,
		Type:      TypeChat,
		TTL:       DefaultTTL,
		Timestamp: 123456789,
		SenderID:  testID(0x11),
		Payload:   []byte("same bytes every time"),
	}).WithRecipient(testID(0x22))

	a, err := Encode(pkt)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := Encode(pkt)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("two encodings of the same packet differ")
	}
}

func TestEncodePayloadTooLarge(t *testing.T) {
	pkt := NewPacket(TypeChat, testID(1), make([]byte, MaxPayload+1))
	if _, err := Encode(pkt); err == nil {
		t.Error("expected error for oversized payload")
	}
}

func TestDecodeMalformed(t *testing.T) {
	valid, err := Encode((&Packet{
		Version:   Version,
		Type:      TypeChat,
		TTL:       7,
		Timestamp: 1,
		SenderID:  testID(9),
		Payload:   []byte("abc"),
	}).WithRecipient(testID(8)))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", make([]byte, HeaderSize-1)},
		{"header only", make([]byte, HeaderSize)},
		{"truncated sender", make([]byte, HeaderSize+IDSize-1)},
		{"truncated recipient", valid[:HeaderSize+IDSize+5]},
		{"truncated payload", valid[:len(valid)-2]},
		{"trailing bytes", append(append([]byte(nil), valid...), 0x00)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if err == nil {
				t.Fatal("expected decode error")
			}
			var malformedErr *MalformedPacketError
			if !errors.As(err, &malformedErr) {
				t.Errorf("error %v is not a MalformedPacketError", err)
			}
		})
	}
}

func TestDecodeDeclaredPayloadExceedsRemaining(t *testing.T) {
	pkt := NewPacket(TypeChat, testID(1), []byte("abcdef"))
	encoded, err := Encode(pkt)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Inflate the declared payload length past the actual bytes.
	encoded[12] = 0xff
	encoded[13] = 0xff
	if _, err := Decode(encoded); err == nil {
		t.Error("expected error for inflated payload length")
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	var msgID MessageID
	copy(msgID[:], "0123456789abcdef")

	tests := []struct {
		name    string
		payload Payload
	}{
		{"chat", ChatPayload{MessageID: msgID, Content: "hello, bob"}},
		{"chat empty content", ChatPayload{MessageID: msgID}},
		{"delivery ack", DeliveryAckPayload{MessageID: msgID}},
		{"read receipt", ReadReceiptPayload{MessageID: msgID}},
		{"friend request", FriendRequestPayload{PublicKey: testID(7), DisplayName: "alice"}},
		{"friend request empty name", FriendRequestPayload{PublicKey: testID(7)}},
		{"friend accept", FriendAcceptPayload{PublicKey: testID(8), DisplayName: "bob"}},
		{"friend reject", FriendRejectPayload{PublicKey: testID(9)}},
		{"fragment start", FragmentPayload{Kind: TypeFragmentStart, FragmentID: 12, Index: 0, Total: 3, Data: []byte{1, 2}}},
		{"fragment end no data", FragmentPayload{Kind: TypeFragmentEnd, FragmentID: 12, Index: 2, Total: 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := EncodePayload(tt.payload)
			if err != nil {
				t.Fatalf("EncodePayload: %v", err)
			}
			decoded, err := DecodePayload(tt.payload.PayloadType(), encoded)
			if err != nil {
				t.Fatalf("DecodePayload: %v", err)
			}
			if !reflect.DeepEqual(decoded, tt.payload) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", decoded, tt.payload)
			}
		})
	}
}

func TestPayloadInvalid(t *testing.T) {
	longName := strings.Repeat("x", MaxDisplayName+1)

	tests := []struct {
		name string
		typ  Type
		data []byte
	}{
		{"chat too short", TypeChat, make([]byte, MessageIDSize-1)},
		{"ack wrong size", TypeDeliveryAck, make([]byte, MessageIDSize+1)},
		{"receipt empty", TypeReadReceipt, nil},
		{"request truncated key", TypeFriendRequest, make([]byte, IDSize)},
		{"request name overflow", TypeFriendRequest, append(append(make([]byte, IDSize), byte(len(longName))), longName...)},
		{"request name length mismatch", TypeFriendRequest, append(make([]byte, IDSize), 10, 'a')},
		{"reject wrong size", TypeFriendReject, make([]byte, IDSize-1)},
		{"fragment too short", TypeFragmentStart, []byte{0, 1, 0}},
		{"unknown type", Type(0x7f), []byte{1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePayload(tt.typ, tt.data)
			if err == nil {
				t.Fatal("expected decode error")
			}
			var invalidErr *InvalidPayloadError
			if !errors.As(err, &invalidErr) {
				t.Errorf("error %v is not an InvalidPayloadError", err)
			}
		})
	}
}

func TestEncodePayloadNameTooLong(t *testing.T) {
	_, err := EncodePayload(FriendRequestPayload{
		PublicKey:   testID(1),
		DisplayName: strings.Repeat("n", MaxDisplayName+1),
	})
	if err == nil {
		t.Error("expected error for oversized display name")
	}
}
