package wire

import "encoding/binary"

// Encode serializes a packet. Layout, big-endian:
//
//	version(1) type(1) ttl(1) flags(1) timestamp(8) payloadLength(2)
//	senderID(32) [recipientID(32)] payload [signature(64)]
//
// Encoding is deterministic: the same packet always produces the same bytes.
func Encode(p *Packet) ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, malformed("payload %d bytes exceeds %d", len(p.Payload), MaxPayload)
	}

	size := HeaderSize + IDSize + len(p.Payload)
	if p.Flags&FlagHasRecipient != 0 {
		size += IDSize
	}
	if p.Flags&FlagHasSignature != 0 {
		size += SignatureSize
	}

	buf := make([]byte, 0, size)
	buf = append(buf, p.Version, uint8(p.Type), p.TTL, uint8(p.Flags))
	buf = binary.BigEndian.AppendUint64(buf, p.Timestamp)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(p.Payload)))
	buf = append(buf, p.SenderID[:]...)
	if p.Flags&FlagHasRecipient != 0 {
		buf = append(buf, p.RecipientID[:]...)
	}
	buf = append(buf, p.Payload...)
	if p.Flags&FlagHasSignature != 0 {
		buf = append(buf, p.Signature[:]...)
	}
	return buf, nil
}

// Decode deserializes a packet, validating the structural invariants:
// minimum length, flag-gated optional fields, and an exact match between
// the declared payload length and the remaining bytes.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize+IDSize {
		return nil, malformed("%d bytes, need at least %d", len(data), HeaderSize+IDSize)
	}

	p := &Packet{
		Version:   data[0],
		Type:      Type(data[1]),
		TTL:       data[2],
		Flags:     Flags(data[3]),
		Timestamp: binary.BigEndian.Uint64(data[4:12]),
	}
	payloadLen := int(binary.BigEndian.Uint16(data[12:14]))

	rest := data[HeaderSize:]
	copy(p.SenderID[:], rest[:IDSize])
	rest = rest[IDSize:]

	if p.Flags&FlagHasRecipient != 0 {
		if len(rest) < IDSize {
			return nil, malformed("truncated recipient id")
		}
		copy(p.RecipientID[:], rest[:IDSize])
		rest = rest[IDSize:]
	}

	if payloadLen > len(rest) {
		return nil, malformed("declared payload %d exceeds remaining %d bytes", payloadLen, len(rest))
	}
	if payloadLen > 0 {
		p.Payload = make([]byte, payloadLen)
		copy(p.Payload, rest[:payloadLen])
	}
	rest = rest[payloadLen:]

	if p.Flags&FlagHasSignature != 0 {
		if len(rest) < SignatureSize {
			return nil, malformed("truncated signature")
		}
		copy(p.Signature[:], rest[:SignatureSize])
		rest = rest[SignatureSize:]
	}

	if len(rest) != 0 {
		return nil, malformed("%d trailing bytes", len(rest))
	}
	return p, nil
}
