package wire

import "fmt"

// MalformedPacketError reports a header-level decode failure. The peer sent
// bytes that do not form a packet at all; the caller should drop them and
// keep the connection.
type MalformedPacketError struct {
	Reason string
}

func (e *MalformedPacketError) Error() string {
	return "wire: malformed packet: " + e.Reason
}

func malformed(format string, args ...interface{}) error {
	return &MalformedPacketError{Reason: fmt.Sprintf(format, args...)}
}

// InvalidPayloadError reports a payload that decodes under a valid header
// but violates its type-specific constraints. Distinguished from
// MalformedPacketError because the caller reacts differently: the message
// is dropped but the connection survives.
type InvalidPayloadError struct {
	Type   Type
	Reason string
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("wire: invalid %s payload: %s", e.Type, e.Reason)
}

func invalidPayload(t Type, format string, args ...interface{}) error {
	return &InvalidPayloadError{Type: t, Reason: fmt.Sprintf(format, args...)}
}
