// Package chunk implements the link-level splitting protocol that fits a
// single write or notify payload into the physical transmission-unit
// budget. It sits below the packet abstraction: callers hand it opaque
// bytes and receive opaque bytes, 18 bytes at a time on the wire.
package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Kind is the chunk type carried in the first header byte.
type Kind uint8

const (
	KindSingle Kind = iota
	KindFirst
	KindMiddle
	KindLast
)

func (k Kind) String() string {
	switch k {
	case KindSingle:
		return "SINGLE"
	case KindFirst:
		return "FIRST"
	case KindMiddle:
		return "MIDDLE"
	case KindLast:
		return "LAST"
	default:
		return "unknown"
	}
}

const (
	// HeaderSize is the chunk header: kind (1) + chunk-message id (2).
	HeaderSize = 3

	// Budget is the total bytes a single chunk may occupy on the wire.
	Budget = 18

	// MaxData is the data bytes left after the header.
	MaxData = Budget - HeaderSize

	// AssemblyTimeout bounds how long a partial multi-chunk message is
	// kept. The upstream protocol never specified one; without it a lost
	// LAST chunk would pin the buffer forever.
	AssemblyTimeout = 30 * time.Second
)

var errTooShort = errors.New("chunk: shorter than header")

// Chunk is one parsed wire chunk.
type Chunk struct {
	Kind Kind
	ID   uint16 // chunk-message id, a namespace of its own per link
	Data []byte
}

// Split encodes data into wire chunks under the given id. Data that fits a
// single chunk goes out as one SINGLE chunk; anything larger becomes
// FIRST, zero or more MIDDLEs, and a LAST.
func Split(id uint16, data []byte) [][]byte {
	if len(data) <= MaxData {
		return [][]byte{encode(KindSingle, id, data)}
	}

	var out [][]byte
	kind := KindFirst
	for len(data) > MaxData {
		out = append(out, encode(kind, id, data[:MaxData]))
		data = data[MaxData:]
		kind = KindMiddle
	}
	return append(out, encode(KindLast, id, data))
}

func encode(kind Kind, id uint16, data []byte) []byte {
	buf := make([]byte, 0, HeaderSize+len(data))
	buf = append(buf, uint8(kind))
	buf = binary.BigEndian.AppendUint16(buf, id)
	return append(buf, data...)
}

// Parse decodes one wire chunk.
func Parse(raw []byte) (Chunk, error) {
	if len(raw) < HeaderSize {
		return Chunk{}, errTooShort
	}
	c := Chunk{
		Kind: Kind(raw[0]),
		ID:   binary.BigEndian.Uint16(raw[1:3]),
	}
	if c.Kind > KindLast {
		return Chunk{}, fmt.Errorf("chunk: unknown kind 0x%02x", raw[0])
	}
	if len(raw) > HeaderSize {
		c.Data = make([]byte, len(raw)-HeaderSize)
		copy(c.Data, raw[HeaderSize:])
	}
	return c, nil
}

// Sequencer hands out chunk-message ids for one sending side of a link.
type Sequencer struct {
	mu   sync.Mutex
	next uint16
}

// Next returns a fresh chunk-message id.
func (s *Sequencer) Next() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	return id
}

type assemblyKey struct {
	link string
	id   uint16
}

type assembly struct {
	parts   [][]byte
	started time.Time
}

// Assembler reassembles multi-chunk messages. Buffers are keyed by the
// originating link plus the chunk-message id, because independent links
// reuse id values concurrently. The assembler is only ever touched from
// the coordinator's event loop.
type Assembler struct {
	now     func() time.Time
	buffers map[assemblyKey]*assembly
}

// NewAssembler creates an assembler using the given clock.
func NewAssembler(now func() time.Time) *Assembler {
	if now == nil {
		now = time.Now
	}
	return &Assembler{now: now, buffers: make(map[assemblyKey]*assembly)}
}

// Feed processes one raw inbound chunk from the given link. A completed
// message is returned with ok true. A SINGLE chunk completes immediately.
// MIDDLE or LAST chunks whose FIRST was never seen belong to an unknown
// message and are dropped.
func (a *Assembler) Feed(link string, raw []byte) ([]byte, bool, error) {
	c, err := Parse(raw)
	if err != nil {
		return nil, false, err
	}
	key := assemblyKey{link: link, id: c.ID}

	switch c.Kind {
	case KindSingle:
		delete(a.buffers, key)
		return c.Data, true, nil

	case KindFirst:
		a.buffers[key] = &assembly{parts: [][]byte{c.Data}, started: a.now()}
		return nil, false, nil

	case KindMiddle:
		buf, open := a.buffers[key]
		if !open {
			return nil, false, nil
		}
		buf.parts = append(buf.parts, c.Data)
		return nil, false, nil

	case KindLast:
		buf, open := a.buffers[key]
		if !open {
			return nil, false, nil
		}
		delete(a.buffers, key)
		var blob []byte
		for _, part := range buf.parts {
			blob = append(blob, part...)
		}
		return append(blob, c.Data...), true, nil

	default:
		return nil, false, fmt.Errorf("chunk: unknown kind %d", c.Kind)
	}
}

// DropLink discards all partial assemblies for a link that went away.
func (a *Assembler) DropLink(link string) {
	for key := range a.buffers {
		if key.link == link {
			delete(a.buffers, key)
		}
	}
}

// Sweep purges assemblies that have been incomplete for longer than
// AssemblyTimeout and returns how many were dropped.
func (a *Assembler) Sweep() int {
	cutoff := a.now().Add(-AssemblyTimeout)
	dropped := 0
	for key, buf := range a.buffers {
		if buf.started.Before(cutoff) {
			delete(a.buffers, key)
			dropped++
		}
	}
	return dropped
}

// Pending returns the number of open assembly buffers.
func (a *Assembler) Pending() int {
	return len(a.buffers)
}
