package wire

import (
	"sync"
	"time"
)

const (
	// FragmentBudget is the largest encoded fragment packet the outer link
	// accepts in a single message.
	FragmentBudget = 512

	// fragmentHeaderSize is the fragment sub-header inside the payload:
	// fragment-message id (2) + index (1) + total (1).
	fragmentHeaderSize = 4

	// fragmentOverhead is everything a fragment packet spends on framing:
	// packet header, sender id, and the fragment sub-header.
	fragmentOverhead = HeaderSize + IDSize + fragmentHeaderSize

	// ReassemblyTimeout bounds how long an incomplete reassembly is kept.
	ReassemblyTimeout = 30 * time.Second
)

// maxFragments is the hard ceiling imposed by the 1-byte total field.
const maxFragments = 255

// Fragmenter splits encoded packets into fragment packets. Every outbound
// packet is fragmented, even one that fits in a single slice; the receiver
// then has exactly one reassembly code path.
type Fragmenter struct {
	sender ID

	mu     sync.Mutex
	nextID uint16
}

// NewFragmenter creates a fragmenter stamping fragments with the given
// sender identity.
func NewFragmenter(sender ID) *Fragmenter {
	return &Fragmenter{sender: sender}
}

// Split wraps an encoded packet into a sequence of fragment packets whose
// encoded size each stays within budget. The sequence is always at least a
// FragmentStart/FragmentEnd pair. budget must leave room for at least one
// data byte per fragment.
func (f *Fragmenter) Split(encoded []byte, budget int) ([]*Packet, error) {
	sliceSize := budget - fragmentOverhead
	if sliceSize < 1 {
		return nil, malformed("fragment budget %d leaves no room for data", budget)
	}

	slices := sliceBytes(encoded, sliceSize)
	if len(slices) < 2 {
		// Pad to a Start+End pair so single-slice packets take the same
		// path as multi-slice ones.
		slices = append(slices, nil)
	}
	if len(slices) > maxFragments {
		return nil, malformed("%d fragments exceed the %d limit", len(slices), maxFragments)
	}

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.mu.Unlock()

	total := uint8(len(slices))
	packets := make([]*Packet, 0, len(slices))
	for i, slice := range slices {
		kind := TypeFragmentContinue
		switch i {
		case 0:
			kind = TypeFragmentStart
		case len(slices) - 1:
			kind = TypeFragmentEnd
		}
		payload, err := EncodePayload(FragmentPayload{
			Kind:       kind,
			FragmentID: id,
			Index:      uint8(i),
			Total:      total,
			Data:       slice,
		})
		if err != nil {
			return nil, err
		}
		packets = append(packets, NewPacket(kind, f.sender, payload))
	}
	return packets, nil
}

func sliceBytes(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return [][]byte{nil}
	}
	var out [][]byte
	for len(data) > size {
		out = append(out, data[:size])
		data = data[size:]
	}
	return append(out, data)
}

// Reassembler buffers inbound fragments by fragment-message id and yields
// the original encoded packet once all declared fragments have arrived.
// It is driven entirely by the coordinator's event loop and needs no lock.
type Reassembler struct {
	now     func() time.Time
	buffers map[uint16]*reassembly
}

type reassembly struct {
	fragments map[uint8][]byte
	total     uint8
	started   time.Time
}

// NewReassembler creates a reassembler using the given clock.
func NewReassembler(now func() time.Time) *Reassembler {
	if now == nil {
		now = time.Now
	}
	return &Reassembler{now: now, buffers: make(map[uint16]*reassembly)}
}

// Feed processes one inbound fragment. When the fragment completes its
// message the returned blob is the original encoded packet and ok is true.
// A FragmentStart opens (or restarts) a buffer; a continuation or end for
// an id with no open buffer is a late arrival after cleanup and is
// silently dropped.
func (r *Reassembler) Feed(frag FragmentPayload) ([]byte, bool) {
	if frag.Total == 0 || frag.Index >= frag.Total {
		return nil, false
	}
	buf, open := r.buffers[frag.FragmentID]
	if frag.Kind == TypeFragmentStart {
		buf = &reassembly{
			fragments: make(map[uint8][]byte),
			total:     frag.Total,
			started:   r.now(),
		}
		r.buffers[frag.FragmentID] = buf
	} else if !open {
		return nil, false
	}

	buf.fragments[frag.Index] = frag.Data
	if len(buf.fragments) < int(buf.total) {
		return nil, false
	}

	delete(r.buffers, frag.FragmentID)
	var blob []byte
	for i := uint8(0); i < buf.total; i++ {
		blob = append(blob, buf.fragments[i]...)
	}
	return blob, true
}

// Sweep purges reassemblies that have been incomplete for longer than
// ReassemblyTimeout and returns how many were dropped.
func (r *Reassembler) Sweep() int {
	cutoff := r.now().Add(-ReassemblyTimeout)
	dropped := 0
	for id, buf := range r.buffers {
		if buf.started.Before(cutoff) {
			delete(r.buffers, id)
			dropped++
		}
	}
	return dropped
}

// Pending returns the number of open reassembly buffers.
func (r *Reassembler) Pending() int {
	return len(r.buffers)
}
