package wire

import (
	"bytes"
	"math/rand"
	"testing"
	"time"
)

// reassemble pushes every fragment packet through a reassembler and returns
// the completed blob.
func reassemble(t *testing.T, r *Reassembler, frags []*Packet) []byte {
	t.Helper()
	for i, pkt := range frags {
		payload, err := DecodePayload(pkt.Type, pkt.Payload)
		if err != nil {
			t.Fatalf("fragment %d: DecodePayload: %v", i, err)
		}
		blob, done := r.Feed(payload.(FragmentPayload))
		if done {
			if i != len(frags)-1 {
				t.Fatalf("reassembly completed early at fragment %d of %d", i+1, len(frags))
			}
			return blob
		}
	}
	t.Fatal("reassembly never completed")
	return nil
}

func TestFragmentRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	sizes := []int{0, 1, 5, 461, 462, 463, 1000, 20000, 65535}

	for _, size := range sizes {
		data := make([]byte, size)
		rng.Read(data)

		f := NewFragmenter(testID(0xaa))
		frags, err := f.Split(data, FragmentBudget)
		if err != nil {
			t.Fatalf("size %d: Split: %v", size, err)
		}
		if len(frags) < 2 {
			t.Fatalf("size %d: got %d fragments, want at least a start/end pair", size, len(frags))
		}
		if frags[0].Type != TypeFragmentStart {
			t.Errorf("size %d: first fragment type = %s", size, frags[0].Type)
		}
		if frags[len(frags)-1].Type != TypeFragmentEnd {
			t.Errorf("size %d: last fragment type = %s", size, frags[len(frags)-1].Type)
		}
		for i, pkt := range frags {
			encoded, err := Encode(pkt)
			if err != nil {
				t.Fatalf("size %d: Encode fragment %d: %v", size, i, err)
			}
			if len(encoded) > FragmentBudget {
				t.Errorf("size %d: fragment %d is %d bytes, budget %d", size, i, len(encoded), FragmentBudget)
			}
		}

		blob := reassemble(t, NewReassembler(nil), frags)
		if !bytes.Equal(blob, data) {
			t.Errorf("size %d: reassembled %d bytes do not match original", size, len(blob))
		}
	}
}

func TestFragmentMinimumBudget(t *testing.T) {
	// The smallest workable budget carries one data byte per fragment.
	data := []byte("abcdefgh")
	f := NewFragmenter(testID(1))
	frags, err := f.Split(data, fragmentOverhead+1)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(frags) != len(data) {
		t.Errorf("got %d fragments, want %d", len(frags), len(data))
	}
	blob := reassemble(t, NewReassembler(nil), frags)
	if !bytes.Equal(blob, data) {
		t.Error("reassembled bytes do not match original")
	}
}

func TestFragmentBudgetTooSmall(t *testing.T) {
	f := NewFragmenter(testID(1))
	if _, err := f.Split([]byte("x"), fragmentOverhead); err == nil {
		t.Error("expected error for budget with no data room")
	}
}

func TestFragmentTooMany(t *testing.T) {
	f := NewFragmenter(testID(1))
	// 64KB with one byte per fragment needs far more than 255 fragments.
	if _, err := f.Split(make([]byte, 64*1024), fragmentOverhead+1); err == nil {
		t.Error("expected error for fragment count over the total-field limit")
	}
}

func TestFragmentIDsDistinct(t *testing.T) {
	f := NewFragmenter(testID(1))
	ids := make(map[uint16]bool)
	for i := 0; i < 10; i++ {
		frags, err := f.Split([]byte("payload"), FragmentBudget)
		if err != nil {
			t.Fatalf("Split: %v", err)
		}
		payload, err := DecodePayload(frags[0].Type, frags[0].Payload)
		if err != nil {
			t.Fatalf("DecodePayload: %v", err)
		}
		id := payload.(FragmentPayload).FragmentID
		if ids[id] {
			t.Fatalf("fragment id %d reused", id)
		}
		ids[id] = true
	}
}

func TestReassemblerLateFragmentDropped(t *testing.T) {
	r := NewReassembler(nil)
	blob, done := r.Feed(FragmentPayload{
		Kind:       TypeFragmentEnd,
		FragmentID: 99,
		Index:      1,
		Total:      2,
		Data:       []byte("late"),
	})
	if done || blob != nil {
		t.Error("continuation for unknown id must be dropped")
	}
	if r.Pending() != 0 {
		t.Errorf("pending = %d, want 0", r.Pending())
	}
}

func TestReassemblerInvalidIndexDropped(t *testing.T) {
	r := NewReassembler(nil)
	if _, done := r.Feed(FragmentPayload{Kind: TypeFragmentStart, FragmentID: 1, Index: 2, Total: 2}); done {
		t.Error("index beyond total must be dropped")
	}
	if _, done := r.Feed(FragmentPayload{Kind: TypeFragmentStart, FragmentID: 1, Index: 0, Total: 0}); done {
		t.Error("zero total must be dropped")
	}
}

func TestReassemblerSweep(t *testing.T) {
	current := time.Now()
	r := NewReassembler(func() time.Time { return current })

	r.Feed(FragmentPayload{Kind: TypeFragmentStart, FragmentID: 7, Index: 0, Total: 2, Data: []byte("a")})
	if r.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", r.Pending())
	}

	// Not yet expired.
	current = current.Add(ReassemblyTimeout - time.Second)
	if dropped := r.Sweep(); dropped != 0 {
		t.Errorf("sweep dropped %d buffers before the timeout", dropped)
	}

	current = current.Add(2 * time.Second)
	if dropped := r.Sweep(); dropped != 1 {
		t.Errorf("sweep dropped %d buffers, want 1", dropped)
	}

	// The end fragment arriving after cleanup is a late fragment.
	if _, done := r.Feed(FragmentPayload{Kind: TypeFragmentEnd, FragmentID: 7, Index: 1, Total: 2, Data: []byte("b")}); done {
		t.Error("fragment after sweep must be dropped")
	}
}
