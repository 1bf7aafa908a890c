package hashdb

import (
	"math/rand/v2"
	"testing"
)

// probeFind looks hash up the way findKey does: from the home slot up to the
// first empty slot.
func probeFind(b *bucket, hash uint32) int {
	n := len(b.elements)
	home := homeSlot(hash, n)

	for i := range n {
		slot := (home + i) % n
		if !b.elements[slot].used {
			return noSlot
		}

		if b.elements[slot].hash == hash {
			return slot
		}
	}

	return noSlot
}

func Test_RemoveElement_Keeps_Remaining_Elements_Reachable_When_Probe_Chains_Wrap(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 2))

	for round := range 200 {
		b := newBucket(0, 8)
		live := make(map[uint32]bool)

		for len(live) < 7 {
			// Few distinct home slots force long, wrapping chains.
			h := rng.Uint32()&0xF000_0000 | uint32(len(live)+1)
			if live[h] {
				continue
			}

			b.insertElement(bucketElement{hash: h, keySize: 1})
			live[h] = true
		}

		for len(live) > 0 {
			var victim uint32
			for h := range live {
				victim = h
				break
			}

			slot := probeFind(b, victim)
			if slot == noSlot {
				t.Fatalf("round %d: hash %#x unreachable before removal", round, victim)
			}

			b.removeElement(slot)
			delete(live, victim)

			for h := range live {
				if probeFind(b, h) == noSlot {
					t.Fatalf("round %d: hash %#x unreachable after removing %#x", round, h, victim)
				}
			}

			if got, want := int(b.count), len(live); got != want {
				t.Fatalf("round %d: count=%d, want %d", round, got, want)
			}
		}
	}
}

func Test_Separable_Reports_False_Only_When_All_Addressable_Hash_Bits_Match(t *testing.T) {
	t.Parallel()

	b := newBucket(0, 4)
	b.insertElement(bucketElement{hash: 0xAB12_3456, keySize: 1})
	b.insertElement(bucketElement{hash: 0xCD12_3456, keySize: 1})

	if separable(b, 0xEF12_3456) {
		t.Fatal("hashes differing only above the directory limit reported separable")
	}

	if !separable(b, 0xEF12_3457) {
		t.Fatal("hashes differing in bit 0 reported inseparable")
	}
}

func Test_DirIndex_Uses_Low_Bits_Of_Hash(t *testing.T) {
	t.Parallel()

	if got, want := dirIndex(0xFFFF_FF0D, 4), 0xD; got != want {
		t.Fatalf("dirIndex=%#x, want %#x", got, want)
	}

	if got, want := dirIndex(0xFFFF_FFFF, 0), 0; got != want {
		t.Fatalf("dirIndex with 0 bits=%d, want %d", got, want)
	}
}
