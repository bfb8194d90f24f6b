package scheduler

import (
	"math/bits"
	"sort"
)

// availabilityBucket tracks, for each piece, how many connected peers
// currently advertise it, and supports O(1) lookup of the rarest non-empty
// availability level. Pieces at the same availability are kept in a dense
// per-level slice; moving a piece between levels is a swap-with-last
// removal plus an append, both O(1). A bitmap of non-empty levels lets
// FirstNonEmpty skip straight to the rarest occupied bucket. The per-level
// slices are unordered internally; Bucket sorts on read so equal-rarity
// ties always resolve ascending by piece index.
type availabilityBucket struct {
	buckets      [][]int
	avail        []int
	pos          []int
	tracked      []bool
	maxAvail     int
	nonEmptyBits []uint64
}

func newAvailabilityBucket(pieceCount, maxAvail int) *availabilityBucket {
	b := &availabilityBucket{
		maxAvail:     maxAvail,
		buckets:      make([][]int, maxAvail+1),
		avail:        make([]int, pieceCount),
		pos:          make([]int, pieceCount),
		tracked:      make([]bool, pieceCount),
		nonEmptyBits: make([]uint64, (maxAvail>>6)+1),
	}

	b.buckets[0] = make([]int, pieceCount)
	for i := 0; i < pieceCount; i++ {
		b.buckets[0][i] = i
		b.pos[i] = i
		b.tracked[i] = true
	}
	if pieceCount > 0 {
		b.setBit(0)
	}

	return b
}

func (b *availabilityBucket) Availability(i int) int {
	return b.avail[i]
}

// FirstNonEmpty returns the lowest availability level with at least one
// piece still tracked in it.
func (b *availabilityBucket) FirstNonEmpty() (level int, ok bool) {
	for w := 0; w < len(b.nonEmptyBits); w++ {
		if x := b.nonEmptyBits[w]; x != 0 {
			return w<<6 + bits.TrailingZeros64(x), true
		}
	}
	return 0, false
}

// Bucket returns the piece indices at availability level a in ascending
// order, so that callers drawing equal-rarity pieces always draw the lowest
// index first.
func (b *availabilityBucket) Bucket(a int) []int {
	if a < 0 || a > b.maxAvail {
		return nil
	}
	out := append([]int(nil), b.buckets[a]...)
	sort.Ints(out)
	return out
}

// Tracked reports whether piece i still needs picking (i.e. has not been
// removed after verification).
func (b *availabilityBucket) Tracked(i int) bool {
	return i >= 0 && i < len(b.tracked) && b.tracked[i]
}

// Move changes piece i's availability by delta, clamped to [0, maxAvail].
// Untracked (already-verified) pieces are ignored.
func (b *availabilityBucket) Move(i, delta int) {
	if !b.Tracked(i) {
		return
	}
	oldA := b.avail[i]
	newA := oldA + delta
	if newA < 0 {
		newA = 0
	}
	if newA > b.maxAvail {
		newA = b.maxAvail
	}
	if newA == oldA {
		return
	}

	b.removeFrom(i, oldA)
	b.addTo(i, newA)
	b.avail[i] = newA
}

// Remove drops piece i from tracking entirely (it no longer needs picking,
// typically because it has just been verified).
func (b *availabilityBucket) Remove(i int) {
	if !b.Tracked(i) {
		return
	}
	b.removeFrom(i, b.avail[i])
	b.tracked[i] = false
}

func (b *availabilityBucket) removeFrom(i, avail int) {
	pos := b.pos[i]
	bucket := b.buckets[avail]
	last := len(bucket) - 1
	if last < 0 {
		return
	}

	bucket[pos] = bucket[last]
	b.pos[bucket[pos]] = pos
	bucket = bucket[:last]
	b.buckets[avail] = bucket

	if len(bucket) == 0 {
		b.clearBit(avail)
	}
}

func (b *availabilityBucket) addTo(i, avail int) {
	b.buckets[avail] = append(b.buckets[avail], i)
	b.pos[i] = len(b.buckets[avail]) - 1
	b.setBit(avail)
}

func (b *availabilityBucket) setBit(a int) {
	w, bit := a>>6, uint(a&63)
	b.nonEmptyBits[w] |= 1 << bit
}

func (b *availabilityBucket) clearBit(a int) {
	w, bit := a>>6, uint(a&63)
	b.nonEmptyBits[w] &^= 1 << bit
}
