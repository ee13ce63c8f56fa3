package securechan

import "github.com/kkdai/bstream"

// replayWindowWidth is spec.md §4.4's "sliding replay window of fixed width
// (default 256)".
const replayWindowWidth = 256

// replayWindow tracks which of the last replayWindowWidth nonce counters
// have already been accepted, rejecting both exact duplicates and counters
// that have fallen off the trailing edge of the window (testable property
// S5).
type replayWindow struct {
	seeded  bool
	highest uint64
	bits    [replayWindowWidth / 64]uint64
}

func newReplayWindow() *replayWindow {
	return &replayWindow{}
}

// Accept reports whether counter n is fresh (not previously seen, not stale)
// and, if so, marks it seen. age 0 is always the most recently accepted
// counter; age grows as counters recede into the past.
func (w *replayWindow) Accept(n uint64) bool {
	if !w.seeded {
		w.seeded = true
		w.highest = n
		w.setBit(0)
		return true
	}

	if n > w.highest {
		w.shiftBy(n - w.highest)
		w.highest = n
		w.setBit(0)
		return true
	}

	age := w.highest - n
	if age >= replayWindowWidth {
		return false
	}
	if w.testBit(age) {
		return false
	}
	w.setBit(age)
	return true
}

// reset clears the window entirely. commitPending calls it when the first
// frame under rekeyed keys is accepted, so each key generation starts with
// an empty window. A rekey does not reset the send counter; it keeps
// counting across key generations.
func (w *replayWindow) reset() {
	*w = replayWindow{}
}

func (w *replayWindow) setBit(age uint64) {
	word, bit := age/64, age%64
	w.bits[word] |= 1 << bit
}

func (w *replayWindow) testBit(age uint64) bool {
	word, bit := age/64, age%64
	return w.bits[word]&(1<<bit) != 0
}

// shiftBy slides every tracked bit `n` positions older (toward higher age),
// dropping whatever falls off the far edge of the window.
func (w *replayWindow) shiftBy(n uint64) {
	if n >= replayWindowWidth {
		for i := range w.bits {
			w.bits[i] = 0
		}
		return
	}

	wordShift := n / 64
	bitShift := n % 64

	var next [replayWindowWidth / 64]uint64
	for i := len(w.bits) - 1; i >= 0; i-- {
		srcIdx := i - int(wordShift)
		if srcIdx < 0 {
			continue
		}
		next[i] = w.bits[srcIdx] << bitShift
		if bitShift > 0 && srcIdx-1 >= 0 {
			next[i] |= w.bits[srcIdx-1] >> (64 - bitShift)
		}
	}
	w.bits = next
}

// snapshot serializes the window oldest-bit-first, for diagnostics; the
// random-access bits array above, not this
// serialization, is what replay decisions are made from.
func (w *replayWindow) snapshot() []byte {
	bw := bstream.NewBStreamWriter(replayWindowWidth / 8)
	for age := replayWindowWidth - 1; age >= 0; age-- {
		bw.WriteBit(w.testBit(uint64(age)))
	}
	return bw.Bytes()
}
