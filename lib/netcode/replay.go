package netcode

// ReplayWindowSize is the number of trailing sequence slots tracked
// (spec section 3: "never accepted twice within the replay window (256
// entries)").
const ReplayWindowSize = 256

// ReplayWindow is the 256-slot bitmap that guards an endpoint's envelope
// sequences, both during the handshake and once connected (spec section
// 4.4). ConnectionRequest token nonces are not tracked here; the server
// keeps those in its own single-use nonce table.
type ReplayWindow struct {
	slots      [ReplayWindowSize]bool
	highestSeen uint64
	hasAny      bool
}

// NewReplayWindow returns an empty window.
func NewReplayWindow() *ReplayWindow {
	return &ReplayWindow{}
}

// Accept reports whether sequence is new, and if so records it. A
// sequence is accepted only if its slot is unset and it is newer than
// highest_seen - ReplayWindowSize (spec section 4.4).
func (w *ReplayWindow) Accept(sequence uint64) bool {
	if w.hasAny && sequence+ReplayWindowSize <= w.highestSeen {
		return false
	}
	slot := int(sequence % ReplayWindowSize)
	if w.hasAny && sequence <= w.highestSeen {
		if w.slots[slot] {
			return false
		}
		w.slots[slot] = true
		return true
	}
	// sequence is newer than anything seen so far: clear slots for the
	// range that just fell out of the window before marking the new one.
	// A jump bigger than the window clears every slot at most once.
	if w.hasAny {
		gap := sequence - w.highestSeen
		if gap > ReplayWindowSize {
			gap = ReplayWindowSize
		}
		for i := uint64(0); i < gap; i++ {
			w.slots[int((w.highestSeen+1+i)%ReplayWindowSize)] = false
		}
	}
	w.highestSeen = sequence
	w.hasAny = true
	w.slots[slot] = true
	return true
}
