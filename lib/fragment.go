package lib

import (
	"fmt"
	"sync"
	"time"
)

// Fragment is a bounded slice of an oversized message, per spec section
// 4.3. Fragment i carries bytes [i*F, (i+1)*F) of the original payload.
type Fragment struct {
	ChannelId      uint8
	MessageId      uint16
	FragmentIndex  uint16
	TotalFragments uint16
	Data           []byte
}

// SplitIntoFragments deterministically slices payload into fragments of
// at most fragmentSize bytes each.
func SplitIntoFragments(channelId uint8, messageId uint16, payload []byte, fragmentSize int) []Fragment {
	total := (len(payload) + fragmentSize - 1) / fragmentSize
	if total == 0 {
		total = 1
	}
	fragments := make([]Fragment, 0, total)
	for i := 0; i < total; i++ {
		start := i * fragmentSize
		end := start + fragmentSize
		if end > len(payload) {
			end = len(payload)
		}
		data := make([]byte, end-start)
		copy(data, payload[start:end])
		fragments = append(fragments, Fragment{
			ChannelId:      channelId,
			MessageId:      messageId,
			FragmentIndex:  uint16(i),
			TotalFragments: uint16(total),
			Data:           data,
		})
	}
	return fragments
}

type fragmentKey struct {
	channelId uint8
	messageId uint16
}

type fragmentSet struct {
	totalFragments uint16
	received       []bool
	receivedCount  int
	buffer         []byte
	lastProgress   time.Duration
}

// Reassembler rebuilds oversized messages from their fragments, one set
// per (channel_id, message_id), discarding sets that make no progress
// for longer than the configured timeout (spec section 4.3).
type Reassembler struct {
	mu           sync.Mutex
	sets         map[fragmentKey]*fragmentSet
	fragmentSize int
	maxFragments int
	timeout      time.Duration
}

func NewReassembler(fragmentSize, maxFragments int, timeout time.Duration) *Reassembler {
	return &Reassembler{
		sets:         make(map[fragmentKey]*fragmentSet),
		fragmentSize: fragmentSize,
		maxFragments: maxFragments,
		timeout:      timeout,
	}
}

// AddFragment folds one fragment into its message's reassembly buffer.
// It returns the complete payload and done=true once every fragment has
// arrived. A TotalFragments disagreement with an in-progress set is a
// fault (spec section 4.3: "a fault").
func (r *Reassembler) AddFragment(now time.Duration, f Fragment) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f.TotalFragments == 0 || int(f.TotalFragments) > r.maxFragments {
		return nil, false, fmt.Errorf("fragment: invalid total_fragments %d for message %d", f.TotalFragments, f.MessageId)
	}
	if f.FragmentIndex >= f.TotalFragments {
		return nil, false, fmt.Errorf("fragment: index %d out of range (total %d)", f.FragmentIndex, f.TotalFragments)
	}

	key := fragmentKey{f.ChannelId, f.MessageId}
	set, ok := r.sets[key]
	if !ok {
		set = &fragmentSet{
			totalFragments: f.TotalFragments,
			received:       make([]bool, f.TotalFragments),
			buffer:         make([]byte, int(f.TotalFragments)*r.fragmentSize),
			lastProgress:   now,
		}
		r.sets[key] = set
	}
	if f.TotalFragments != set.totalFragments {
		delete(r.sets, key)
		return nil, false, fmt.Errorf("fragment: total_fragments mismatch for message %d (had %d, got %d)", f.MessageId, set.totalFragments, f.TotalFragments)
	}

	set.lastProgress = now
	if !set.received[f.FragmentIndex] {
		set.received[f.FragmentIndex] = true
		set.receivedCount++
		offset := int(f.FragmentIndex) * r.fragmentSize
		copy(set.buffer[offset:], f.Data)
		if f.FragmentIndex == set.totalFragments-1 {
			set.buffer = set.buffer[:offset+len(f.Data)]
		}
	}

	if set.receivedCount == int(set.totalFragments) {
		delete(r.sets, key)
		return set.buffer, true, nil
	}
	return nil, false, nil
}

// ExpireOld discards reassembly sets that made no progress within the
// configured timeout.
func (r *Reassembler) ExpireOld(now time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, set := range r.sets {
		if now-set.lastProgress > r.timeout {
			delete(r.sets, key)
		}
	}
}
