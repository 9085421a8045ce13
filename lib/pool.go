package lib

import (
	"fmt"
	"sync"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// scratchBuffer is the ring pool's pooled element type: a fixed-size
// byte buffer reused across SendPackets calls instead of being
// reallocated and handed to the garbage collector every tick. Its
// method set mirrors the teacher's own pooled Payload type.
type scratchBuffer struct {
	bytes  []byte
	length int
}

func newScratchBuffer(params ...interface{}) rp.DataInterface {
	size := scratchBufferSize
	if len(params) == 1 {
		if n, ok := params[0].(int); ok {
			size = n
		}
	}
	return &scratchBuffer{bytes: make([]byte, size)}
}

func (b *scratchBuffer) SetContent(s string) {
	b.bytes = []byte(s)
	b.length = len(s)
}

func (b *scratchBuffer) Reset() {
	for i := range b.bytes {
		b.bytes[i] = 0
	}
	b.length = 0
}

func (b *scratchBuffer) PrintContent() {
	fmt.Println("scratch:", b.bytes[:b.length])
}

func (b *scratchBuffer) Copy(src []byte) error {
	if len(src) > len(b.bytes) {
		return fmt.Errorf("lib: scratch buffer too small for %d bytes", len(src))
	}
	copy(b.bytes, src)
	b.length = len(src)
	return nil
}

func (b *scratchBuffer) GetSlice() []byte {
	return b.bytes[:b.length]
}

// scratchBufferSize is sized for the largest frame the packer can ever
// marshal: a full packet plus the largest possible fragment header.
const scratchBufferSize = 2048

// scratchPoolSize mirrors the teacher's default ring pool sizing order
// of magnitude for a single connection's working set.
const scratchPoolSize = 64

var (
	scratchPoolOnce sync.Once
	scratchPool     *rp.RingPool
)

func scratchPoolInstance() *rp.RingPool {
	scratchPoolOnce.Do(func() {
		scratchPool = rp.NewRingPool("gonetcode scratch: ", scratchPoolSize, newScratchBuffer, scratchBufferSize)
	})
	return scratchPool
}

// getScratchBuffer borrows a pooled buffer for the duration of one
// marshal call. The caller must call putScratchBuffer once it has
// copied out whatever bytes it needs to keep.
func getScratchBuffer() (*rp.Element, []byte) {
	el := scratchPoolInstance().GetElement()
	buf := el.Data.(*scratchBuffer).bytes
	return el, buf
}

func putScratchBuffer(el *rp.Element) {
	scratchPoolInstance().ReturnElement(el)
}
