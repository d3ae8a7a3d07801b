package peer

import "github.com/mossy-p/meshcall/internal/models"

// ICEBuffer holds remote candidates that arrive before a remote description.
// It is owned by a single link goroutine and is not safe for concurrent use.
type ICEBuffer struct {
	limit   int
	items   []models.ICECandidate
	dropped int
}

func NewICEBuffer(limit int) *ICEBuffer {
	if limit <= 0 {
		limit = 1
	}
	return &ICEBuffer{limit: limit}
}

// Push appends c, or drops it and returns false when the buffer is full
func (b *ICEBuffer) Push(c models.ICECandidate) bool {
	if len(b.items) >= b.limit {
		b.dropped++
		return false
	}
	b.items = append(b.items, c)
	return true
}

// Drain empties the buffer and returns its candidates in receipt order
func (b *ICEBuffer) Drain() []models.ICECandidate {
	out := b.items
	b.items = nil
	return out
}

func (b *ICEBuffer) Len() int     { return len(b.items) }
func (b *ICEBuffer) Dropped() int { return b.dropped }

func (b *ICEBuffer) Clear() {
	b.items = nil
}
