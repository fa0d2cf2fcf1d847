package video

import (
	"context"
	"sync"
	"time"
)

// Buffer is a fixed-capacity latest-wins frame queue between a source and
// a processor. Push never blocks: when the buffer is full the single
// oldest frame is evicted to make room.
type Buffer struct {
	frames chan *Frame
	pushMu sync.Mutex
}

// NewBuffer creates a buffer holding at most capacity frames
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{frames: make(chan *Frame, capacity)}
}

// Push inserts frame, evicting the oldest entry if the buffer is full.
// It reports whether a frame was evicted.
func (b *Buffer) Push(frame *Frame) (evicted bool) {
	b.pushMu.Lock()
	defer b.pushMu.Unlock()

	for {
		select {
		case b.frames <- frame:
			return evicted
		default:
		}

		// Full. Producers are serialized, so after taking one frame out
		// the next send cannot fail unless a consumer raced us to it,
		// in which case there is room anyway.
		select {
		case <-b.frames:
			evicted = true
		default:
		}
	}
}

// Pop waits up to timeout for a frame. It returns false when no frame
// arrived in time or ctx was cancelled.
func (b *Buffer) Pop(ctx context.Context, timeout time.Duration) (*Frame, bool) {
	select {
	case f := <-b.frames:
		return f, true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-b.frames:
		return f, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// Len returns the number of buffered frames
func (b *Buffer) Len() int {
	return len(b.frames)
}

// Cap returns the buffer capacity
func (b *Buffer) Cap() int {
	return cap(b.frames)
}
