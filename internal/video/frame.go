package video

import "time"

// Frame is a single JPEG-encoded video frame. A frame is not modified
// after it has been published by a Processor.
type Frame struct {
	DeviceID  string
	Data      []byte
	Seq       uint64
	Timestamp time.Time // capture time

	// Set by the processor when detection ran on this frame
	Detected   bool
	Detections int
}

// withData returns a copy of f carrying data
func (f *Frame) withData(data []byte) *Frame {
	out := *f
	out.Data = data
	return &out
}
