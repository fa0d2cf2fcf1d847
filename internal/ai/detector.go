package ai

import (
	"context"
	"strings"
)

// Detector finds objects in a JPEG-encoded frame
type Detector interface {
	Detect(ctx context.Context, jpeg []byte) ([]Detection, error)
}

// DetectorFunc adapts a function to the Detector interface
type DetectorFunc func(ctx context.Context, jpeg []byte) ([]Detection, error)

// Detect calls f
func (f DetectorFunc) Detect(ctx context.Context, jpeg []byte) ([]Detection, error) {
	return f(ctx, jpeg)
}

// FilterClass returns the detections whose class matches name, case-insensitively
func FilterClass(detections []Detection, name string) []Detection {
	var out []Detection
	for _, d := range detections {
		if strings.EqualFold(d.Class, name) {
			out = append(out, d)
		}
	}
	return out
}
