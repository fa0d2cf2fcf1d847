package ai

import "image"

// InferenceRequest represents a request to the detection service
type InferenceRequest struct {
	Image               string   `json:"image"`                          // Base64-encoded JPEG image
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"` // Optional override
	EnabledClasses      []string `json:"enabled_classes,omitempty"`      // Optional filter
}

// BoundingBox represents a detected object's bounding box
type BoundingBox struct {
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
	Confidence float64 `json:"confidence"` // 0.0 to 1.0
	ClassID    int     `json:"class_id"`   // COCO class ID
	ClassName  string  `json:"class_name"`
}

// InferenceResponse represents the response from the detection service
type InferenceResponse struct {
	BoundingBoxes   []BoundingBox `json:"bounding_boxes"`
	InferenceTimeMs float64       `json:"inference_time_ms"`
	FrameShape      []int         `json:"frame_shape"` // [height, width]
	DetectionCount  int           `json:"detection_count"`
}

// InferenceStats represents inference statistics
type InferenceStats struct {
	TotalInferences int     `json:"total_inferences"`
	TotalTimeMs     float64 `json:"total_time_ms"`
	AverageTimeMs   float64 `json:"average_time_ms"`
}

// Detection is one object found in a frame
type Detection struct {
	Class      string
	ClassID    int
	Box        image.Rectangle
	Confidence float64
}

// Detections converts the wire response into frame-space detections
func (r *InferenceResponse) Detections() []Detection {
	out := make([]Detection, 0, len(r.BoundingBoxes))
	for _, b := range r.BoundingBoxes {
		out = append(out, Detection{
			Class:      b.ClassName,
			ClassID:    b.ClassID,
			Box:        image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2)),
			Confidence: b.Confidence,
		})
	}
	return out
}
