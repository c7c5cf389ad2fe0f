// Package detector turns photos into face embeddings through an external
// detection service and prepares images for it.
package detector

import (
	"context"
	"errors"
)

// ErrDecode is returned for bytes that are not a decodable image. Not retryable.
var ErrDecode = errors.New("image decode failed")

// Face is one detected face.
type Face struct {
	Index      int       `json:"face_index"`
	Vector     []float32 `json:"embedding"`
	BBox       []float64 `json:"bbox"` // [x1, y1, x2, y2] in pixels of the submitted image
	Confidence float64   `json:"det_score"`
}

// Detector detects faces and embeds each one. A photo without faces yields an
// empty slice and no error.
type Detector interface {
	DetectAndEmbed(ctx context.Context, image []byte) ([]Face, error)
}

// Modeler is implemented by detectors that report the model they run.
type Modeler interface {
	Model() string
}
