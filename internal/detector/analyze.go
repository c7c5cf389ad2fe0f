package detector

import (
	"context"
	"fmt"
)

// AnalyzedFace is a detected face in original image coordinates.
type AnalyzedFace struct {
	Face
	Quality float64
}

// Analysis is the result of running detection on one photo.
type Analysis struct {
	Faces  []AnalyzedFace
	Width  int
	Height int
	Model  string
}

// Analyze validates and optionally downsizes the image, runs detection and
// maps boxes back to the original resolution.
func Analyze(ctx context.Context, d Detector, data []byte, maxSide int) (*Analysis, error) {
	prepared, err := Prepare(data, maxSide)
	if err != nil {
		return nil, err
	}

	faces, err := d.DetectAndEmbed(ctx, prepared.Data)
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}

	a := &Analysis{
		Faces:  make([]AnalyzedFace, 0, len(faces)),
		Width:  prepared.Width,
		Height: prepared.Height,
	}
	if m, ok := d.(Modeler); ok {
		a.Model = m.Model()
	}
	for _, f := range faces {
		if len(f.Vector) == 0 {
			continue
		}
		f.BBox = ClampBBox(ScaleBBox(f.BBox, prepared.Scale), prepared.Width, prepared.Height)
		a.Faces = append(a.Faces, AnalyzedFace{
			Face:    f,
			Quality: QualityScore(f.BBox, prepared.Width, prepared.Height),
		})
	}
	return a, nil
}
