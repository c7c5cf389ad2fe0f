package detector

// ScaleBBox multiplies a [x1, y1, x2, y2] box by scale.
func ScaleBBox(bbox []float64, scale float64) []float64 {
	if len(bbox) != 4 || scale == 1 {
		return bbox
	}
	return []float64{bbox[0] * scale, bbox[1] * scale, bbox[2] * scale, bbox[3] * scale}
}

// ClampBBox limits a pixel box to the image bounds.
func ClampBBox(bbox []float64, width, height int) []float64 {
	if len(bbox) != 4 || width <= 0 || height <= 0 {
		return bbox
	}
	w, h := float64(width), float64(height)
	return []float64{
		min(max(bbox[0], 0), w),
		min(max(bbox[1], 0), h),
		min(max(bbox[2], 0), w),
		min(max(bbox[3], 0), h),
	}
}

// QualityScore rates a face by how much of the photo it covers:
// min(face_area / image_area * 10, 1). A face covering a tenth of the
// frame or more scores 1.
func QualityScore(bbox []float64, width, height int) float64 {
	if len(bbox) != 4 || width <= 0 || height <= 0 {
		return 0
	}
	fw := bbox[2] - bbox[0]
	fh := bbox[3] - bbox[1]
	if fw <= 0 || fh <= 0 {
		return 0
	}
	ratio := (fw * fh) / (float64(width) * float64(height))
	return min(ratio*10, 1)
}
