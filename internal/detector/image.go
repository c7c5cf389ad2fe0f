package detector

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Prepared is an image ready for detection.
type Prepared struct {
	Data   []byte
	Width  int // original image width
	Height int // original image height
	Format string
	// Scale maps coordinates in Data back to the original image (1 when not resized).
	Scale float64
}

// Prepare fully decodes the image to validate it and, when either side exceeds
// maxSide, downsizes it to fit and re-encodes it as JPEG. maxSide <= 0 never resizes.
// Truncated or corrupt data fails with ErrDecode even when no resize is needed.
func Prepare(data []byte, maxSide int) (*Prepared, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrDecode)
	}

	p := &Prepared{Data: data, Width: width, Height: height, Format: format, Scale: 1}
	if maxSide <= 0 || (width <= maxSide && height <= maxSide) {
		return p, nil
	}

	// Calculate new dimensions.
	var newWidth, newHeight int
	if width > height {
		newWidth = maxSide
		newHeight = max(1, int(float64(height)*float64(maxSide)/float64(width)))
	} else {
		newHeight = maxSide
		newWidth = max(1, int(float64(width)*float64(maxSide)/float64(height)))
	}

	resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.BiLinear.Scale(resized, resized.Bounds(), img, img.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("failed to encode resized image: %w", err)
	}

	p.Data = buf.Bytes()
	p.Scale = float64(width) / float64(newWidth)
	return p, nil
}
