package processing

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/cuongbtq/upload-pipeline/internal/domain"
	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ImageVariant is one resized output. MaxDimension bounds the longer edge.
type ImageVariant struct {
	Name         string
	MaxDimension int
}

// DefaultImageVariants are produced for every IMAGE job
var DefaultImageVariants = []ImageVariant{
	{Name: "thumbnail", MaxDimension: 150},
	{Name: "medium", MaxDimension: 600},
	{Name: "large", MaxDimension: 1200},
}

// ImageStrategy decodes an image and writes one scaled copy per variant.
// Images are never upscaled.
type ImageStrategy struct {
	variants []ImageVariant
}

// NewImageStrategy creates an ImageStrategy for the given variants
func NewImageStrategy(variants []ImageVariant) *ImageStrategy {
	return &ImageStrategy{variants: variants}
}

// Process implements domain.Strategy
func (s *ImageStrategy) Process(ctx context.Context, job *domain.Job, raw []byte) ([]domain.Artifact, error) {
	src, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	artifacts := make([]domain.Artifact, 0, len(s.variants))
	for _, v := range s.variants {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		scaled := scale(src, v.MaxDimension)
		data, contentType, err := encode(scaled, format)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s variant: %w", v.Name, err)
		}
		artifacts = append(artifacts, domain.Artifact{
			Name:        v.Name,
			ContentType: contentType,
			Data:        data,
		})
	}
	return artifacts, nil
}

func scale(src image.Image, maxDim int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDim && h <= maxDim {
		return src
	}

	if w >= h {
		h = max(1, h*maxDim/w)
		w = maxDim
	} else {
		w = max(1, w*maxDim/h)
		h = maxDim
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

func encode(img image.Image, format string) ([]byte, string, error) {
	var buf bytes.Buffer
	switch format {
	case "jpeg":
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "image/jpeg", nil
	case "gif":
		if err := gif.Encode(&buf, img, nil); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "image/gif", nil
	default:
		if err := png.Encode(&buf, img); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "image/png", nil
	}
}
