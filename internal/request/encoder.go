package request

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"

	"github.com/spherical/pdf-ocr/internal/domain"
)

// minEdge is the smallest page edge, in pixels, the vision tower accepts.
const minEdge = 28

// EncoderOptions configures ImageEncoder.
type EncoderOptions struct {
	BaseSize  int
	ImageSize int
	CropMode  bool
	MinCrops  int
	MaxCrops  int
	Format    string // jpeg or png
	Quality   int
	MaxEdge   int // longest edge after scaling, 0 keeps the rendered size
}

// ImageEncoder is the default Preprocessor. It scales, encodes and tags a page
// image with the tiling parameters the engine uses for dynamic cropping.
type ImageEncoder struct {
	opts EncoderOptions
}

// NewImageEncoder creates an encoder with the given options
func NewImageEncoder(opts EncoderOptions) *ImageEncoder {
	if opts.Format == "" {
		opts.Format = "jpeg"
	}
	if opts.Quality == 0 {
		opts.Quality = 95
	}
	return &ImageEncoder{opts: opts}
}

// Encode implements domain.Preprocessor
func (e *ImageEncoder) Encode(img image.Image) (domain.VisualEncoding, error) {
	if img == nil {
		return domain.VisualEncoding{}, domain.PreprocessError("page image is nil", nil)
	}

	bounds := img.Bounds()
	if bounds.Dx() < minEdge || bounds.Dy() < minEdge {
		return domain.VisualEncoding{}, domain.PreprocessError(
			fmt.Sprintf("page image %dx%d is below the %dpx minimum edge", bounds.Dx(), bounds.Dy(), minEdge), nil)
	}

	img = e.scale(img)

	var buf bytes.Buffer
	var mime string
	switch e.opts.Format {
	case "png":
		mime = "image/png"
		if err := png.Encode(&buf, img); err != nil {
			return domain.VisualEncoding{}, domain.PreprocessError("png encode failed", err)
		}
	case "jpeg":
		mime = "image/jpeg"
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.opts.Quality}); err != nil {
			return domain.VisualEncoding{}, domain.PreprocessError("jpeg encode failed", err)
		}
	default:
		return domain.VisualEncoding{}, domain.PreprocessError(fmt.Sprintf("unsupported image format %q", e.opts.Format), nil)
	}

	out := img.Bounds()
	return domain.VisualEncoding{
		MIMEType:  mime,
		Data:      buf.Bytes(),
		Width:     out.Dx(),
		Height:    out.Dy(),
		BaseSize:  e.opts.BaseSize,
		ImageSize: e.opts.ImageSize,
		CropMode:  e.opts.CropMode,
		MinCrops:  e.opts.MinCrops,
		MaxCrops:  e.opts.MaxCrops,
	}, nil
}

// scale shrinks img so its longest edge fits MaxEdge, keeping the aspect ratio.
func (e *ImageEncoder) scale(img image.Image) image.Image {
	if e.opts.MaxEdge <= 0 {
		return img
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := max(w, h)
	if longest <= e.opts.MaxEdge {
		return img
	}

	ratio := float64(e.opts.MaxEdge) / float64(longest)
	dst := image.NewRGBA(image.Rect(0, 0, max(1, int(float64(w)*ratio)), max(1, int(float64(h)*ratio))))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
