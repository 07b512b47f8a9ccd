package pdf

import (
	"context"
	"fmt"
	"image"
	"os"

	"github.com/gen2brain/go-fitz"
	"golang.org/x/image/draw"

	"github.com/spherical/pdf-ocr/internal/domain"
	"github.com/spherical/pdf-ocr/internal/observability"
)

// Converter rasterizes PDF documents with MuPDF via go-fitz
type Converter struct {
	zoom      float64
	validator *Validator
	logger    *observability.Logger
}

// NewConverter creates a converter rendering at 72*zoom DPI
func NewConverter(zoom float64, logger *observability.Logger) *Converter {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Converter{
		zoom:      zoom,
		validator: NewValidator(logger),
		logger:    logger.WithComponent("rasterizer"),
	}
}

// DPI returns the render resolution
func (c *Converter) DPI() float64 {
	return 72 * c.zoom
}

// Rasterize renders every page of an in-memory PDF in source order.
// Pages are flattened onto white so the returned images carry no alpha.
func (c *Converter) Rasterize(ctx context.Context, data []byte) ([]domain.PageImage, error) {
	if err := c.validator.ValidateZoom(c.zoom); err != nil {
		return nil, err
	}
	if err := c.validator.ValidateBytes(data); err != nil {
		return nil, err
	}

	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, domain.DecodeError("failed to open PDF", err)
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	c.logger.Debug().Int("pages", pageCount).Float64("dpi", c.DPI()).Msg("Rendering document")

	images := make([]domain.PageImage, 0, pageCount)

	for pageNum := 0; pageNum < pageCount; pageNum++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		img, err := doc.ImageDPI(pageNum, c.DPI())
		if err != nil {
			return nil, domain.PageRenderError(fmt.Sprintf("failed to render page %d", pageNum+1), err)
		}

		images = append(images, domain.PageImage{
			Index: pageNum,
			Image: flatten(img),
		})
	}

	return images, nil
}

// RasterizeFile validates a path and rasterizes the file it points to
func (c *Converter) RasterizeFile(ctx context.Context, path string) ([]domain.PageImage, error) {
	if err := c.validator.ValidatePDFPath(path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.IOError("failed to read PDF", err)
	}

	return c.Rasterize(ctx, data)
}

// flatten composites img over an opaque white background.
func flatten(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Over)
	return dst
}
