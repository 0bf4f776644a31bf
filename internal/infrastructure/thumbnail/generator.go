package thumbnail

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/infrastructure/extractor"
)

const (
	DefaultSize    = 300
	DefaultQuality = 80
	// maxPixels bounds decoded image area so a tiny file cannot expand into gigabytes.
	maxPixels = 80_000_000
)

var decodable = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/jpg":  true,
	"image/gif":  true,
	"image/bmp":  true,
	"image/tiff": true,
	"image/webp": true,
}

type Options struct {
	Size     int
	Quality  int
	MaxBytes int64
}

// Generator renders JPEG previews that fit inside a Size x Size box, keeping aspect ratio.
type Generator struct {
	size     int
	quality  int
	maxBytes int64
}

func NewGenerator(opts Options) *Generator {
	size := opts.Size
	if size <= 0 {
		size = DefaultSize
	}
	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &Generator{size: size, quality: quality, maxBytes: opts.MaxBytes}
}

func (g *Generator) Supports(contentType string) bool {
	return decodable[extractor.MediaType(contentType)]
}

func (g *Generator) Generate(ctx context.Context, body io.Reader) ([]byte, error) {
	raw, err := extractor.ReadLimited(body, g.maxBytes)
	if err != nil {
		return nil, err
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "decode image header", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > maxPixels {
		return nil, domain.WrapError(domain.ErrInvalidInput, "decode image header",
			fmt.Errorf("%s image %dx%d out of bounds", format, cfg.Width, cfg.Height))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "decode image", err)
	}

	w, h := fitBox(src.Bounds().Dx(), src.Bounds().Dy(), g.size)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	// JPEG has no alpha: flatten transparent areas onto white.
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: g.quality}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return out.Bytes(), nil
}

// fitBox scales (w, h) down to fit a box x box square. Images already inside are kept as is.
func fitBox(w, h, box int) (int, int) {
	if w <= box && h <= box {
		return w, h
	}
	if w >= h {
		nh := h * box / w
		if nh < 1 {
			nh = 1
		}
		return box, nh
	}
	nw := w * box / h
	if nw < 1 {
		nw = 1
	}
	return nw, box
}
