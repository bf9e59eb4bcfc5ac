package transform

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"strconv"

	"golang.org/x/image/bmp"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/and161185/pixeljobs/internal/errs"
)

// ImageTypes are the input media types the image transforms decode.
var ImageTypes = []string{"image/png", "image/jpeg", "image/gif", "image/bmp", "image/tiff", "image/webp"}

// targetTypes maps convert's format parameter to the produced media type.
var targetTypes = map[string]string{
	"png":  "image/png",
	"jpeg": "image/jpeg",
	"jpg":  "image/jpeg",
	"gif":  "image/gif",
	"bmp":  "image/bmp",
	"tiff": "image/tiff",
}

// DefaultMaxPixels bounds the decoded area of an input image: 40 megapixels, 160 MiB as RGBA.
const DefaultMaxPixels = 40_000_000

// Limits bounds the work the image transforms accept. Zero fields take defaults.
type Limits struct {
	MaxPixels int
}

func (l Limits) maxPixels() int {
	if l.MaxPixels <= 0 {
		return DefaultMaxPixels
	}
	return l.MaxPixels
}

const (
	defaultQuality       = 90
	defaultWatermarkText = "Your Watermark"
	defaultWatermarkPos  = "10"
)

// ConvertDescriptor re-encodes an image in another format.
func ConvertDescriptor(l Limits) Descriptor {
	return Descriptor{
		Name:    "convert",
		Accepts: ImageTypes,
		Params: []Param{
			{Name: "format", Required: true, Allowed: []string{"png", "jpeg", "jpg", "gif", "bmp", "tiff"}},
			{Name: "quality", Default: strconv.Itoa(defaultQuality)},
		},
		Concurrent: true,
		Run: func(ctx context.Context, in Input, params map[string]string) (Output, error) {
			return convert(ctx, in, params, l.maxPixels())
		},
		Check: func(p map[string]string) error {
			_, err := intParam(p, "quality", 1, 100)
			return err
		},
	}
}

// WatermarkDescriptor stamps translucent white text on an image.
func WatermarkDescriptor(l Limits) Descriptor {
	return Descriptor{
		Name:    "watermark",
		Accepts: ImageTypes,
		Params: []Param{
			{Name: "text", Default: defaultWatermarkText},
			{Name: "x", Default: defaultWatermarkPos},
			{Name: "y", Default: defaultWatermarkPos},
		},
		Concurrent: true,
		Run: func(ctx context.Context, in Input, params map[string]string) (Output, error) {
			return watermark(ctx, in, params, l.maxPixels())
		},
		Check: func(p map[string]string) error {
			if _, err := intParam(p, "x", 0, 1<<16); err != nil {
				return err
			}
			_, err := intParam(p, "y", 0, 1<<16)
			return err
		},
	}
}

// Convert decodes the input and encodes it as params["format"].
func Convert(ctx context.Context, in Input, params map[string]string) (Output, error) {
	return convert(ctx, in, params, DefaultMaxPixels)
}

func convert(ctx context.Context, in Input, params map[string]string, maxPixels int) (Output, error) {
	format := params["format"]
	mt, ok := targetTypes[format]
	if !ok {
		return Output{}, Permanent(fmt.Errorf("convert: unsupported format %q", format))
	}
	quality, err := intParam(params, "quality", 1, 100)
	if err != nil {
		return Output{}, Permanent(err)
	}
	if quality == 0 {
		quality = defaultQuality
	}
	img, err := decode(in, maxPixels)
	if err != nil {
		return Output{}, err
	}
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	var buf bytes.Buffer
	switch mt {
	case "image/png":
		err = png.Encode(&buf, img)
	case "image/jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	case "image/gif":
		err = gif.Encode(&buf, img, nil)
	case "image/bmp":
		err = bmp.Encode(&buf, img)
	case "image/tiff":
		err = tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate})
	}
	if err != nil {
		return Output{}, Permanent(fmt.Errorf("convert: encode %s: %w", format, err))
	}
	return Output{Data: buf.Bytes(), MediaType: mt}, nil
}

// Watermark draws params["text"] at (x, y) in white with half alpha and returns a PNG.
func Watermark(ctx context.Context, in Input, params map[string]string) (Output, error) {
	return watermark(ctx, in, params, DefaultMaxPixels)
}

func watermark(ctx context.Context, in Input, params map[string]string, maxPixels int) (Output, error) {
	text := params["text"]
	if text == "" {
		text = defaultWatermarkText
	}
	x, err := intParam(params, "x", 0, 1<<16)
	if err != nil {
		return Output{}, Permanent(err)
	}
	y, err := intParam(params, "y", 0, 1<<16)
	if err != nil {
		return Output{}, Permanent(err)
	}
	img, err := decode(in, maxPixels)
	if err != nil {
		return Output{}, err
	}
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, img, b.Min, draw.Src)

	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.NRGBA{R: 255, G: 255, B: 255, A: 128}),
		Face: face,
		Dot:  fixed.P(b.Min.X+x, b.Min.Y+y+face.Ascent),
	}
	d.DrawString(text)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return Output{}, Permanent(fmt.Errorf("watermark: encode: %w", err))
	}
	return Output{Data: buf.Bytes(), MediaType: "image/png"}, nil
}

// decode reads the header first so an image declaring more than maxPixels is
// rejected before any pixel buffer is allocated.
func decode(in Input, maxPixels int) (image.Image, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(in.Data))
	if err != nil {
		return nil, Permanent(fmt.Errorf("decode %s: %w", in.MediaType, err))
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, Permanent(fmt.Errorf("decode %s: %dx%d over the %d pixel limit: %w",
			in.MediaType, cfg.Width, cfg.Height, maxPixels, errs.ErrImageTooLarge))
	}
	img, _, err := image.Decode(bytes.NewReader(in.Data))
	if err != nil {
		return nil, Permanent(fmt.Errorf("decode %s: %w", in.MediaType, err))
	}
	return img, nil
}

// intParam parses an optional integer parameter; absent yields 0.
func intParam(p map[string]string, name string, lo, hi int) (int, error) {
	raw, ok := p[name]
	if !ok || raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("parameter %q must be an integer in [%d, %d]", name, lo, hi)
	}
	return n, nil
}
