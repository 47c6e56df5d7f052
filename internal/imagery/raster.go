package imagery

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"

	"github.com/organoidlab/orgseg/internal/errors"

	// Register decoders for the accepted source formats.
	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// Decode reads a raster and returns it as 8-bit grayscale. 16-bit sources
// are normalized to 8-bit by dropping the low byte, matching the usual
// microscope export convention. Color sources are converted via the
// standard luma weights of image.GrayModel.
func Decode(r io.Reader) (*image.Gray, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, errors.New(fmt.Errorf("decoding image: %w", err)).
			Category(errors.CategoryImageDecode).
			Build()
	}
	return toGray(img), nil
}

// DecodeFile reads the raster at path and returns it as 8-bit grayscale.
func DecodeFile(path string) (*image.Gray, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path comes from the scanned project tree
	if err != nil {
		return nil, errors.New(fmt.Errorf("opening image: %w", err)).
			Category(errors.CategoryFileIO).
			Context("path", filepath.Base(path)).
			Build()
	}
	defer func() { _ = f.Close() }()
	return Decode(f)
}

// DecodeConfigFile returns the dimensions of the raster at path without
// decoding the pixel data.
func DecodeConfigFile(path string) (width, height int, err error) {
	f, err := os.Open(path) //nolint:gosec // G304: path comes from the scanned project tree
	if err != nil {
		return 0, 0, errors.New(fmt.Errorf("opening image: %w", err)).
			Category(errors.CategoryFileIO).
			Context("path", filepath.Base(path)).
			Build()
	}
	defer func() { _ = f.Close() }()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, errors.New(fmt.Errorf("decoding image header: %w", err)).
			Category(errors.CategoryImageDecode).
			Context("path", filepath.Base(path)).
			Build()
	}
	return cfg.Width, cfg.Height, nil
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}

	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))

	if g16, ok := img.(*image.Gray16); ok {
		// 16-bit grayscale: take the high byte.
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				v := g16.Gray16At(x, y).Y
				gray.SetGray(x-b.Min.X, y-b.Min.Y, toGray8(v))
			}
		}
		return gray
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			gray.Set(x-b.Min.X, y-b.Min.Y, img.At(x, y))
		}
	}
	return gray
}

func toGray8(v uint16) color.Gray {
	return color.Gray{Y: uint8(v >> 8)}
}

// EncodeMaskPNG writes the mask as a single-channel PNG.
func EncodeMaskPNG(w io.Writer, mask *image.Gray) error {
	if err := png.Encode(w, mask); err != nil {
		return errors.New(fmt.Errorf("encoding mask: %w", err)).
			Category(errors.CategoryImageEncode).
			Build()
	}
	return nil
}

// DecodeMask reads a persisted mask raster as single-channel grayscale.
// Pixel values are preserved as stored; foreground semantics are applied
// by the callers via ForegroundThreshold.
func DecodeMask(r io.Reader) (*image.Gray, error) {
	return Decode(r)
}
