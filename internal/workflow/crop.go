package workflow

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/organoidlab/orgseg/internal/errors"
	"github.com/organoidlab/orgseg/internal/imagery"
	"github.com/organoidlab/orgseg/internal/logging"
	"github.com/organoidlab/orgseg/internal/maskstore"
	"github.com/organoidlab/orgseg/internal/pool"
)

// Cropper exports masked images: every background pixel is blanked to white
// so only the annotated objects keep their original intensity. Exports
// mirror the Data layout under the Cropped tree and are always PNG.
type Cropper struct {
	pool       *pool.Manager
	store      *maskstore.Store
	croppedDir string

	// Overwrite replaces existing exports; when false, present files are
	// counted as skipped.
	Overwrite bool
}

// NewCropper wires a cropper writing under croppedDir.
func NewCropper(p *pool.Manager, store *maskstore.Store, croppedDir string) *Cropper {
	return &Cropper{pool: p, store: store, croppedDir: croppedDir, Overwrite: true}
}

// ErrCropExists is returned by CropKey when the export already exists and
// overwriting is disabled.
var ErrCropExists = errors.NewStd("crop export already exists")

// CropKey exports a single image. Returns maskstore.ErrNotFound (wrapped)
// when the image has no mask.
func (c *Cropper) CropKey(key imagery.Key) error {
	target := filepath.Join(c.croppedDir, key.Experiment, key.Date, pngName(key.Filename))
	if !c.Overwrite {
		if _, err := os.Stat(target); err == nil {
			return fmt.Errorf("export for %s: %w", key, ErrCropExists)
		}
	}
	rec, err := c.store.Load(key)
	if err != nil {
		return err
	}

	img, err := c.pool.Pixels(key)
	if err != nil {
		return err
	}

	ib, mb := img.Bounds(), rec.Bounds()
	if ib.Dx() != mb.Dx() || ib.Dy() != mb.Dy() {
		return errors.Newf("stored mask %dx%d does not match image %dx%d for %s",
			mb.Dx(), mb.Dy(), ib.Dx(), ib.Dy(), key).
			Component("workflow").
			Category(errors.CategoryValidation).
			Context("key", key.String()).
			Build()
	}

	out := image.NewGray(image.Rect(0, 0, ib.Dx(), ib.Dy()))
	for i, v := range img.Pix {
		if rec.Mask.Pix[i] >= imagery.ForegroundThreshold {
			out.Pix[i] = v
		} else {
			out.Pix[i] = 255
		}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.New(fmt.Errorf("creating crop directory: %w", err)).
			Component("workflow").
			Category(errors.CategoryFileIO).
			Context("key", key.String()).
			Build()
	}

	f, err := os.Create(target) //nolint:gosec // G304: path derived from validated key
	if err != nil {
		return errors.New(fmt.Errorf("creating crop file: %w", err)).
			Component("workflow").
			Category(errors.CategoryFileIO).
			Context("key", key.String()).
			Build()
	}
	if err := imagery.EncodeMaskPNG(f, out); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// CropAll exports every labeled image in the current scope. Images without
// a foreground mask are skipped, not failed.
func (c *Cropper) CropAll() (exported, skipped int, err error) {
	log := logging.ForService("workflow")
	for _, key := range c.pool.Keys() {
		rec, ok := c.pool.Lookup(key)
		if !ok || !rec.Labeled {
			skipped++
			continue
		}
		if err := c.CropKey(key); err != nil {
			if errors.Is(err, maskstore.ErrNotFound) || errors.Is(err, ErrCropExists) {
				skipped++
				continue
			}
			return exported, skipped, err
		}
		exported++
	}
	log.Info("crop export finished", "exported", exported, "skipped", skipped)
	return exported, skipped, nil
}

// pngName swaps the extension for .png, keeping the base name.
func pngName(filename string) string {
	ext := filepath.Ext(filename)
	return filename[:len(filename)-len(ext)] + ".png"
}
