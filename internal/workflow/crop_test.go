package workflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/organoidlab/orgseg/internal/errors"
	"github.com/organoidlab/orgseg/internal/imagery"
	"github.com/organoidlab/orgseg/internal/maskstore"
	"github.com/organoidlab/orgseg/internal/strategy"
)

func newCropFixture(t *testing.T) (*fixture, *Cropper, string) {
	t.Helper()
	f := newFixture(t)
	croppedDir := filepath.Join(filepath.Dir(f.dataDir), "Cropped")
	return f, NewCropper(f.pool, f.store, croppedDir), croppedDir
}

func TestCropKeyBlanksBackgroundToWhite(t *testing.T) {
	f, cropper, croppedDir := newCropFixture(t)
	key := f.addImage(t, "a.png", 4, 4)
	f.selectScope(t)

	// Mask the top-left pixel only.
	_, err := f.coord.Annotate(context.Background(), key, stubGen{rec: foregroundMask(4, 4)}, strategy.Input{})
	require.NoError(t, err)

	require.NoError(t, cropper.CropKey(key))

	out, err := imagery.DecodeFile(filepath.Join(croppedDir, "Exp01", "20260115", "a.png"))
	require.NoError(t, err)

	src, err := f.pool.Pixels(key)
	require.NoError(t, err)

	assert.Equal(t, src.Pix[0], out.Pix[0], "masked pixel keeps original intensity")
	for i := 1; i < len(out.Pix); i++ {
		assert.Equal(t, uint8(255), out.Pix[i], "background pixel %d is white", i)
	}
}

func TestCropKeyWithoutMask(t *testing.T) {
	f, cropper, _ := newCropFixture(t)
	key := f.addImage(t, "a.png", 4, 4)
	f.selectScope(t)

	err := cropper.CropKey(key)
	require.Error(t, err)
	assert.True(t, errors.Is(err, maskstore.ErrNotFound))
}

func TestCropAllExportsLabeledOnly(t *testing.T) {
	f, cropper, croppedDir := newCropFixture(t)
	labeled := f.addImage(t, "a.png", 4, 4)
	f.addImage(t, "b.png", 4, 4)
	f.selectScope(t)

	_, err := f.coord.Annotate(context.Background(), labeled, stubGen{rec: foregroundMask(4, 4)}, strategy.Input{})
	require.NoError(t, err)

	exported, skipped, err := cropper.CropAll()
	require.NoError(t, err)
	assert.Equal(t, 1, exported)
	assert.Equal(t, 1, skipped)

	_, err = os.Stat(filepath.Join(croppedDir, "Exp01", "20260115", "a.png"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(croppedDir, "Exp01", "20260115", "b.png"))
	assert.True(t, os.IsNotExist(err))
}

func TestCropAllWithoutOverwriteSkipsExisting(t *testing.T) {
	f, cropper, _ := newCropFixture(t)
	key := f.addImage(t, "a.png", 4, 4)
	f.selectScope(t)

	_, err := f.coord.Annotate(context.Background(), key, stubGen{rec: foregroundMask(4, 4)}, strategy.Input{})
	require.NoError(t, err)

	exported, _, err := cropper.CropAll()
	require.NoError(t, err)
	assert.Equal(t, 1, exported)

	cropper.Overwrite = false
	exported, skipped, err := cropper.CropAll()
	require.NoError(t, err)
	assert.Equal(t, 0, exported)
	assert.Equal(t, 1, skipped)
}

func TestCropRenamesToPNG(t *testing.T) {
	assert.Equal(t, "well_a1.png", pngName("well_a1.tif"))
	assert.Equal(t, "scan.png", pngName("scan.jpeg"))
	assert.Equal(t, "plain.png", pngName("plain.png"))
}
