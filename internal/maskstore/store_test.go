package maskstore

import (
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/organoidlab/orgseg/internal/errors"
	"github.com/organoidlab/orgseg/internal/imagery"
)

// writeSourceImage creates a grayscale PNG under the Data tree so Save can
// validate dimensions against it.
func writeSourceImage(t *testing.T, dataDir string, key imagery.Key, w, h int) {
	t.Helper()
	dir := filepath.Join(dataDir, key.Experiment, key.Date)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(i % 251)
	}
	f, err := os.Create(filepath.Join(dir, key.Filename))
	require.NoError(t, err)
	require.NoError(t, imagery.EncodeMaskPNG(f, img))
	require.NoError(t, f.Close())
}

func testStore(t *testing.T) (*Store, string) {
	t.Helper()
	base := t.TempDir()
	dataDir := filepath.Join(base, "Data")
	labelsDir := filepath.Join(base, "Labels")
	require.NoError(t, os.MkdirAll(dataDir, 0o755))
	return New(dataDir, labelsDir), dataDir
}

func checkerMask(w, h int) *imagery.MaskRecord {
	mask := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x+y)%2 == 1 {
				mask.Pix[y*mask.Stride+x] = 255
			}
		}
	}
	now := time.Now()
	return &imagery.MaskRecord{
		Mask:       mask,
		Regions:    1,
		Method:     imagery.MethodManual,
		CreatedAt:  now,
		ModifiedAt: now,
	}
}

func TestSaveLoadRoundTripIsBitIdentical(t *testing.T) {
	store, dataDir := testStore(t)
	key := imagery.Key{Experiment: "Exp01", Date: "20260115", Filename: "well_a1.png"}
	writeSourceImage(t, dataDir, key, 32, 24)

	rec := checkerMask(32, 24)
	require.NoError(t, store.Save(key, rec))

	loaded, err := store.Load(key)
	require.NoError(t, err)
	assert.Equal(t, rec.Mask.Pix, loaded.Mask.Pix)
	assert.Equal(t, rec.Mask.Bounds(), loaded.Mask.Bounds())
}

func TestLoadReportsUnknownMethod(t *testing.T) {
	store, dataDir := testStore(t)
	key := imagery.Key{Experiment: "Exp01", Date: "20260115", Filename: "well_a1.png"}
	writeSourceImage(t, dataDir, key, 16, 16)

	require.NoError(t, store.Save(key, checkerMask(16, 16)))

	loaded, err := store.Load(key)
	require.NoError(t, err)
	// The generation method is not stored on disk.
	assert.Equal(t, imagery.MethodUnknown, loaded.Method)
}

func TestLoadMissingMaskReturnsNotFound(t *testing.T) {
	store, _ := testStore(t)
	key := imagery.Key{Experiment: "Exp01", Date: "20260115", Filename: "absent.png"}

	_, err := store.Load(key)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSaveRejectsDimensionMismatch(t *testing.T) {
	store, dataDir := testStore(t)
	key := imagery.Key{Experiment: "Exp01", Date: "20260115", Filename: "well_a1.png"}
	writeSourceImage(t, dataDir, key, 32, 24)

	err := store.Save(key, checkerMask(16, 16))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDimensionMismatch))

	// Nothing was committed.
	assert.False(t, store.Exists(key))
}

func TestSaveMismatchLeavesPriorMaskIntact(t *testing.T) {
	store, dataDir := testStore(t)
	key := imagery.Key{Experiment: "Exp01", Date: "20260115", Filename: "well_a1.png"}
	writeSourceImage(t, dataDir, key, 32, 24)

	good := checkerMask(32, 24)
	require.NoError(t, store.Save(key, good))

	err := store.Save(key, checkerMask(8, 8))
	require.Error(t, err)

	loaded, err := store.Load(key)
	require.NoError(t, err)
	assert.Equal(t, good.Mask.Pix, loaded.Mask.Pix)
}

func TestSaveOverwritesExistingMask(t *testing.T) {
	store, dataDir := testStore(t)
	key := imagery.Key{Experiment: "Exp01", Date: "20260115", Filename: "well_a1.png"}
	writeSourceImage(t, dataDir, key, 16, 16)

	require.NoError(t, store.Save(key, checkerMask(16, 16)))

	empty := imagery.EmptyMask(16, 16, imagery.MethodThreshold)
	require.NoError(t, store.Save(key, empty))

	loaded, err := store.Load(key)
	require.NoError(t, err)
	assert.Equal(t, 0, loaded.ForegroundPixels())
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	store, dataDir := testStore(t)
	key := imagery.Key{Experiment: "Exp01", Date: "20260115", Filename: "well_a1.png"}
	writeSourceImage(t, dataDir, key, 16, 16)

	require.NoError(t, store.Save(key, checkerMask(16, 16)))

	entries, err := os.ReadDir(filepath.Dir(store.MaskPath(key)))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, key.Filename, entries[0].Name())
}

func TestDeleteAbsentMaskIsNotAnError(t *testing.T) {
	store, _ := testStore(t)
	key := imagery.Key{Experiment: "Exp01", Date: "20260115", Filename: "absent.png"}
	assert.NoError(t, store.Delete(key))
}

func TestDeleteRemovesMask(t *testing.T) {
	store, dataDir := testStore(t)
	key := imagery.Key{Experiment: "Exp01", Date: "20260115", Filename: "well_a1.png"}
	writeSourceImage(t, dataDir, key, 16, 16)

	require.NoError(t, store.Save(key, checkerMask(16, 16)))
	require.True(t, store.Exists(key))

	require.NoError(t, store.Delete(key))
	assert.False(t, store.Exists(key))
}

func TestIsLabeledRequiresForeground(t *testing.T) {
	store, dataDir := testStore(t)
	key := imagery.Key{Experiment: "Exp01", Date: "20260115", Filename: "well_a1.png"}
	writeSourceImage(t, dataDir, key, 16, 16)

	assert.False(t, store.IsLabeled(key), "no mask on disk")

	require.NoError(t, store.Save(key, imagery.EmptyMask(16, 16, imagery.MethodAutoSAM)))
	assert.False(t, store.IsLabeled(key), "empty mask does not count as labeled")

	require.NoError(t, store.Save(key, checkerMask(16, 16)))
	assert.True(t, store.IsLabeled(key))
}
