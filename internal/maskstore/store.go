// Package maskstore persists segmentation masks under the Labels tree,
// keyed by image identity. Writes are atomic (temp file plus rename) and
// serialized per image key; independent keys may save concurrently.
package maskstore

import (
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/organoidlab/orgseg/internal/errors"
	"github.com/organoidlab/orgseg/internal/imagery"
	"github.com/organoidlab/orgseg/internal/logging"
)

// ErrNotFound is returned by Load when no mask exists for the key.
var ErrNotFound = errors.NewStd("mask not found")

// ErrDimensionMismatch is returned by Save when the mask dimensions do not
// exactly equal the source image dimensions. Masks are never resized.
var ErrDimensionMismatch = errors.NewStd("mask dimensions do not match image dimensions")

// Store reads and writes mask files. The Labels tree mirrors the Data tree:
// a mask lives at Labels/<Experiment>/<Date>/<Filename>, same filename and
// dimensions as its source image. Masks are always PNG-encoded regardless
// of the source extension; readers sniff content, not extension.
type Store struct {
	dataDir   string
	labelsDir string

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex

	logger *slog.Logger
}

// New creates a Store over the given Data and Labels directories.
func New(dataDir, labelsDir string) *Store {
	return &Store{
		dataDir:   dataDir,
		labelsDir: labelsDir,
		keyLocks:  make(map[string]*sync.Mutex),
		logger:    logging.ForService("maskstore"),
	}
}

// MaskPath returns the canonical on-disk location for the key's mask.
func (s *Store) MaskPath(key imagery.Key) string {
	return filepath.Join(s.labelsDir, key.Experiment, key.Date, key.Filename)
}

// sourcePath returns the location of the key's source image.
func (s *Store) sourcePath(key imagery.Key) string {
	return filepath.Join(s.dataDir, key.Experiment, key.Date, key.Filename)
}

// lockKey returns the per-key mutex, creating it on first use.
func (s *Store) lockKey(key imagery.Key) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key.String()
	l, ok := s.keyLocks[k]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[k] = l
	}
	return l
}

// Load reads the mask for the key. Returns ErrNotFound when absent.
// The generation method is not persisted on disk, so loaded records
// report MethodUnknown.
func (s *Store) Load(key imagery.Key) (*imagery.MaskRecord, error) {
	path := s.MaskPath(key)

	f, err := os.Open(path) //nolint:gosec // G304: path derived from validated key
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("mask for %s: %w", key, ErrNotFound)
		}
		return nil, errors.New(fmt.Errorf("opening mask: %w", err)).
			Component("maskstore").
			Category(errors.CategoryFileIO).
			Context("key", key.String()).
			Build()
	}
	defer func() { _ = f.Close() }()

	mask, err := imagery.DecodeMask(f)
	if err != nil {
		return nil, errors.New(fmt.Errorf("decoding mask for %s: %w", key, err)).
			Component("maskstore").
			Category(errors.CategoryMaskStore).
			Context("key", key.String()).
			Build()
	}

	info, err := f.Stat()
	modTime := time.Now()
	if err == nil {
		modTime = info.ModTime()
	}

	return &imagery.MaskRecord{
		Mask:       mask,
		Regions:    regionEstimate(mask),
		Method:     imagery.MethodUnknown,
		CreatedAt:  modTime,
		ModifiedAt: modTime,
	}, nil
}

// Save validates the mask against the source image dimensions and commits
// it atomically: written to a temp file in the target directory, then
// renamed over the canonical path. A prior mask for the key is only
// replaced once the new file is fully written, so a crash mid-write never
// leaves a corrupt file in the canonical location.
func (s *Store) Save(key imagery.Key, mask *imagery.MaskRecord) error {
	lock := s.lockKey(key)
	lock.Lock()
	defer lock.Unlock()

	srcW, srcH, err := imagery.DecodeConfigFile(s.sourcePath(key))
	if err != nil {
		return errors.New(fmt.Errorf("reading source dimensions for %s: %w", key, err)).
			Component("maskstore").
			Category(errors.CategoryMaskStore).
			Context("key", key.String()).
			Build()
	}

	b := mask.Mask.Bounds()
	if b.Dx() != srcW || b.Dy() != srcH {
		return errors.New(fmt.Errorf("mask %dx%d for image %dx%d (%s): %w",
			b.Dx(), b.Dy(), srcW, srcH, key, ErrDimensionMismatch)).
			Component("maskstore").
			Category(errors.CategoryValidation).
			Context("key", key.String()).
			Context("mask_width", b.Dx()).
			Context("mask_height", b.Dy()).
			Context("image_width", srcW).
			Context("image_height", srcH).
			Build()
	}

	dir := filepath.Dir(s.MaskPath(key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.New(fmt.Errorf("creating mask directory: %w", err)).
			Component("maskstore").
			Category(errors.CategoryFileIO).
			Context("key", key.String()).
			Build()
	}

	tmp, err := os.CreateTemp(dir, "."+key.Filename+".tmp-*")
	if err != nil {
		return errors.New(fmt.Errorf("creating temp mask file: %w", err)).
			Component("maskstore").
			Category(errors.CategoryFileIO).
			Context("key", key.String()).
			Build()
	}
	tmpName := tmp.Name()
	defer func() {
		// Best effort cleanup; harmless after a successful rename.
		_ = os.Remove(tmpName)
	}()

	if err := imagery.EncodeMaskPNG(tmp, mask.Mask); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.New(fmt.Errorf("syncing temp mask file: %w", err)).
			Component("maskstore").
			Category(errors.CategoryFileIO).
			Context("key", key.String()).
			Build()
	}
	if err := tmp.Close(); err != nil {
		return errors.New(fmt.Errorf("closing temp mask file: %w", err)).
			Component("maskstore").
			Category(errors.CategoryFileIO).
			Context("key", key.String()).
			Build()
	}

	if err := os.Rename(tmpName, s.MaskPath(key)); err != nil {
		return errors.New(fmt.Errorf("committing mask file: %w", err)).
			Component("maskstore").
			Category(errors.CategoryFileIO).
			Context("key", key.String()).
			Build()
	}

	s.logger.Debug("mask saved",
		"key", key.String(),
		"method", string(mask.Method),
		"regions", mask.Regions,
		"foreground_pixels", mask.ForegroundPixels())
	return nil
}

// Delete removes the mask file for the key. The corresponding image record
// must be independently marked unlabeled by the caller; the store never
// touches pool state. Deleting an absent mask is not an error.
func (s *Store) Delete(key imagery.Key) error {
	lock := s.lockKey(key)
	lock.Lock()
	defer lock.Unlock()

	err := os.Remove(s.MaskPath(key))
	if err != nil && !os.IsNotExist(err) {
		return errors.New(fmt.Errorf("deleting mask for %s: %w", key, err)).
			Component("maskstore").
			Category(errors.CategoryFileIO).
			Context("key", key.String()).
			Build()
	}
	return nil
}

// Exists reports whether a mask file is present for the key.
func (s *Store) Exists(key imagery.Key) bool {
	_, err := os.Stat(s.MaskPath(key))
	return err == nil
}

// IsLabeled reports whether a mask exists for the key and selects at least
// one foreground pixel. This is the authoritative label-state derivation:
// an all-background mask does not count as labeled.
func (s *Store) IsLabeled(key imagery.Key) bool {
	rec, err := s.Load(key)
	if err != nil {
		return false
	}
	return rec.HasForeground()
}

// regionEstimate gives a coarse region count for a loaded mask without a
// full connected-component pass: 0 for empty masks, 1 otherwise. Exact
// counts are known only at generation time and are not persisted.
func regionEstimate(mask *image.Gray) int {
	if imagery.CountForeground(mask) > 0 {
		return 1
	}
	return 0
}
