// Package pool tracks which images in the selected experiment/date scope
// are labeled or unlabeled and serves navigation over them.
package pool

import (
	"fmt"
	"image"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/organoidlab/orgseg/internal/errors"
	"github.com/organoidlab/orgseg/internal/events"
	"github.com/organoidlab/orgseg/internal/imagery"
	"github.com/organoidlab/orgseg/internal/logging"
	"github.com/organoidlab/orgseg/internal/maskstore"
)

// ErrScopeNotFound is returned by SelectScope when the experiment/date
// combination does not exist under the Data tree.
var ErrScopeNotFound = errors.NewStd("scope not found")

// ErrNoScope is returned by operations that require a selected scope.
var ErrNoScope = errors.NewStd("no scope selected")

// Pixel cache tuning: decoded images are heavy, so keep them only briefly
// and sweep often.
const (
	pixelCacheTTL   = 2 * time.Minute
	pixelCacheSweep = 30 * time.Second
)

// ImageRecord describes one source image inside the selected scope.
type ImageRecord struct {
	Key     imagery.Key
	Path    string
	Labeled bool
	ModTime time.Time
}

// DateFolder is one dated acquisition folder of an experiment.
type DateFolder struct {
	Date       string
	ImageCount int
	HasLabels  bool
}

// Experiment is a named series of dated acquisition folders.
type Experiment struct {
	Name    string
	Folders []DateFolder
}

// Scope identifies the (experiment, date set) selection currently navigable.
type Scope struct {
	Experiment string
	Dates      []string
}

func (s Scope) String() string {
	if s.Experiment == "" {
		return ""
	}
	return fmt.Sprintf("%s[%d folders]", s.Experiment, len(s.Dates))
}

// Manager owns the pool: the partition of all images in the selected scope
// into labeled and unlabeled subsets. Label state is derived from the mask
// store at scope-build time and updated explicitly afterwards; the
// partition is always consistent with label state at the moment it is read.
type Manager struct {
	dataDir   string
	labelsDir string
	store     *maskstore.Store
	bus       *events.Bus

	mu      sync.Mutex
	scope   Scope
	records map[imagery.Key]*ImageRecord
	order   []imagery.Key // sorted, for deterministic ordered navigation

	pixels *gocache.Cache
	rng    *rand.Rand

	logger *slog.Logger
}

// New creates a pool manager over the given Data and Labels directories.
// The mask store is consulted for label-state derivation; the bus receives
// scope-changed and pool-changed events.
func New(dataDir, labelsDir string, store *maskstore.Store, bus *events.Bus) *Manager {
	return &Manager{
		dataDir:   dataDir,
		labelsDir: labelsDir,
		store:     store,
		bus:       bus,
		records:   make(map[imagery.Key]*ImageRecord),
		pixels:    gocache.New(pixelCacheTTL, pixelCacheSweep),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // G404: selection order is not security sensitive
		logger:    logging.ForService("pool"),
	}
}

// DiscoverExperiments scans the Data tree and returns all experiments with
// their date folders, sorted by name.
func (m *Manager) DiscoverExperiments() ([]Experiment, error) {
	entries, err := os.ReadDir(m.dataDir)
	if err != nil {
		return nil, errors.New(fmt.Errorf("scanning data directory: %w", err)).
			Component("pool").
			Category(errors.CategoryFileIO).
			Context("dir", m.dataDir).
			Build()
	}

	var experiments []Experiment
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		exp := Experiment{Name: entry.Name()}
		dateEntries, err := os.ReadDir(filepath.Join(m.dataDir, entry.Name()))
		if err != nil {
			m.logger.Warn("skipping unreadable experiment folder",
				"experiment", entry.Name(), "error", err)
			continue
		}
		for _, de := range dateEntries {
			if !de.IsDir() {
				continue
			}
			folder := DateFolder{Date: de.Name()}
			images, err := listImages(filepath.Join(m.dataDir, entry.Name(), de.Name()))
			if err == nil {
				folder.ImageCount = len(images)
			}
			labelDir := filepath.Join(m.labelsDir, entry.Name(), de.Name())
			if labelEntries, err := os.ReadDir(labelDir); err == nil && len(labelEntries) > 0 {
				folder.HasLabels = true
			}
			exp.Folders = append(exp.Folders, folder)
		}
		sort.Slice(exp.Folders, func(i, j int) bool { return exp.Folders[i].Date < exp.Folders[j].Date })
		experiments = append(experiments, exp)
	}
	sort.Slice(experiments, func(i, j int) bool { return experiments[i].Name < experiments[j].Name })
	return experiments, nil
}

// SelectScope rebuilds the pool from the filesystem listing of images under
// the given experiment and date folders. On any error the prior pool is
// left intact; there is no partial scope.
func (m *Manager) SelectScope(experiment string, dates []string) error {
	newRecords := make(map[imagery.Key]*ImageRecord)

	expDir := filepath.Join(m.dataDir, experiment)
	if info, err := os.Stat(expDir); err != nil || !info.IsDir() {
		return errors.New(fmt.Errorf("experiment %q: %w", experiment, ErrScopeNotFound)).
			Component("pool").
			Category(errors.CategoryNotFound).
			Context("experiment", experiment).
			Build()
	}

	for _, date := range dates {
		dateDir := filepath.Join(expDir, date)
		if info, err := os.Stat(dateDir); err != nil || !info.IsDir() {
			return errors.New(fmt.Errorf("experiment %q date %q: %w", experiment, date, ErrScopeNotFound)).
				Component("pool").
				Category(errors.CategoryNotFound).
				Context("experiment", experiment).
				Context("date", date).
				Build()
		}

		files, err := listImages(dateDir)
		if err != nil {
			return errors.New(fmt.Errorf("listing images for %s/%s: %w", experiment, date, err)).
				Component("pool").
				Category(errors.CategoryFileIO).
				Context("experiment", experiment).
				Context("date", date).
				Build()
		}

		for _, fi := range files {
			key := imagery.Key{Experiment: experiment, Date: date, Filename: fi.name}
			newRecords[key] = &ImageRecord{
				Key:     key,
				Path:    filepath.Join(dateDir, fi.name),
				Labeled: m.store.IsLabeled(key),
				ModTime: fi.modTime,
			}
		}
	}

	m.mu.Lock()
	m.scope = Scope{Experiment: experiment, Dates: append([]string(nil), dates...)}
	m.records = newRecords
	m.rebuildOrderLocked()
	m.pixels.Flush()
	labeled, unlabeled := m.countsLocked()
	scope := m.scope
	m.mu.Unlock()

	m.logger.Info("scope selected",
		"experiment", experiment,
		"dates", len(dates),
		"labeled", labeled,
		"unlabeled", unlabeled)

	m.bus.Publish(events.Event{
		Kind:    events.KindScopeChanged,
		Source:  "pool",
		Payload: events.ScopeChanged{Experiment: experiment, Dates: append([]string(nil), dates...)},
	})
	m.publishPoolChanged(scope, labeled, unlabeled)
	return nil
}

// Refresh re-scans the current scope for new or removed files. Label state
// of files still present is kept; new files default to unlabeled; removed
// files are dropped from the pool and their masks are left on disk.
func (m *Manager) Refresh() error {
	m.mu.Lock()
	scope := m.scope
	m.mu.Unlock()

	if scope.Experiment == "" {
		return fmt.Errorf("refresh: %w", ErrNoScope)
	}

	fresh := make(map[imagery.Key]*ImageRecord)
	for _, date := range scope.Dates {
		dateDir := filepath.Join(m.dataDir, scope.Experiment, date)
		files, err := listImages(dateDir)
		if err != nil {
			return errors.New(fmt.Errorf("refreshing %s/%s: %w", scope.Experiment, date, err)).
				Component("pool").
				Category(errors.CategoryFileIO).
				Context("experiment", scope.Experiment).
				Context("date", date).
				Build()
		}
		for _, fi := range files {
			key := imagery.Key{Experiment: scope.Experiment, Date: date, Filename: fi.name}
			fresh[key] = &ImageRecord{
				Key:     key,
				Path:    filepath.Join(dateDir, fi.name),
				Labeled: false,
				ModTime: fi.modTime,
			}
		}
	}

	m.mu.Lock()
	for key, rec := range fresh {
		if prev, ok := m.records[key]; ok {
			rec.Labeled = prev.Labeled
		}
	}
	m.records = fresh
	m.rebuildOrderLocked()
	labeled, unlabeled := m.countsLocked()
	m.mu.Unlock()

	m.publishPoolChanged(scope, labeled, unlabeled)
	return nil
}

// NextUnlabeled returns an image drawn uniformly at random from the
// unlabeled subset. The second return value is false when the subset is
// empty, which signals completion rather than an error.
func (m *Manager) NextUnlabeled() (*ImageRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var unlabeled []*ImageRecord
	for _, key := range m.order {
		if rec := m.records[key]; !rec.Labeled {
			unlabeled = append(unlabeled, rec)
		}
	}
	if len(unlabeled) == 0 {
		return nil, false
	}
	rec := unlabeled[m.rng.Intn(len(unlabeled))]
	cp := *rec
	return &cp, true
}

// MarkLabeled moves the record into the labeled subset. Idempotent, but a
// pool-changed event is emitted exactly once per call even if the record
// was already labeled, so listeners can rely on receiving it.
func (m *Manager) MarkLabeled(key imagery.Key) {
	m.setLabeled(key, true)
}

// MarkUnlabeled moves the record into the unlabeled subset. Same event
// guarantee as MarkLabeled.
func (m *Manager) MarkUnlabeled(key imagery.Key) {
	m.setLabeled(key, false)
}

func (m *Manager) setLabeled(key imagery.Key, labeled bool) {
	m.mu.Lock()
	if rec, ok := m.records[key]; ok {
		rec.Labeled = labeled
	}
	scope := m.scope
	labeledCount, unlabeledCount := m.countsLocked()
	m.mu.Unlock()

	m.publishPoolChanged(scope, labeledCount, unlabeledCount)
}

// Lookup returns a copy of the record for the key, if it is in scope.
func (m *Manager) Lookup(key imagery.Key) (*ImageRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// Stats returns the current labeled/unlabeled counts.
func (m *Manager) Stats() (labeled, unlabeled int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countsLocked()
}

// Scope returns the currently selected scope.
func (m *Manager) Scope() Scope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scope
}

// Keys returns all in-scope keys in sorted order.
func (m *Manager) Keys() []imagery.Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]imagery.Key(nil), m.order...)
}

// NextAfter returns the record following key in sorted order, wrapping
// around at the end. Used for ordered review navigation.
func (m *Manager) NextAfter(key imagery.Key) (*ImageRecord, bool) {
	return m.step(key, 1)
}

// PrevBefore returns the record preceding key in sorted order, wrapping
// around at the start.
func (m *Manager) PrevBefore(key imagery.Key) (*ImageRecord, bool) {
	return m.step(key, -1)
}

func (m *Manager) step(key imagery.Key, delta int) (*ImageRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.order) == 0 {
		return nil, false
	}
	idx := 0
	for i, k := range m.order {
		if k == key {
			idx = i
			break
		}
	}
	next := (idx + delta + len(m.order)) % len(m.order)
	cp := *m.records[m.order[next]]
	return &cp, true
}

// Pixels returns the decoded pixel data for the key. Decoded images are
// held in an expiring cache so repeated strategy runs on the same image do
// not re-read the file, while idle images are evicted automatically.
func (m *Manager) Pixels(key imagery.Key) (*image.Gray, error) {
	cacheKey := key.String()
	if cached, ok := m.pixels.Get(cacheKey); ok {
		return cached.(*image.Gray), nil
	}

	rec, ok := m.Lookup(key)
	if !ok {
		return nil, errors.Newf("image %s is not in the selected scope", key).
			Component("pool").
			Category(errors.CategoryNotFound).
			Context("key", key.String()).
			Build()
	}

	gray, err := imagery.DecodeFile(rec.Path)
	if err != nil {
		return nil, err
	}
	m.pixels.Set(cacheKey, gray, gocache.DefaultExpiration)
	return gray, nil
}

func (m *Manager) rebuildOrderLocked() {
	m.order = m.order[:0]
	for key := range m.records {
		m.order = append(m.order, key)
	}
	sort.Slice(m.order, func(i, j int) bool {
		a, b := m.order[i], m.order[j]
		if a.Experiment != b.Experiment {
			return a.Experiment < b.Experiment
		}
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		return a.Filename < b.Filename
	})
}

func (m *Manager) countsLocked() (labeled, unlabeled int) {
	for _, rec := range m.records {
		if rec.Labeled {
			labeled++
		} else {
			unlabeled++
		}
	}
	return labeled, unlabeled
}

func (m *Manager) publishPoolChanged(scope Scope, labeled, unlabeled int) {
	m.bus.Publish(events.Event{
		Kind:   events.KindPoolChanged,
		Source: "pool",
		Payload: events.PoolChanged{
			Scope:     scope.String(),
			Labeled:   labeled,
			Unlabeled: unlabeled,
		},
	})
}

type fileInfo struct {
	name    string
	modTime time.Time
}

// listImages returns the image files directly inside dir, sorted by name.
func listImages(dir string) ([]fileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []fileInfo
	for _, entry := range entries {
		if entry.IsDir() || !imagery.IsImageFile(entry.Name()) {
			continue
		}
		fi := fileInfo{name: entry.Name()}
		if info, err := entry.Info(); err == nil {
			fi.modTime = info.ModTime()
		}
		files = append(files, fi)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, nil
}
