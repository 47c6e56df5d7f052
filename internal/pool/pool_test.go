package pool

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/organoidlab/orgseg/internal/errors"
	"github.com/organoidlab/orgseg/internal/events"
	"github.com/organoidlab/orgseg/internal/imagery"
	"github.com/organoidlab/orgseg/internal/maskstore"
)

type fixture struct {
	manager   *Manager
	store     *maskstore.Store
	bus       *events.Bus
	dataDir   string
	labelsDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	dataDir := filepath.Join(base, "Data")
	labelsDir := filepath.Join(base, "Labels")
	require.NoError(t, os.MkdirAll(dataDir, 0o755))

	store := maskstore.New(dataDir, labelsDir)
	bus := events.NewBus()
	return &fixture{
		manager:   New(dataDir, labelsDir, store, bus),
		store:     store,
		bus:       bus,
		dataDir:   dataDir,
		labelsDir: labelsDir,
	}
}

func (f *fixture) addImage(t *testing.T, experiment, date, filename string) imagery.Key {
	t.Helper()
	dir := filepath.Join(f.dataDir, experiment, date)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	img := image.NewGray(image.Rect(0, 0, 8, 8))
	file, err := os.Create(filepath.Join(dir, filename))
	require.NoError(t, err)
	require.NoError(t, imagery.EncodeMaskPNG(file, img))
	require.NoError(t, file.Close())
	return imagery.Key{Experiment: experiment, Date: date, Filename: filename}
}

func (f *fixture) labelImage(t *testing.T, key imagery.Key) {
	t.Helper()
	mask := image.NewGray(image.Rect(0, 0, 8, 8))
	mask.Pix[0] = 255
	rec := &imagery.MaskRecord{Mask: mask, Regions: 1, Method: imagery.MethodManual}
	require.NoError(t, f.store.Save(key, rec))
}

func TestSelectScopeDerivesLabelState(t *testing.T) {
	f := newFixture(t)
	k1 := f.addImage(t, "Exp01", "20260115", "a.png")
	k2 := f.addImage(t, "Exp01", "20260115", "b.png")
	f.addImage(t, "Exp01", "20260115", "c.png")
	f.labelImage(t, k1)
	f.labelImage(t, k2)

	require.NoError(t, f.manager.SelectScope("Exp01", []string{"20260115"}))

	labeled, unlabeled := f.manager.Stats()
	assert.Equal(t, 2, labeled)
	assert.Equal(t, 1, unlabeled)
}

func TestSelectScopeUnknownExperiment(t *testing.T) {
	f := newFixture(t)
	err := f.manager.SelectScope("NoSuchExp", []string{"20260115"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrScopeNotFound))
}

func TestSelectScopeUnknownDateKeepsPriorScope(t *testing.T) {
	f := newFixture(t)
	f.addImage(t, "Exp01", "20260115", "a.png")
	require.NoError(t, f.manager.SelectScope("Exp01", []string{"20260115"}))

	err := f.manager.SelectScope("Exp01", []string{"19700101"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrScopeNotFound))

	// The failed selection did not disturb the active pool.
	_, unlabeled := f.manager.Stats()
	assert.Equal(t, 1, unlabeled)
	assert.Equal(t, "Exp01", f.manager.Scope().Experiment)
}

func TestPartitionIsDisjointAndComplete(t *testing.T) {
	f := newFixture(t)
	keys := []imagery.Key{
		f.addImage(t, "Exp01", "20260115", "a.png"),
		f.addImage(t, "Exp01", "20260115", "b.png"),
		f.addImage(t, "Exp01", "20260116", "c.png"),
	}
	f.labelImage(t, keys[1])

	require.NoError(t, f.manager.SelectScope("Exp01", []string{"20260115", "20260116"}))

	labeled, unlabeled := f.manager.Stats()
	assert.Equal(t, len(keys), labeled+unlabeled)

	for _, key := range keys {
		rec, ok := f.manager.Lookup(key)
		require.True(t, ok)
		assert.Equal(t, key == keys[1], rec.Labeled)
	}
}

func TestNextUnlabeledDrawsOnlyUnlabeled(t *testing.T) {
	f := newFixture(t)
	k1 := f.addImage(t, "Exp01", "20260115", "a.png")
	k2 := f.addImage(t, "Exp01", "20260115", "b.png")
	f.labelImage(t, k1)

	require.NoError(t, f.manager.SelectScope("Exp01", []string{"20260115"}))

	for i := 0; i < 20; i++ {
		rec, ok := f.manager.NextUnlabeled()
		require.True(t, ok)
		assert.Equal(t, k2, rec.Key)
	}
}

func TestNextUnlabeledSignalsCompletion(t *testing.T) {
	f := newFixture(t)
	k1 := f.addImage(t, "Exp01", "20260115", "a.png")
	f.labelImage(t, k1)

	require.NoError(t, f.manager.SelectScope("Exp01", []string{"20260115"}))

	rec, ok := f.manager.NextUnlabeled()
	assert.Nil(t, rec)
	assert.False(t, ok, "empty unlabeled subset signals completion, not error")
}

func TestMarkLabeledMovesBetweenSubsets(t *testing.T) {
	f := newFixture(t)
	key := f.addImage(t, "Exp01", "20260115", "a.png")
	require.NoError(t, f.manager.SelectScope("Exp01", []string{"20260115"}))

	f.manager.MarkLabeled(key)
	labeled, unlabeled := f.manager.Stats()
	assert.Equal(t, 1, labeled)
	assert.Equal(t, 0, unlabeled)

	f.manager.MarkUnlabeled(key)
	labeled, unlabeled = f.manager.Stats()
	assert.Equal(t, 0, labeled)
	assert.Equal(t, 1, unlabeled)
}

func TestMarkLabeledPublishesExactlyOnePoolChanged(t *testing.T) {
	f := newFixture(t)
	key := f.addImage(t, "Exp01", "20260115", "a.png")
	require.NoError(t, f.manager.SelectScope("Exp01", []string{"20260115"}))

	var got []events.PoolChanged
	f.bus.Subscribe(events.KindPoolChanged, func(e events.Event) {
		got = append(got, e.Payload.(events.PoolChanged))
	})

	f.manager.MarkLabeled(key)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Labeled)

	// Idempotent transition still emits exactly one event.
	f.manager.MarkLabeled(key)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[1].Labeled)
}

func TestSelectScopePublishesScopeAndPoolEvents(t *testing.T) {
	f := newFixture(t)
	f.addImage(t, "Exp01", "20260115", "a.png")

	var scopes []events.ScopeChanged
	var pools []events.PoolChanged
	f.bus.Subscribe(events.KindScopeChanged, func(e events.Event) {
		scopes = append(scopes, e.Payload.(events.ScopeChanged))
	})
	f.bus.Subscribe(events.KindPoolChanged, func(e events.Event) {
		pools = append(pools, e.Payload.(events.PoolChanged))
	})

	require.NoError(t, f.manager.SelectScope("Exp01", []string{"20260115"}))

	require.Len(t, scopes, 1)
	assert.Equal(t, "Exp01", scopes[0].Experiment)
	require.Len(t, pools, 1)
	assert.Equal(t, 1, pools[0].Unlabeled)
}

func TestRefreshPicksUpNewFilesAsUnlabeled(t *testing.T) {
	f := newFixture(t)
	k1 := f.addImage(t, "Exp01", "20260115", "a.png")
	require.NoError(t, f.manager.SelectScope("Exp01", []string{"20260115"}))
	f.manager.MarkLabeled(k1)

	k2 := f.addImage(t, "Exp01", "20260115", "b.png")
	require.NoError(t, f.manager.Refresh())

	rec1, ok := f.manager.Lookup(k1)
	require.True(t, ok)
	assert.True(t, rec1.Labeled, "label state survives refresh")

	rec2, ok := f.manager.Lookup(k2)
	require.True(t, ok)
	assert.False(t, rec2.Labeled, "new files default to unlabeled")
}

func TestRefreshDropsRemovedFiles(t *testing.T) {
	f := newFixture(t)
	k1 := f.addImage(t, "Exp01", "20260115", "a.png")
	f.addImage(t, "Exp01", "20260115", "b.png")
	require.NoError(t, f.manager.SelectScope("Exp01", []string{"20260115"}))

	require.NoError(t, os.Remove(filepath.Join(f.dataDir, "Exp01", "20260115", "a.png")))
	require.NoError(t, f.manager.Refresh())

	_, ok := f.manager.Lookup(k1)
	assert.False(t, ok)
	labeled, unlabeled := f.manager.Stats()
	assert.Equal(t, 0, labeled)
	assert.Equal(t, 1, unlabeled)
}

func TestRefreshWithoutScopeFails(t *testing.T) {
	f := newFixture(t)
	err := f.manager.Refresh()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoScope))
}

func TestKeysAreSorted(t *testing.T) {
	f := newFixture(t)
	f.addImage(t, "Exp01", "20260115", "c.png")
	f.addImage(t, "Exp01", "20260115", "a.png")
	f.addImage(t, "Exp01", "20260116", "b.png")
	require.NoError(t, f.manager.SelectScope("Exp01", []string{"20260115", "20260116"}))

	keys := f.manager.Keys()
	require.Len(t, keys, 3)
	assert.Equal(t, "a.png", keys[0].Filename)
	assert.Equal(t, "c.png", keys[1].Filename)
	assert.Equal(t, "20260116", keys[2].Date)
}

func TestOrderedNavigationWrapsAround(t *testing.T) {
	f := newFixture(t)
	ka := f.addImage(t, "Exp01", "20260115", "a.png")
	kb := f.addImage(t, "Exp01", "20260115", "b.png")
	require.NoError(t, f.manager.SelectScope("Exp01", []string{"20260115"}))

	next, ok := f.manager.NextAfter(kb)
	require.True(t, ok)
	assert.Equal(t, ka, next.Key)

	prev, ok := f.manager.PrevBefore(ka)
	require.True(t, ok)
	assert.Equal(t, kb, prev.Key)
}

func TestPixelsCachesDecodedImages(t *testing.T) {
	f := newFixture(t)
	key := f.addImage(t, "Exp01", "20260115", "a.png")
	require.NoError(t, f.manager.SelectScope("Exp01", []string{"20260115"}))

	first, err := f.manager.Pixels(key)
	require.NoError(t, err)
	second, err := f.manager.Pixels(key)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestPixelsOutsideScope(t *testing.T) {
	f := newFixture(t)
	f.addImage(t, "Exp01", "20260115", "a.png")
	require.NoError(t, f.manager.SelectScope("Exp01", []string{"20260115"}))

	_, err := f.manager.Pixels(imagery.Key{Experiment: "Other", Date: "20260115", Filename: "x.png"})
	assert.Error(t, err)
}

func TestDiscoverExperiments(t *testing.T) {
	f := newFixture(t)
	f.addImage(t, "ExpB", "20260115", "a.png")
	k := f.addImage(t, "ExpA", "20260110", "b.png")
	f.labelImage(t, k)

	experiments, err := f.manager.DiscoverExperiments()
	require.NoError(t, err)
	require.Len(t, experiments, 2)

	assert.Equal(t, "ExpA", experiments[0].Name)
	require.Len(t, experiments[0].Folders, 1)
	assert.Equal(t, 1, experiments[0].Folders[0].ImageCount)
	assert.True(t, experiments[0].Folders[0].HasLabels)

	assert.Equal(t, "ExpB", experiments[1].Name)
	assert.False(t, experiments[1].Folders[0].HasLabels)
}
