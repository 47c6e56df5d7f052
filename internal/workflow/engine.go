package workflow

import (
	"github.com/organoidlab/orgseg/internal/conf"
	"github.com/organoidlab/orgseg/internal/events"
	"github.com/organoidlab/orgseg/internal/maskstore"
	"github.com/organoidlab/orgseg/internal/pool"
	"github.com/organoidlab/orgseg/internal/session"
	"github.com/organoidlab/orgseg/internal/strategy"
)

// Engine bundles every long-lived component of the annotation workflow.
// One engine per process; commands construct it once and share it.
type Engine struct {
	Settings *conf.Settings
	Bus      *events.Bus

	Store       *maskstore.Store
	Pool        *pool.Manager
	Sessions    *session.Manager
	Coordinator *Coordinator
	Cropper     *Cropper
	Worker      *Worker
}

// NewEngine wires the engine from settings. The model is not loaded here;
// the session manager defers that to the first model-backed strategy run.
func NewEngine(settings *conf.Settings, bus *events.Bus) *Engine {
	store := maskstore.New(settings.DataPath(), settings.LabelsPath())
	p := pool.New(settings.DataPath(), settings.LabelsPath(), store, bus)

	loader := &session.TFLiteLoader{
		Device:        settings.Model.Device,
		Threads:       settings.Model.Threads,
		PointsPerSide: settings.Model.PointsPerSide,
	}
	sessions := session.NewManager(settings.CheckpointPath(), loader, bus)

	return &Engine{
		Settings:    settings,
		Bus:         bus,
		Store:       store,
		Pool:        p,
		Sessions:    sessions,
		Coordinator: NewCoordinator(p, store, bus),
		Cropper:     NewCropper(p, store, settings.CroppedPath()),
		Worker:      NewWorker(bus),
	}
}

// Manual returns the stroke pass-through strategy.
func (e *Engine) Manual() strategy.Generator { return strategy.Manual{} }

// Threshold returns the intensity threshold strategy configured from settings.
func (e *Engine) Threshold() strategy.Generator {
	return strategy.Threshold{MinComponentArea: e.Settings.Segmentation.MinComponentArea}
}

// MarkerGuided returns the marker-prompted model strategy.
func (e *Engine) MarkerGuided() strategy.Generator {
	return &strategy.MarkerGuided{Sessions: e.Sessions}
}

// AutoLargest returns the whole-image largest-object model strategy.
func (e *Engine) AutoLargest() strategy.Generator {
	return &strategy.AutoLargest{
		Sessions:  e.Sessions,
		TiePolicy: e.Settings.Segmentation.TiePolicy,
	}
}

// SelectScope selects the experiment and date folders to work on. An empty
// date list means every date folder of the experiment.
func (e *Engine) SelectScope(experiment string, dates []string) error {
	if len(dates) == 0 {
		experiments, err := e.Pool.DiscoverExperiments()
		if err != nil {
			return err
		}
		for _, exp := range experiments {
			if exp.Name != experiment {
				continue
			}
			for _, folder := range exp.Folders {
				dates = append(dates, folder.Date)
			}
		}
	}
	return e.Pool.SelectScope(experiment, dates)
}

// Close drains the worker and releases the model session.
func (e *Engine) Close() {
	e.Worker.Close()
	e.Sessions.Release()
}
