// Package workflow ties the pool, the mask store, the strategies and the
// model session together into the annotation cycle: draw an image, generate
// a mask, commit it, update the pool.
package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/organoidlab/orgseg/internal/errors"
	"github.com/organoidlab/orgseg/internal/events"
	"github.com/organoidlab/orgseg/internal/imagery"
	"github.com/organoidlab/orgseg/internal/logging"
	"github.com/organoidlab/orgseg/internal/maskstore"
	"github.com/organoidlab/orgseg/internal/pool"
	"github.com/organoidlab/orgseg/internal/strategy"
)

// Coordinator runs the annotate-commit sequence for a single image. It is
// the only component that writes both the mask store and the pool, which
// keeps the two consistent: no pool transition without a committed mask.
type Coordinator struct {
	pool  *pool.Manager
	store *maskstore.Store
	bus   *events.Bus

	logger *slog.Logger
}

// NewCoordinator wires a coordinator over the given pool, store and bus.
func NewCoordinator(p *pool.Manager, store *maskstore.Store, bus *events.Bus) *Coordinator {
	return &Coordinator{
		pool:   p,
		store:  store,
		bus:    bus,
		logger: logging.ForService("workflow"),
	}
}

// Annotate generates a mask for the image with the given strategy and
// commits it: save to the store, move the image between the pool subsets by
// the mask's foreground content, publish mask-saved. A save failure leaves
// the pool untouched and publishes nothing.
//
// A model that finds no object is not a failure: the empty mask is still
// committed, the image stays unlabeled and the wrapped
// strategy.ErrNoObjectFound is returned alongside the record so callers can
// report it.
func (c *Coordinator) Annotate(ctx context.Context, key imagery.Key, gen strategy.Generator, in strategy.Input) (*imagery.MaskRecord, error) {
	if in.Image == nil {
		img, err := c.pool.Pixels(key)
		if err != nil {
			return nil, err
		}
		in.Image = img
	}

	rec, genErr := gen.Generate(ctx, in)
	if genErr != nil && !errors.Is(genErr, strategy.ErrNoObjectFound) {
		return nil, genErr
	}

	if err := c.store.Save(key, rec); err != nil {
		return nil, err
	}

	if rec.HasForeground() {
		c.pool.MarkLabeled(key)
	} else {
		c.pool.MarkUnlabeled(key)
	}

	c.bus.Publish(events.Event{
		Kind:    events.KindMaskSaved,
		Source:  "workflow",
		Payload: events.MaskSaved{Key: key, Method: rec.Method},
	})

	c.logger.Info("mask committed",
		"key", key.String(),
		"method", string(rec.Method),
		"regions", rec.Regions,
		"foreground_pixels", rec.ForegroundPixels())

	// genErr is either nil or a wrapped ErrNoObjectFound at this point.
	return rec, genErr
}

// Clear deletes the stored mask for the key and returns the image to the
// unlabeled subset.
func (c *Coordinator) Clear(key imagery.Key) error {
	if err := c.store.Delete(key); err != nil {
		return err
	}
	c.pool.MarkUnlabeled(key)
	c.logger.Info("mask cleared", "key", key.String())
	return nil
}

// AnnotateNext draws a random unlabeled image and annotates it. The second
// return value is false when the unlabeled subset is empty, which means the
// scope is fully annotated.
func (c *Coordinator) AnnotateNext(ctx context.Context, gen strategy.Generator, in strategy.Input) (*pool.ImageRecord, *imagery.MaskRecord, bool, error) {
	img, ok := c.pool.NextUnlabeled()
	if !ok {
		return nil, nil, false, nil
	}
	in.Image = nil // force a fresh pixel load for the drawn key
	rec, err := c.Annotate(ctx, img.Key, gen, in)
	if err != nil && !errors.Is(err, strategy.ErrNoObjectFound) {
		return img, nil, true, err
	}
	return img, rec, true, err
}

// AnnotateAll runs the strategy over every image that is unlabeled at call
// time, in sorted order. Images the model finds no object in are committed
// with empty masks and therefore stay unlabeled; they are counted in
// skipped and not retried within this call.
func (c *Coordinator) AnnotateAll(ctx context.Context, gen strategy.Generator, in strategy.Input) (annotated, skipped int, err error) {
	var pending []imagery.Key
	for _, key := range c.pool.Keys() {
		if rec, ok := c.pool.Lookup(key); ok && !rec.Labeled {
			pending = append(pending, key)
		}
	}

	for _, key := range pending {
		if err := ctx.Err(); err != nil {
			return annotated, skipped, errors.New(fmt.Errorf("batch annotation: %w", err)).
				Component("workflow").
				Category(errors.CategoryCancellation).
				Build()
		}

		in.Image = nil
		_, err := c.Annotate(ctx, key, gen, in)
		switch {
		case errors.Is(err, strategy.ErrNoObjectFound):
			skipped++
		case err != nil:
			return annotated, skipped, err
		default:
			annotated++
		}
	}
	return annotated, skipped, nil
}
