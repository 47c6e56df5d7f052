package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/organoidlab/orgseg/internal/errors"
	"github.com/organoidlab/orgseg/internal/imagery"
	"github.com/organoidlab/orgseg/internal/session"
)

// Tie policies for equal-area candidates.
const (
	TieFirst = "first"
	TieLast  = "last"
)

// AutoLargest segments the whole image without prompts and keeps the
// largest proposed object by foreground area. When the model proposes
// nothing, the result is an all-background mask together with
// ErrNoObjectFound so callers can distinguish "empty" from "failed".
type AutoLargest struct {
	Sessions *session.Manager

	// TiePolicy picks between equal-area candidates: TieFirst keeps the
	// earliest in model order, TieLast the latest. Empty means TieFirst.
	TiePolicy string
}

// Method implements Generator.
func (*AutoLargest) Method() imagery.Method { return imagery.MethodAutoSAM }

// Generate implements Generator.
func (g *AutoLargest) Generate(ctx context.Context, in Input) (*imagery.MaskRecord, error) {
	sess, err := g.Sessions.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}

	cands, err := sess.Predictor.SegmentAll(ctx, in.Image)
	if err != nil {
		return nil, errors.New(fmt.Errorf("whole-image prediction: %w", err)).
			Component("strategy").
			Category(errors.CategoryInference).
			Build()
	}

	b := in.Image.Bounds()
	if len(cands) == 0 {
		rec := imagery.EmptyMask(b.Dx(), b.Dy(), imagery.MethodAutoSAM)
		return rec, fmt.Errorf("automatic segmentation of %dx%d image: %w", b.Dx(), b.Dy(), ErrNoObjectFound)
	}

	best := cands[0]
	for _, c := range cands[1:] {
		if c.Area > best.Area || (c.Area == best.Area && g.TiePolicy == TieLast) {
			best = c
		}
	}
	if best.Area == 0 {
		rec := imagery.EmptyMask(b.Dx(), b.Dy(), imagery.MethodAutoSAM)
		return rec, fmt.Errorf("automatic segmentation of %dx%d image: %w", b.Dx(), b.Dy(), ErrNoObjectFound)
	}

	now := time.Now()
	return &imagery.MaskRecord{
		Mask:       best.Mask,
		Regions:    1,
		Method:     imagery.MethodAutoSAM,
		CreatedAt:  now,
		ModifiedAt: now,
	}, nil
}
