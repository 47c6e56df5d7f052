package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/organoidlab/orgseg/internal/errors"
	"github.com/organoidlab/orgseg/internal/imagery"
	"github.com/organoidlab/orgseg/internal/session"
)

// MarkerGuided asks the model to segment the object indicated by user
// markers and keeps the single highest-confidence candidate. The session is
// borrowed from the manager, never owned, so the model stays loaded across
// consecutive predictions.
type MarkerGuided struct {
	Sessions *session.Manager
}

// Method implements Generator.
func (*MarkerGuided) Method() imagery.Method { return imagery.MethodMarkerSAM }

// Generate implements Generator. Requires at least one marker.
func (g *MarkerGuided) Generate(ctx context.Context, in Input) (*imagery.MaskRecord, error) {
	if len(in.Markers) == 0 {
		return nil, errors.Newf("marker-guided segmentation requires at least one marker").
			Component("strategy").
			Category(errors.CategoryValidation).
			Build()
	}

	sess, err := g.Sessions.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}

	cands, err := sess.Predictor.PredictMarkers(ctx, in.Image, in.Markers)
	if err != nil {
		return nil, errors.New(fmt.Errorf("marker prediction: %w", err)).
			Component("strategy").
			Category(errors.CategoryInference).
			Context("markers", len(in.Markers)).
			Build()
	}
	if len(cands) == 0 {
		return nil, errors.Newf("model returned no candidates for %d markers", len(in.Markers)).
			Component("strategy").
			Category(errors.CategoryInference).
			Build()
	}

	// Highest confidence wins; on equal scores the earlier candidate in
	// model order is kept.
	best := cands[0]
	for _, c := range cands[1:] {
		if c.Score > best.Score {
			best = c
		}
	}

	now := time.Now()
	return &imagery.MaskRecord{
		Mask:       best.Mask,
		Regions:    1,
		Method:     imagery.MethodMarkerSAM,
		CreatedAt:  now,
		ModifiedAt: now,
	}, nil
}
