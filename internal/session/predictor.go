// Package session owns the lifecycle of the heavyweight segmentation
// model: lazy loading, serialized access and explicit release.
package session

import (
	"context"
	"image"

	"github.com/organoidlab/orgseg/internal/imagery"
)

// Candidate is one region proposal returned by the model, with its
// confidence score and foreground area in pixels.
type Candidate struct {
	Mask  *image.Gray
	Score float32
	Area  int
}

// Predictor is the opaque prediction capability of a loaded model: given
// an image and optional prompt markers, return candidate region masks with
// confidence scores. Implementations are not safe for concurrent use; the
// Manager serializes access.
type Predictor interface {
	// PredictMarkers segments the object indicated by the markers and
	// returns the candidate masks in model order.
	PredictMarkers(ctx context.Context, img *image.Gray, markers []imagery.Marker) ([]Candidate, error)

	// SegmentAll proposes regions over the whole image without prompts
	// and returns the candidates in model order. An empty slice means the
	// model found nothing.
	SegmentAll(ctx context.Context, img *image.Gray) ([]Candidate, error)
}

// Loader creates a Predictor from a checkpoint file. The returned release
// function frees device memory; it must be safe to call exactly once.
type Loader interface {
	Load(checkpointPath string) (pred Predictor, device string, release func(), err error)
}
