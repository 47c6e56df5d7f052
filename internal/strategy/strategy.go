// Package strategy implements the interchangeable mask generators:
// manual strokes, intensity thresholding and the two model-assisted modes.
// All generators share one capability and never touch disk or pool state;
// committing the result is the coordinator's job.
package strategy

import (
	"context"
	"image"
	"time"

	"github.com/organoidlab/orgseg/internal/errors"
	"github.com/organoidlab/orgseg/internal/imagery"
)

// ErrNoObjectFound is returned by the auto strategy when the model proposes
// no region at all. The accompanying all-background mask is still valid
// output; callers decide whether to commit it.
var ErrNoObjectFound = errors.NewStd("no object found")

// ErrModelUnavailable is returned by model-backed strategies when a session
// cannot be acquired. The underlying load failure is wrapped.
var ErrModelUnavailable = errors.NewStd("segmentation model unavailable")

// Input carries everything a generator may need. Each strategy reads only
// its own fields: Strokes for manual, Threshold for thresholding, Markers
// for marker-guided prediction. Image is always required.
type Input struct {
	Image     *image.Gray
	Strokes   *image.Gray
	Threshold uint8
	Markers   []imagery.Marker
}

// Generator produces a mask for one image. Implementations are pure with
// respect to the image pool and the mask store.
type Generator interface {
	Generate(ctx context.Context, in Input) (*imagery.MaskRecord, error)
	Method() imagery.Method
}

// Manual passes user strokes through unchanged apart from binarization.
// The strokes raster must already match the image dimensions.
type Manual struct{}

// Method implements Generator.
func (Manual) Method() imagery.Method { return imagery.MethodManual }

// Generate implements Generator. Stroke pixels at or above the foreground
// threshold become 255, everything else 0.
func (Manual) Generate(ctx context.Context, in Input) (*imagery.MaskRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.Strokes == nil {
		return nil, errors.Newf("manual segmentation requires a stroke raster").
			Component("strategy").
			Category(errors.CategoryValidation).
			Build()
	}
	ib, sb := in.Image.Bounds(), in.Strokes.Bounds()
	if ib.Dx() != sb.Dx() || ib.Dy() != sb.Dy() {
		return nil, errors.Newf("stroke raster %dx%d does not match image %dx%d",
			sb.Dx(), sb.Dy(), ib.Dx(), ib.Dy()).
			Component("strategy").
			Category(errors.CategoryValidation).
			Build()
	}

	mask := image.NewGray(image.Rect(0, 0, sb.Dx(), sb.Dy()))
	for i, v := range in.Strokes.Pix {
		if v >= imagery.ForegroundThreshold {
			mask.Pix[i] = 255
		}
	}

	regions, err := countRegions(mask)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &imagery.MaskRecord{
		Mask:       mask,
		Regions:    regions,
		Method:     imagery.MethodManual,
		CreatedAt:  now,
		ModifiedAt: now,
	}, nil
}
