package strategy

import (
	"context"
	"fmt"
	"image"
	"time"

	"gocv.io/x/gocv"

	"github.com/organoidlab/orgseg/internal/errors"
	"github.com/organoidlab/orgseg/internal/imagery"
)

// Threshold segments by intensity: every pixel at or above T is foreground,
// then connected components smaller than MinComponentArea are dropped as
// noise. Deterministic, model-free, and idempotent for a fixed input.
type Threshold struct {
	// MinComponentArea is the minimum surviving component size in pixels.
	// Zero keeps everything.
	MinComponentArea int
}

// Method implements Generator.
func (Threshold) Method() imagery.Method { return imagery.MethodThreshold }

// Generate implements Generator.
func (t Threshold) Generate(ctx context.Context, in Input) (*imagery.MaskRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := in.Image.Bounds()
	src, err := gocv.NewMatFromBytes(b.Dy(), b.Dx(), gocv.MatTypeCV8UC1, in.Image.Pix)
	if err != nil {
		return nil, errors.New(fmt.Errorf("wrapping image for thresholding: %w", err)).
			Component("strategy").
			Category(errors.CategoryValidation).
			Build()
	}
	defer src.Close()

	// OpenCV's binary threshold keeps pixels strictly above the cutoff;
	// shifting down half a step turns that into the inclusive >= T rule.
	bin := gocv.NewMat()
	defer bin.Close()
	gocv.Threshold(src, &bin, float32(in.Threshold)-0.5, 255, gocv.ThresholdBinary)

	mask, regions, err := filterComponents(bin, t.MinComponentArea, b.Dx(), b.Dy())
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &imagery.MaskRecord{
		Mask:       mask,
		Regions:    regions,
		Method:     imagery.MethodThreshold,
		CreatedAt:  now,
		ModifiedAt: now,
	}, nil
}

// filterComponents labels the binary mat, drops components below minArea
// and renders the survivors as a 0/255 grayscale mask. Returns the mask and
// the surviving component count. Label 0 is background and never counted.
func filterComponents(bin gocv.Mat, minArea, width, height int) (*image.Gray, int, error) {
	labels := gocv.NewMat()
	defer labels.Close()
	stats := gocv.NewMat()
	defer stats.Close()
	centroids := gocv.NewMat()
	defer centroids.Close()

	numLabels := gocv.ConnectedComponentsWithStats(bin, &labels, &stats, &centroids)

	keep := make([]bool, numLabels)
	kept := 0
	for i := 1; i < numLabels; i++ {
		area := int(stats.GetIntAt(i, int(gocv.CCStatArea)))
		if area >= minArea {
			keep[i] = true
			kept++
		}
	}

	mask := image.NewGray(image.Rect(0, 0, width, height))
	if kept > 0 {
		labelData, err := labels.DataPtrInt32()
		if err != nil {
			return nil, 0, errors.New(fmt.Errorf("reading component labels: %w", err)).
				Component("strategy").
				Category(errors.CategoryGeneric).
				Build()
		}
		for i, l := range labelData {
			if keep[l] {
				mask.Pix[i] = 255
			}
		}
	}
	return mask, kept, nil
}

// countRegions counts connected foreground components in a mask.
func countRegions(mask *image.Gray) (int, error) {
	b := mask.Bounds()
	src, err := gocv.NewMatFromBytes(b.Dy(), b.Dx(), gocv.MatTypeCV8UC1, mask.Pix)
	if err != nil {
		return 0, errors.New(fmt.Errorf("wrapping mask for region count: %w", err)).
			Component("strategy").
			Category(errors.CategoryValidation).
			Build()
	}
	defer src.Close()

	labels := gocv.NewMat()
	defer labels.Close()

	// Label count includes the background component.
	n := gocv.ConnectedComponents(src, &labels)
	if n <= 1 {
		return 0, nil
	}
	return n - 1, nil
}
