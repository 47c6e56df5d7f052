package session

import (
	"context"
	"fmt"
	"image"
	"os"
	"runtime"

	tflite "github.com/tphakala/go-tflite"
	"github.com/tphakala/go-tflite/delegates/xnnpack"
	"golang.org/x/image/draw"

	"github.com/organoidlab/orgseg/internal/errors"
	"github.com/organoidlab/orgseg/internal/imagery"
	"github.com/organoidlab/orgseg/internal/logging"
)

// TFLiteLoader loads the segmentation checkpoint as a TensorFlow Lite
// flatbuffer. The model takes two inputs, the normalized image tensor
// [1,H,W,1] and a point-prompt tensor [1,N,3] of (x, y, label) rows, and
// produces candidate mask logits [1,K,H,W] with per-candidate scores [1,K].
type TFLiteLoader struct {
	// Device selects the preferred execution provider: "auto" tries the
	// XNNPACK delegate and falls back to plain CPU, "cpu" skips the
	// delegate. Absence of the delegate is never an error.
	Device string

	// Threads caps interpreter threads; 0 means all available cores.
	Threads int

	// PointsPerSide sets the prompt grid density for whole-image
	// segmentation.
	PointsPerSide int
}

// Load implements Loader.
func (l *TFLiteLoader) Load(checkpointPath string) (Predictor, string, func(), error) {
	log := logging.ForService("session")

	data, err := os.ReadFile(checkpointPath) //nolint:gosec // G304: checkpoint path comes from application settings
	if err != nil {
		return nil, "", nil, errors.New(fmt.Errorf("reading checkpoint: %w", err)).
			Component("session").
			Category(errors.CategoryFileIO).
			Context("checkpoint", checkpointPath).
			Build()
	}

	model := tflite.NewModel(data)
	if model == nil {
		return nil, "", nil, errors.Newf("cannot parse TensorFlow Lite model").
			Component("session").
			Category(errors.CategoryModelInit).
			Context("checkpoint", checkpointPath).
			Context("model_size_mb", len(data)/1024/1024).
			Build()
	}

	threads := l.Threads
	if threads <= 0 || threads > runtime.NumCPU() {
		threads = runtime.NumCPU()
	}

	options := tflite.NewInterpreterOptions()
	device := "cpu"
	if l.Device != "cpu" {
		delegate := xnnpack.New(xnnpack.DelegateOptions{NumThreads: int32(max(1, threads-1))}) //nolint:gosec // G115: thread count bounded by CPU count
		if delegate == nil {
			log.Warn("failed to create XNNPACK delegate, falling back to default CPU")
			options.SetNumThread(threads)
		} else {
			options.AddDelegate(delegate)
			options.SetNumThread(1)
			device = "xnnpack"
		}
	} else {
		options.SetNumThread(threads)
	}
	options.SetErrorReporter(func(msg string, userData any) {
		logging.ForService("session").Error("TFLite error", "message", msg)
	}, nil)

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		return nil, "", nil, errors.Newf("cannot create interpreter").
			Component("session").
			Category(errors.CategoryModelInit).
			Context("checkpoint", checkpointPath).
			Build()
	}
	if status := interpreter.AllocateTensors(); status != tflite.OK {
		interpreter.Delete()
		return nil, "", nil, errors.Newf("tensor allocation failed: %v", status).
			Component("session").
			Category(errors.CategoryModelInit).
			Context("checkpoint", checkpointPath).
			Build()
	}

	pred := &tflitePredictor{
		interpreter:   interpreter,
		pointsPerSide: max(1, l.PointsPerSide),
	}
	if err := pred.readShapes(); err != nil {
		interpreter.Delete()
		return nil, "", nil, err
	}

	// The flatbuffer is copied into the interpreter; let the Go copy go.
	runtime.GC()

	release := func() {
		interpreter.Delete()
	}
	return pred, device, release, nil
}

type tflitePredictor struct {
	interpreter   *tflite.Interpreter
	pointsPerSide int

	inputW, inputH int
	maxPoints      int
}

func (p *tflitePredictor) readShapes() error {
	imgTensor := p.interpreter.GetInputTensor(0)
	promptTensor := p.interpreter.GetInputTensor(1)
	if imgTensor == nil || promptTensor == nil {
		return errors.Newf("model is missing expected input tensors").
			Component("session").
			Category(errors.CategoryModelInit).
			Build()
	}
	if imgTensor.NumDims() != 4 {
		return errors.Newf("unexpected image input rank %d", imgTensor.NumDims()).
			Component("session").
			Category(errors.CategoryModelInit).
			Build()
	}
	p.inputH = imgTensor.Dim(1)
	p.inputW = imgTensor.Dim(2)
	p.maxPoints = promptTensor.Dim(1)
	return nil
}

// PredictMarkers implements Predictor.
func (p *tflitePredictor) PredictMarkers(ctx context.Context, img *image.Gray, markers []imagery.Marker) ([]Candidate, error) {
	if len(markers) == 0 {
		return nil, errors.Newf("marker prediction requires at least one marker").
			Component("session").
			Category(errors.CategoryValidation).
			Build()
	}
	return p.invoke(ctx, img, markers)
}

// SegmentAll implements Predictor. Whole-image segmentation runs the
// predictor over a uniform point grid and collects the best candidate per
// grid point, in row-major grid order, so the returned ordering is
// deterministic.
func (p *tflitePredictor) SegmentAll(ctx context.Context, img *image.Gray) ([]Candidate, error) {
	b := img.Bounds()
	side := p.pointsPerSide

	var out []Candidate
	for gy := 0; gy < side; gy++ {
		for gx := 0; gx < side; gx++ {
			if err := ctx.Err(); err != nil {
				return nil, errors.New(fmt.Errorf("whole-image segmentation: %w", err)).
					Component("session").
					Category(errors.CategoryCancellation).
					Build()
			}
			marker := imagery.Marker{
				X:          (2*gx + 1) * b.Dx() / (2 * side),
				Y:          (2*gy + 1) * b.Dy() / (2 * side),
				Foreground: true,
			}
			cands, err := p.invoke(ctx, img, []imagery.Marker{marker})
			if err != nil {
				return nil, err
			}
			if best, ok := bestScore(cands); ok && best.Area > 0 {
				out = append(out, best)
			}
		}
	}
	return out, nil
}

// invoke runs one prediction round and decodes all candidate masks,
// upsampled back to the source image dimensions.
func (p *tflitePredictor) invoke(ctx context.Context, img *image.Gray, markers []imagery.Marker) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.New(fmt.Errorf("inference: %w", err)).
			Component("session").
			Category(errors.CategoryCancellation).
			Build()
	}

	b := img.Bounds()

	// Image input: bilinear resize to model resolution, scaled to [0,1].
	resized := image.NewGray(image.Rect(0, 0, p.inputW, p.inputH))
	draw.BiLinear.Scale(resized, resized.Bounds(), img, b, draw.Src, nil)

	imgTensor := p.interpreter.GetInputTensor(0)
	in := imgTensor.Float32s()
	for i, v := range resized.Pix {
		in[i] = float32(v) / 255.0
	}

	// Prompt input: (x, y, label) rows in model coordinates, padded with
	// the sentinel label -1.
	promptTensor := p.interpreter.GetInputTensor(1)
	prompts := promptTensor.Float32s()
	for i := range prompts {
		prompts[i] = 0
	}
	n := min(len(markers), p.maxPoints)
	for i := 0; i < n; i++ {
		mk := markers[i]
		prompts[i*3+0] = float32(mk.X) * float32(p.inputW) / float32(b.Dx())
		prompts[i*3+1] = float32(mk.Y) * float32(p.inputH) / float32(b.Dy())
		if mk.Foreground {
			prompts[i*3+2] = 1
		} else {
			prompts[i*3+2] = 0
		}
	}
	for i := n; i < p.maxPoints; i++ {
		prompts[i*3+2] = -1
	}

	if status := p.interpreter.Invoke(); status != tflite.OK {
		return nil, errors.Newf("interpreter invoke failed: %v", status).
			Component("session").
			Category(errors.CategoryInference).
			Build()
	}

	maskTensor := p.interpreter.GetOutputTensor(0)
	scoreTensor := p.interpreter.GetOutputTensor(1)
	numCandidates := maskTensor.Dim(1)
	maskH := maskTensor.Dim(2)
	maskW := maskTensor.Dim(3)

	logits := maskTensor.Float32s()
	scores := scoreTensor.Float32s()

	candidates := make([]Candidate, 0, numCandidates)
	for k := 0; k < numCandidates; k++ {
		low := image.NewGray(image.Rect(0, 0, maskW, maskH))
		offset := k * maskH * maskW
		for i := 0; i < maskH*maskW; i++ {
			if logits[offset+i] > 0 {
				low.Pix[i] = 255
			}
		}

		full := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.NearestNeighbor.Scale(full, full.Bounds(), low, low.Bounds(), draw.Src, nil)

		candidates = append(candidates, Candidate{
			Mask:  full,
			Score: scores[k],
			Area:  imagery.CountForeground(full),
		})
	}
	return candidates, nil
}

// bestScore returns the highest-scoring candidate, first on ties.
func bestScore(cands []Candidate) (Candidate, bool) {
	if len(cands) == 0 {
		return Candidate{}, false
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.Score > best.Score {
			best = c
		}
	}
	return best, true
}
