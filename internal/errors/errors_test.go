package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderCarriesComponentCategoryContext(t *testing.T) {
	base := NewStd("checkpoint missing")
	err := New(base).
		Component("session").
		Category(CategoryModelLoad).
		Context("checkpoint", "/models/seg.tflite").
		Build()

	assert.Equal(t, "session", err.GetComponent())
	assert.Equal(t, string(CategoryModelLoad), err.GetCategory())
	assert.Equal(t, "/models/seg.tflite", err.GetContext()["checkpoint"])
	assert.False(t, err.GetTimestamp().IsZero())
	assert.Equal(t, "checkpoint missing", err.GetMessage())
}

func TestEnhancedErrorMatchesWrappedSentinel(t *testing.T) {
	sentinel := NewStd("mask not found")
	err := New(fmt.Errorf("loading mask: %w", sentinel)).
		Component("maskstore").
		Category(CategoryMaskStore).
		Build()

	assert.True(t, Is(err, sentinel))
}

func TestEnhancedErrorUnwrapsThroughStdlib(t *testing.T) {
	sentinel := NewStd("dimension mismatch")
	enhanced := New(sentinel).Component("maskstore").Build()
	outer := fmt.Errorf("saving a.png: %w", enhanced)

	assert.True(t, Is(outer, sentinel))

	var target *EnhancedError
	require.True(t, As(outer, &target))
	assert.Equal(t, "maskstore", target.GetComponent())
}

func TestNewfFormatsMessage(t *testing.T) {
	err := Newf("mask %dx%d does not match image %dx%d", 4, 4, 8, 8).
		Component("maskstore").
		Build()
	assert.Contains(t, err.Error(), "4x4")
	assert.Contains(t, err.Error(), "8x8")
}

func TestTimingContext(t *testing.T) {
	err := Newf("slow load").Timing("model-load", 1500000000).Build()
	ctx := err.GetContext()
	assert.Equal(t, "model-load", ctx["operation"])
	assert.NotNil(t, ctx["duration_ms"])
}
