package algorithm

import (
	"image"
	"sync/atomic"

	"github.com/khaledhikmat/va-go/model"
)

// SimplePackageID is the package id the synthetic detector registers under.
const SimplePackageID = "simple"

type simpleHandle struct {
	manifest Manifest
	frames   atomic.Int64
}

// NewSimple is a synthetic detector: no model, it emits one detection of the
// manifest's first label on a fixed frame cadence. Used by tests and smoke
// runs.
func NewSimple(m Manifest) (Handle, error) {
	return &simpleHandle{manifest: m}, nil
}

func (h *simpleHandle) Warmup() error {
	return nil
}

func (h *simpleHandle) Infer(frame model.Frame) ([]model.Detection, error) {
	frames := h.frames.Add(1)

	every := int64(h.manifest.EmitEvery)
	if every <= 0 {
		every = 1
	}
	if frames%every != 0 {
		return nil, nil
	}

	label := "simple"
	if len(h.manifest.Labels) > 0 {
		label = h.manifest.Labels[0]
	}

	confidence := h.manifest.ConfidenceThreshold
	if confidence == 0 {
		confidence = 1.0
	}

	return []model.Detection{{
		Label:      label,
		Confidence: confidence,
		Rect:       image.Rect(0, 0, frame.Width, frame.Height),
	}}, nil
}

func (h *simpleHandle) Release() {
}
