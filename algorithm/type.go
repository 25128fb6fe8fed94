package algorithm

import (
	"fmt"

	"github.com/khaledhikmat/va-go/model"
)

// Manifest describes one installable algorithm package. It is validated
// before activation and immutable afterwards.
type Manifest struct {
	PackageID           string   `json:"packageId"`
	Name                string   `json:"name"`
	Version             string   `json:"version"`
	Device              string   `json:"device"` // cpu or gpu
	MaxInstances        int      `json:"maxInstances"`
	Labels              []string `json:"labels"`
	ModelPath           string   `json:"modelPath"`
	NamesPath           string   `json:"namesPath"`
	InputSize           int      `json:"inputSize"`
	ConfidenceThreshold float32  `json:"confidenceThreshold"`
	ObjectThreshold     float32  `json:"objectThreshold"`

	// EmitEvery makes the synthetic detector fire on a frame cadence.
	EmitEvery int `json:"emitEvery,omitempty"`
}

func (m Manifest) Validate() error {
	if m.PackageID == "" {
		return model.ValidationError{Field: "packageId", Message: "package id is required"}
	}
	if m.Version == "" {
		return model.ValidationError{Field: "version", Message: "version is required"}
	}
	if m.MaxInstances < 1 {
		return model.ValidationError{Field: "maxInstances", Message: "max instances must be >= 1"}
	}
	if m.Device != "cpu" && m.Device != "gpu" {
		return model.ValidationError{Field: "device", Message: fmt.Sprintf("unknown device %q", m.Device)}
	}
	return nil
}

// Handle is one warmed, reusable execution context of an algorithm. Handles
// are single-owner: the pool guarantees only one caller uses a handle at a
// time, so implementations need no internal locking.
type Handle interface {
	// Warmup runs a synthetic inference pass so first real frames pay no
	// model-load latency.
	Warmup() error
	// Infer returns labeled boxes with confidence for one frame. The frame
	// payload is read-only.
	Infer(frame model.Frame) ([]model.Detection, error)
	// Release frees the handle's resources.
	Release()
}

// Loader constructs a Handle from a validated manifest.
type Loader func(m Manifest) (Handle, error)
