package algorithm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khaledhikmat/va-go/model"
)

func validManifest(packageID string) Manifest {
	return Manifest{
		PackageID:    packageID,
		Version:      "1.0.0",
		Device:       "cpu",
		MaxInstances: 1,
		Labels:       []string{"person"},
	}
}

func TestManifestValidation(t *testing.T) {
	var verr model.ValidationError

	m := validManifest("pkg")
	require.NoError(t, m.Validate())

	m = validManifest("")
	assert.ErrorAs(t, m.Validate(), &verr)

	m = validManifest("pkg")
	m.Version = ""
	assert.ErrorAs(t, m.Validate(), &verr)

	m = validManifest("pkg")
	m.MaxInstances = 0
	assert.ErrorAs(t, m.Validate(), &verr)

	m = validManifest("pkg")
	m.Device = "tpu"
	assert.ErrorAs(t, m.Validate(), &verr)
}

func TestLoadUnregisteredPackageFails(t *testing.T) {
	_, err := Load(validManifest("never-registered"))
	assert.Error(t, err)
}

func TestRegisterAndLoad(t *testing.T) {
	Register("reg-test", NewSimple)

	h, err := Load(validManifest("reg-test"))
	require.NoError(t, err)
	defer h.Release()

	require.NoError(t, h.Warmup())
}

func TestSimpleEmitsOnCadence(t *testing.T) {
	m := validManifest("simple-cadence")
	m.EmitEvery = 3

	h, err := NewSimple(m)
	require.NoError(t, err)
	defer h.Release()

	emitted := 0
	for i := 0; i < 9; i++ {
		detections, err := h.Infer(model.Frame{Width: 640, Height: 480})
		require.NoError(t, err)
		emitted += len(detections)
	}
	assert.Equal(t, 3, emitted)
}

func TestSimpleDetectionShape(t *testing.T) {
	m := validManifest("simple-shape")
	m.ConfidenceThreshold = 0.8

	h, err := NewSimple(m)
	require.NoError(t, err)
	defer h.Release()

	detections, err := h.Infer(model.Frame{Width: 640, Height: 480})
	require.NoError(t, err)
	require.Len(t, detections, 1)
	assert.Equal(t, "person", detections[0].Label)
	assert.Equal(t, float32(0.8), detections[0].Confidence)
	assert.Equal(t, 640, detections[0].Rect.Dx())
	assert.Equal(t, 480, detections[0].Rect.Dy())
}
