package algorithm

import (
	"fmt"
	"image"
	"os"
	"strings"

	"gocv.io/x/gocv"

	"github.com/khaledhikmat/va-go/model"
)

// Yolo5PackageID is the package id the YOLOv5 loader registers under.
const Yolo5PackageID = "yolo5"

type yolo5Handle struct {
	manifest Manifest
	net      gocv.Net
	labels   []string
	allowed  map[string]bool
}

// NewYolo5 loads a YOLOv5 ONNX model through the gocv DNN module.
// WARNING: a gocv Net is not thread-safe; the pool's single-owner contract is
// what makes this handle safe to call without locking.
func NewYolo5(m Manifest) (Handle, error) {
	if _, err := os.Stat(m.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("no yolo5 model exists at %s", m.ModelPath)
	}

	labels, err := loadLabels(m.NamesPath)
	if err != nil {
		return nil, err
	}

	net := gocv.ReadNet(m.ModelPath, "")
	if net.Empty() {
		return nil, fmt.Errorf("error reading yolo5 model %s", m.ModelPath)
	}

	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, fmt.Errorf("error setting backend: %w", err)
	}

	target := gocv.NetTargetCPU
	if m.Device == "gpu" {
		target = gocv.NetTargetCUDA
	}
	if err := net.SetPreferableTarget(target); err != nil {
		net.Close()
		return nil, fmt.Errorf("error setting target: %w", err)
	}

	allowed := map[string]bool{}
	for _, label := range m.Labels {
		allowed[strings.ToLower(label)] = true
	}

	return &yolo5Handle{
		manifest: m,
		net:      net,
		labels:   labels,
		allowed:  allowed,
	}, nil
}

func (h *yolo5Handle) Warmup() error {
	size := h.inputSize()
	img := gocv.NewMatWithSize(size, size, gocv.MatTypeCV8UC3)
	defer img.Close()

	_, err := h.Infer(model.Frame{Mat: img, Width: size, Height: size})
	return err
}

func (h *yolo5Handle) Infer(frame model.Frame) ([]model.Detection, error) {
	if frame.Mat.Empty() {
		return nil, fmt.Errorf("empty frame")
	}

	size := h.inputSize()
	blob := gocv.BlobFromImage(frame.Mat, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	h.net.SetInput(blob, "")
	output := h.net.Forward("")
	defer output.Close()

	dims := output.Size()
	if len(dims) != 3 {
		return nil, fmt.Errorf("unexpected DNN output dims: %v", dims)
	}

	reshaped := output.Reshape(1, dims[1])
	if reshaped.Empty() || reshaped.Rows() == 0 || reshaped.Cols() < 5 {
		reshaped.Close()
		return nil, fmt.Errorf("reshape failed or invalid dimensions")
	}
	defer reshaped.Close()

	detections := []model.Detection{}
	for i := 0; i < reshaped.Rows(); i++ {
		row := reshaped.RowRange(i, i+1)
		data, err := row.DataPtrFloat32()
		row.Close()

		if err != nil || data == nil || len(data) < 5 {
			continue
		}

		if det, ok := h.extract(frame.Mat, data); ok {
			detections = append(detections, det)
		}
	}

	return detections, nil
}

func (h *yolo5Handle) Release() {
	h.net.Close()
}

func (h *yolo5Handle) inputSize() int {
	if h.manifest.InputSize > 0 {
		return h.manifest.InputSize
	}
	return 640
}

// extract turns one output row into a detection if it clears both the
// objectness and the combined-confidence thresholds.
func (h *yolo5Handle) extract(frame gocv.Mat, data []float32) (model.Detection, bool) {
	objectConfidence := data[4] // objectness
	classScores := data[5:]

	if len(classScores) != len(h.labels) {
		return model.Detection{}, false
	}
	if objectConfidence < h.manifest.ObjectThreshold {
		return model.Detection{}, false
	}

	classID := -1
	classConfidence := float32(0.0)
	for j, score := range classScores {
		if len(h.allowed) > 0 && !h.allowed[strings.ToLower(h.labels[j])] {
			continue
		}
		if score > classConfidence {
			classConfidence = score
			classID = j
		}
	}

	finalConf := objectConfidence * classConfidence
	if classID == -1 || finalConf < h.manifest.ConfidenceThreshold {
		return model.Detection{}, false
	}

	cx := data[0] * float32(frame.Cols())
	cy := data[1] * float32(frame.Rows())
	w := data[2] * float32(frame.Cols())
	hgt := data[3] * float32(frame.Rows())
	x := int(cx - w/2)
	y := int(cy - hgt/2)

	return model.Detection{
		Label:      h.labels[classID],
		Confidence: finalConf,
		Rect:       image.Rect(x, y, x+int(w), y+int(hgt)),
	}, true
}

func loadLabels(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading labels %s: %w", path, err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n"), nil
}
