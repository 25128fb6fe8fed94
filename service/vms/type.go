package vms

import "github.com/khaledhikmat/va-go/model"

// IService wraps the video encode/merge operations the core treats as black
// boxes. EncodeSegment does not take ownership of the frames; the caller
// closes them.
type IService interface {
	EncodeSegment(path string, frames []model.Frame, fps float64) error
	MergeSegments(paths []string, outPath string) error
}
