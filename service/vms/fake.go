package vms

import (
	"os"
	"sync"

	"github.com/khaledhikmat/va-go/model"
)

// FakeService records encode/merge calls and writes empty files so path
// handling stays honest. Used by tests.
type FakeService struct {
	mu      sync.Mutex
	Encoded []string
	Merged  [][]string
}

func NewFake() *FakeService {
	return &FakeService{}
}

func (svc *FakeService) EncodeSegment(path string, _ []model.Frame, _ float64) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	svc.Encoded = append(svc.Encoded, path)
	return os.WriteFile(path, []byte{}, 0o644)
}

func (svc *FakeService) MergeSegments(paths []string, outPath string) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	svc.Merged = append(svc.Merged, paths)
	return os.WriteFile(outPath, []byte{}, 0o644)
}

func (svc *FakeService) EncodedPaths() []string {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return append([]string{}, svc.Encoded...)
}

func (svc *FakeService) MergedBatches() [][]string {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return append([][]string{}, svc.Merged...)
}
