package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"

	"github.com/khaledhikmat/va-go/service/config"
)

type filesService struct {
	CfgSvc config.IService
}

// NewFiles stores media under the recordings folder. Swap for an S3-backed
// implementation in deployments that upload evidence.
func NewFiles(cfgsvc config.IService) IService {
	return &filesService{
		CfgSvc: cfgsvc,
	}
}

func (svc *filesService) StoreImage(name string, img gocv.Mat) (string, error) {
	folder := svc.CfgSvc.GetRecordingsFolder()
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", err
	}

	path := filepath.Join(folder, name)
	if ok := gocv.IMWrite(path, img); !ok {
		return "", fmt.Errorf("error writing image %s", path)
	}
	return path, nil
}

func (svc *filesService) StoreFile(fileName string) (string, error) {
	// Files already live under the recordings folder; the path is the ref.
	return fileName, nil
}
