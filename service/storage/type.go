package storage

import "gocv.io/x/gocv"

// IService stores alarm media and returns a reference usable by external
// collaborators (a path or URL depending on the implementation).
type IService interface {
	StoreImage(name string, img gocv.Mat) (string, error)
	StoreFile(fileName string) (string, error)
}
