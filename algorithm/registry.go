package algorithm

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/khaledhikmat/va-go/service/lgr"
)

// Loaders are registered in an explicit table keyed by package id. Nothing
// is discovered by reflection; main (or a test) registers what it ships.
var (
	loadersMu sync.RWMutex
	loaders   = map[string]Loader{}
)

func Register(packageID string, loader Loader) {
	loadersMu.Lock()
	defer loadersMu.Unlock()

	if _, ok := loaders[packageID]; ok {
		lgr.Logger.Warn("algorithm package already registered", slog.String("packageID", packageID))
		return
	}
	loaders[packageID] = loader
}

// Load validates the manifest and constructs a handle through the registered
// loader.
func Load(m Manifest) (Handle, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	loadersMu.RLock()
	loader, ok := loaders[m.PackageID]
	loadersMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("algorithm package %s not registered", m.PackageID)
	}

	return loader(m)
}
