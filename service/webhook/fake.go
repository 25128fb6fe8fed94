package webhook

import "sync"

// FakeService records posted payloads. Used by tests.
type FakeService struct {
	mu       sync.Mutex
	Payloads []map[string]interface{}
}

func NewFake() *FakeService {
	return &FakeService{}
}

func (svc *FakeService) Post(payload map[string]interface{}) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.Payloads = append(svc.Payloads, payload)
	return nil
}

func (svc *FakeService) Posted() []map[string]interface{} {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return append([]map[string]interface{}{}, svc.Payloads...)
}
