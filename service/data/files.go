package data

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/khaledhikmat/va-go/model"
	"github.com/khaledhikmat/va-go/service/config"
)

type filesDBService struct {
	CfgSvc config.IService
	lock   sync.Mutex
}

func NewFilesDB(cfgsvc config.IService) IService {
	return &filesDBService{
		CfgSvc: cfgsvc,
	}
}

func (svc *filesDBService) UpsertStream(s model.Stream) error {
	return upsert(svc, "streams.json", s, func(v model.Stream) string { return v.ID })
}

func (svc *filesDBService) RetrieveStream(id string) (model.Stream, error) {
	return retrieve(svc, "streams.json", id, func(v model.Stream) string { return v.ID })
}

func (svc *filesDBService) RetrieveStreams() ([]model.Stream, error) {
	svc.lock.Lock()
	defer svc.lock.Unlock()
	return load[model.Stream](svc, "streams.json")
}

func (svc *filesDBService) UpsertAlgorithm(a model.Algorithm) error {
	return upsert(svc, "algorithms.json", a, func(v model.Algorithm) string { return v.ID })
}

func (svc *filesDBService) RetrieveAlgorithm(id string) (model.Algorithm, error) {
	return retrieve(svc, "algorithms.json", id, func(v model.Algorithm) string { return v.ID })
}

func (svc *filesDBService) RetrieveAlgorithms() ([]model.Algorithm, error) {
	svc.lock.Lock()
	defer svc.lock.Unlock()
	return load[model.Algorithm](svc, "algorithms.json")
}

func (svc *filesDBService) UpsertTask(t model.Task) error {
	return upsert(svc, "tasks.json", t, func(v model.Task) string { return v.ID })
}

func (svc *filesDBService) RetrieveTask(id string) (model.Task, error) {
	return retrieve(svc, "tasks.json", id, func(v model.Task) string { return v.ID })
}

func (svc *filesDBService) RetrieveTasks() ([]model.Task, error) {
	svc.lock.Lock()
	defer svc.lock.Unlock()
	return load[model.Task](svc, "tasks.json")
}

func (svc *filesDBService) UpsertAlarm(a model.Alarm) error {
	return upsert(svc, "alarms.json", a, func(v model.Alarm) string { return v.ID })
}

func (svc *filesDBService) RetrieveAlarm(id string) (model.Alarm, error) {
	return retrieve(svc, "alarms.json", id, func(v model.Alarm) string { return v.ID })
}

func (svc *filesDBService) RetrieveAlarmsByTask(taskID string) ([]model.Alarm, error) {
	svc.lock.Lock()
	defer svc.lock.Unlock()

	alarms, err := load[model.Alarm](svc, "alarms.json")
	if err != nil {
		return nil, err
	}

	matched := []model.Alarm{}
	for _, a := range alarms {
		if a.TaskID == taskID {
			matched = append(matched, a)
		}
	}
	return matched, nil
}

// NewError appends a structured error to the errors file for later inspection.
func (svc *filesDBService) NewError(err interface{}) error {
	svc.lock.Lock()
	defer svc.lock.Unlock()

	entry := map[string]interface{}{
		"error":     fmt.Sprintf("%v", err),
		"timestamp": time.Now().Unix(),
	}
	if ce, ok := err.(model.CustomError); ok {
		entry["processor"] = ce.Processor
		entry["message"] = ce.Message
	}

	entries, _ := load[map[string]interface{}](svc, "errors.json")
	entries = append(entries, entry)
	return save(svc, "errors.json", entries)
}

func upsert[T any](svc *filesDBService, file string, item T, id func(T) string) error {
	svc.lock.Lock()
	defer svc.lock.Unlock()

	items, err := load[T](svc, file)
	if err != nil {
		return err
	}

	found := false
	for i, existing := range items {
		if id(existing) == id(item) {
			items[i] = item
			found = true
			break
		}
	}
	if !found {
		items = append(items, item)
	}

	return save(svc, file, items)
}

func retrieve[T any](svc *filesDBService, file string, itemID string, id func(T) string) (T, error) {
	svc.lock.Lock()
	defer svc.lock.Unlock()

	var zero T
	items, err := load[T](svc, file)
	if err != nil {
		return zero, err
	}

	for _, item := range items {
		if id(item) == itemID {
			return item, nil
		}
	}
	return zero, fmt.Errorf("%s: id %s not found", file, itemID)
}

func load[T any](svc *filesDBService, file string) ([]T, error) {
	path := filepath.Join(svc.CfgSvc.GetDataFolder(), file)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []T{}, nil
		}
		return nil, err
	}

	items := []T{}
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func save[T any](svc *filesDBService, file string, items []T) error {
	folder := svc.CfgSvc.GetDataFolder()
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(folder, file), data, 0o644)
}
