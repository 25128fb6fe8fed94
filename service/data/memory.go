package data

import (
	"fmt"
	"sync"

	"github.com/khaledhikmat/va-go/model"
)

type memoryService struct {
	lock       sync.Mutex
	streams    map[string]model.Stream
	algorithms map[string]model.Algorithm
	tasks      map[string]model.Task
	alarms     map[string]model.Alarm
	errors     []interface{}
}

// NewMemory returns an in-memory data service. Used by tests and smoke runs
// where no persisted state is wanted.
func NewMemory() IService {
	return &memoryService{
		streams:    map[string]model.Stream{},
		algorithms: map[string]model.Algorithm{},
		tasks:      map[string]model.Task{},
		alarms:     map[string]model.Alarm{},
	}
}

func (svc *memoryService) UpsertStream(s model.Stream) error {
	svc.lock.Lock()
	defer svc.lock.Unlock()
	svc.streams[s.ID] = s
	return nil
}

func (svc *memoryService) RetrieveStream(id string) (model.Stream, error) {
	svc.lock.Lock()
	defer svc.lock.Unlock()
	s, ok := svc.streams[id]
	if !ok {
		return model.Stream{}, fmt.Errorf("stream %s not found", id)
	}
	return s, nil
}

func (svc *memoryService) RetrieveStreams() ([]model.Stream, error) {
	svc.lock.Lock()
	defer svc.lock.Unlock()
	streams := make([]model.Stream, 0, len(svc.streams))
	for _, s := range svc.streams {
		streams = append(streams, s)
	}
	return streams, nil
}

func (svc *memoryService) UpsertAlgorithm(a model.Algorithm) error {
	svc.lock.Lock()
	defer svc.lock.Unlock()
	svc.algorithms[a.ID] = a
	return nil
}

func (svc *memoryService) RetrieveAlgorithm(id string) (model.Algorithm, error) {
	svc.lock.Lock()
	defer svc.lock.Unlock()
	a, ok := svc.algorithms[id]
	if !ok {
		return model.Algorithm{}, fmt.Errorf("algorithm %s not found", id)
	}
	return a, nil
}

func (svc *memoryService) RetrieveAlgorithms() ([]model.Algorithm, error) {
	svc.lock.Lock()
	defer svc.lock.Unlock()
	algorithms := make([]model.Algorithm, 0, len(svc.algorithms))
	for _, a := range svc.algorithms {
		algorithms = append(algorithms, a)
	}
	return algorithms, nil
}

func (svc *memoryService) UpsertTask(t model.Task) error {
	svc.lock.Lock()
	defer svc.lock.Unlock()
	svc.tasks[t.ID] = t
	return nil
}

func (svc *memoryService) RetrieveTask(id string) (model.Task, error) {
	svc.lock.Lock()
	defer svc.lock.Unlock()
	t, ok := svc.tasks[id]
	if !ok {
		return model.Task{}, fmt.Errorf("task %s not found", id)
	}
	return t, nil
}

func (svc *memoryService) RetrieveTasks() ([]model.Task, error) {
	svc.lock.Lock()
	defer svc.lock.Unlock()
	tasks := make([]model.Task, 0, len(svc.tasks))
	for _, t := range svc.tasks {
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (svc *memoryService) UpsertAlarm(a model.Alarm) error {
	svc.lock.Lock()
	defer svc.lock.Unlock()
	svc.alarms[a.ID] = a
	return nil
}

func (svc *memoryService) RetrieveAlarm(id string) (model.Alarm, error) {
	svc.lock.Lock()
	defer svc.lock.Unlock()
	a, ok := svc.alarms[id]
	if !ok {
		return model.Alarm{}, fmt.Errorf("alarm %s not found", id)
	}
	return a, nil
}

func (svc *memoryService) RetrieveAlarmsByTask(taskID string) ([]model.Alarm, error) {
	svc.lock.Lock()
	defer svc.lock.Unlock()
	matched := []model.Alarm{}
	for _, a := range svc.alarms {
		if a.TaskID == taskID {
			matched = append(matched, a)
		}
	}
	return matched, nil
}

func (svc *memoryService) NewError(err interface{}) error {
	svc.lock.Lock()
	defer svc.lock.Unlock()
	svc.errors = append(svc.errors, err)
	return nil
}
