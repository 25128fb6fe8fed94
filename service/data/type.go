package data

import "github.com/khaledhikmat/va-go/model"

// IService is the persisted-state boundary: simple get/list/upsert keyed by
// entity id. The core does not depend on a storage engine or migrations.
type IService interface {
	UpsertStream(s model.Stream) error
	RetrieveStream(id string) (model.Stream, error)
	RetrieveStreams() ([]model.Stream, error)

	UpsertAlgorithm(a model.Algorithm) error
	RetrieveAlgorithm(id string) (model.Algorithm, error)
	RetrieveAlgorithms() ([]model.Algorithm, error)

	UpsertTask(t model.Task) error
	RetrieveTask(id string) (model.Task, error)
	RetrieveTasks() ([]model.Task, error)

	UpsertAlarm(a model.Alarm) error
	RetrieveAlarm(id string) (model.Alarm, error)
	RetrieveAlarmsByTask(taskID string) ([]model.Alarm, error)

	NewError(err interface{}) error
}
