package analyzer

import (
	"github.com/khaledhikmat/va-go/service/config"
	"github.com/khaledhikmat/va-go/service/data"
	"github.com/khaledhikmat/va-go/service/storage"
	"github.com/khaledhikmat/va-go/service/vms"
	"github.com/khaledhikmat/va-go/service/webhook"
)

// ServicesFactory carries the collaborator services the analyzer runs on.
// Callers can swap any implementation (files vs memory data, gocv vs fake
// vms) without touching the core.
type ServicesFactory struct {
	CfgSvc     config.IService
	DataSvc    data.IService
	StorageSvc storage.IService
	VmsSvc     vms.IService
	WebhookSvc webhook.IService
}
