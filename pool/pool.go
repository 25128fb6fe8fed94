package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/khaledhikmat/va-go/algorithm"
	"github.com/khaledhikmat/va-go/model"
	"github.com/khaledhikmat/va-go/service/config"
	"github.com/khaledhikmat/va-go/service/data"
	"github.com/khaledhikmat/va-go/service/lgr"
)

var (
	ErrPoolExhausted = errors.New("pool: no instance available within timeout")
	ErrWorkerCrash   = errors.New("pool: inference worker crashed")
	ErrInstanceDead  = errors.New("pool: instance is not usable")
)

// Instance is one warmed execution context of an algorithm. It is
// single-owner: between Acquire and Release exactly one caller sends it
// frames.
type Instance struct {
	ID          string
	AlgorithmID string

	mu       sync.Mutex
	state    model.InstanceState
	useCount int64
	lastUsed time.Time

	handle algorithm.Handle
	reqCh  chan inferRequest
}

func (inst *Instance) State() model.InstanceState {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state
}

func (inst *Instance) UseCount() int64 {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.useCount
}

func (inst *Instance) setState(s model.InstanceState) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.state = s
}

type inferRequest struct {
	frame model.Frame
	reply chan inferReply
}

type inferReply struct {
	detections []model.Detection
	err        error
}

type algoPool struct {
	manifest algorithm.Manifest

	mu        sync.Mutex
	rec       model.Algorithm
	instances map[string]*Instance
	idle      chan *Instance
	stats     model.PoolStats
}

// Pool keeps a bounded set of warmed model instances per algorithm.
//
// Inference runs on a dedicated worker goroutine per instance; a panicking
// model never unwinds into the control plane — it is converted to
// ErrWorkerCrash, the instance is marked Error and the supervisor respawns a
// replacement up to max_instances. Failures surface on the algorithm status,
// not as exceptions to callers.
type Pool struct {
	cfgSvc  config.IService
	dataSvc data.IService

	mu         sync.RWMutex
	algorithms map[string]*algoPool

	supervise context.CancelFunc
	done      chan struct{}
}

func New(cfgSvc config.IService, dataSvc data.IService) *Pool {
	p := &Pool{
		cfgSvc:     cfgSvc,
		dataSvc:    dataSvc,
		algorithms: map[string]*algoPool{},
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.supervise = cancel
	p.done = make(chan struct{})
	go p.supervisor(ctx)

	return p
}

// RegisterAlgorithm activates an algorithm package for pooling. The manifest
// is validated before activation; max_instances defaults to the configured
// pool size when the record leaves it unset.
func (p *Pool) RegisterAlgorithm(rec model.Algorithm, manifest algorithm.Manifest) error {
	if err := manifest.Validate(); err != nil {
		return err
	}

	if rec.MaxInstances < 1 {
		rec.MaxInstances = p.cfgSvc.GetDefaultPoolSize()
	}
	rec.CurrentInstances = 0
	rec.Status = model.AlgorithmReady

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.algorithms[rec.ID]; ok {
		return model.ValidationError{Field: "id", Message: "algorithm already registered"}
	}

	p.algorithms[rec.ID] = &algoPool{
		manifest:  manifest,
		rec:       rec,
		instances: map[string]*Instance{},
		idle:      make(chan *Instance, rec.MaxInstances),
		stats:     model.PoolStats{AlgorithmID: rec.ID},
	}

	return p.dataSvc.UpsertAlgorithm(rec)
}

func (p *Pool) Algorithm(algorithmID string) (model.Algorithm, error) {
	ap, err := p.lookup(algorithmID)
	if err != nil {
		return model.Algorithm{}, err
	}

	ap.mu.Lock()
	defer ap.mu.Unlock()
	return ap.rec, nil
}

// Acquire returns an Idle instance, creating and warming a new one when the
// pool has headroom. With the pool at max_instances and nothing idle it
// blocks up to timeout, then fails with ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context, algorithmID string, timeout time.Duration) (*Instance, error) {
	ap, err := p.lookup(algorithmID)
	if err != nil {
		return nil, err
	}

	ap.mu.Lock()
	ap.stats.Acquires++
	ap.mu.Unlock()

	// Fast path: something is idle right now.
	select {
	case inst := <-ap.idle:
		inst.setState(model.InstanceBusy)
		return inst, nil
	default:
	}

	inst, created, err := p.createIfRoom(ap)
	if err != nil {
		return nil, err
	}
	if created {
		inst.setState(model.InstanceBusy)
		return inst, nil
	}

	// Pool is full: wait for a release.
	select {
	case inst := <-ap.idle:
		inst.setState(model.InstanceBusy)
		return inst, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		ap.mu.Lock()
		ap.stats.Exhausted++
		ap.mu.Unlock()
		return nil, ErrPoolExhausted
	}
}

// Release marks the instance Idle and hands it back to waiters. Errored
// instances are left to the supervisor.
func (p *Pool) Release(inst *Instance) {
	if inst == nil {
		return
	}

	ap, err := p.lookup(inst.AlgorithmID)
	if err != nil {
		return
	}

	inst.mu.Lock()
	if inst.state == model.InstanceError {
		inst.mu.Unlock()
		return
	}
	inst.state = model.InstanceIdle
	inst.useCount++
	inst.lastUsed = time.Now()
	inst.mu.Unlock()

	select {
	case ap.idle <- inst:
	default:
		// Can only happen if Release is called twice for one Acquire.
		lgr.Logger.Warn(
			"idle channel full on release, dropping duplicate",
			slog.String("instanceID", inst.ID),
		)
	}
}

// Infer runs one frame through the instance's worker and waits for the
// structured result. A crash comes back as ErrWorkerCrash, never as a panic.
func (p *Pool) Infer(inst *Instance, frame model.Frame) ([]model.Detection, error) {
	if inst.State() == model.InstanceError {
		return nil, ErrInstanceDead
	}

	reply := make(chan inferReply, 1)
	select {
	case inst.reqCh <- inferRequest{frame: frame, reply: reply}:
	default:
		// Single-owner contract violated or worker already dead.
		return nil, ErrInstanceDead
	}

	res := <-reply
	return res.detections, res.err
}

func (p *Pool) Stats(algorithmID string) (model.PoolStats, error) {
	ap, err := p.lookup(algorithmID)
	if err != nil {
		return model.PoolStats{}, err
	}

	ap.mu.Lock()
	defer ap.mu.Unlock()

	stats := ap.stats
	stats.Instances = len(ap.instances)
	busy := 0
	for _, inst := range ap.instances {
		if inst.State() == model.InstanceBusy {
			busy++
		}
	}
	stats.Busy = busy
	stats.Timestamp = time.Now().Unix()
	return stats, nil
}

// Shutdown stops the supervisor and releases every handle.
func (p *Pool) Shutdown() {
	p.supervise()
	<-p.done

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ap := range p.algorithms {
		ap.mu.Lock()
		for id, inst := range ap.instances {
			close(inst.reqCh)
			inst.handle.Release()
			delete(ap.instances, id)
		}
		ap.rec.CurrentInstances = 0
		ap.mu.Unlock()
	}
}

func (p *Pool) lookup(algorithmID string) (*algoPool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ap, ok := p.algorithms[algorithmID]
	if !ok {
		return nil, model.ValidationError{Field: "algorithmId", Message: "algorithm not found"}
	}
	return ap, nil
}

// createIfRoom creates and warms a new instance when current < max.
// Returns created=false with no error when the pool is already full.
func (p *Pool) createIfRoom(ap *algoPool) (*Instance, bool, error) {
	ap.mu.Lock()
	if len(ap.instances) >= ap.rec.MaxInstances {
		ap.mu.Unlock()
		return nil, false, nil
	}

	// Reserve the slot before the (slow) load+warm so concurrent acquires
	// cannot overshoot max_instances.
	inst := &Instance{
		ID:          uuid.NewString(),
		AlgorithmID: ap.rec.ID,
		state:       model.InstanceWarming,
		reqCh:       make(chan inferRequest),
	}
	ap.instances[inst.ID] = inst
	ap.rec.CurrentInstances = len(ap.instances)
	ap.mu.Unlock()

	handle, err := algorithm.Load(ap.manifest)
	if err == nil {
		err = handle.Warmup()
		if err != nil {
			handle.Release()
		}
	}

	if err != nil {
		ap.mu.Lock()
		delete(ap.instances, inst.ID)
		ap.rec.CurrentInstances = len(ap.instances)
		ap.rec.Status = model.AlgorithmFailed
		ap.rec.LastError = err.Error()
		p.persistLocked(ap)
		ap.mu.Unlock()
		return nil, false, fmt.Errorf("error creating instance for %s: %w", ap.rec.ID, err)
	}

	inst.handle = handle
	inst.setState(model.InstanceIdle)
	go p.worker(inst)

	ap.mu.Lock()
	p.persistLocked(ap)
	ap.mu.Unlock()

	lgr.Logger.Info(
		"model instance warmed",
		slog.String("algorithmID", ap.rec.ID),
		slog.String("instanceID", inst.ID),
	)

	return inst, true, nil
}

// persistLocked mirrors the algorithm record through the storage boundary.
// Caller holds ap.mu.
func (p *Pool) persistLocked(ap *algoPool) {
	if err := p.dataSvc.UpsertAlgorithm(ap.rec); err != nil {
		lgr.Logger.Error("error persisting algorithm record", lgr.Err(err))
	}
}
