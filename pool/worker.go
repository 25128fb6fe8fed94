package pool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/khaledhikmat/va-go/model"
	"github.com/khaledhikmat/va-go/service/lgr"
)

// worker is the isolated execution context of one instance. It dies on the
// first crash; the supervisor notices the Error state and respawns.
func (p *Pool) worker(inst *Instance) {
	for req := range inst.reqCh {
		detections, err := safeInfer(inst, req.frame)
		req.reply <- inferReply{detections: detections, err: err}

		if err != nil && inst.State() == model.InstanceError {
			return
		}
	}
}

// safeInfer converts a panicking model into a structured ErrWorkerCrash so
// no failure crosses the worker boundary.
func safeInfer(inst *Instance, frame model.Frame) (detections []model.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			inst.setState(model.InstanceError)
			err = fmt.Errorf("%w: %v", ErrWorkerCrash, r)
			lgr.Logger.Error(
				"inference worker crashed",
				slog.String("instanceID", inst.ID),
				slog.String("algorithmID", inst.AlgorithmID),
				slog.Any("panic", r),
			)
		}
	}()

	return inst.handle.Infer(frame)
}

// supervisor sweeps for dead instances, reaps them and respawns replacements
// up to max_instances. Respawn failures are logged and surfaced on the
// algorithm status, never propagated to callers.
func (p *Pool) supervisor(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	p.mu.RLock()
	pools := make([]*algoPool, 0, len(p.algorithms))
	for _, ap := range p.algorithms {
		pools = append(pools, ap)
	}
	p.mu.RUnlock()

	for _, ap := range pools {
		p.reapDead(ap)
	}
}

func (p *Pool) reapDead(ap *algoPool) {
	ap.mu.Lock()
	dead := []*Instance{}
	for _, inst := range ap.instances {
		if inst.State() == model.InstanceError {
			dead = append(dead, inst)
		}
	}

	for _, inst := range dead {
		// The worker goroutine already exited on the crash; only the handle
		// needs releasing.
		inst.handle.Release()
		delete(ap.instances, inst.ID)
		ap.stats.Respawns++
	}
	ap.rec.CurrentInstances = len(ap.instances)
	if len(dead) > 0 {
		ap.rec.Status = model.AlgorithmDegraded
		p.persistLocked(ap)
	}
	ap.mu.Unlock()

	// Spawn one warmed replacement per reaped instance; a later Acquire can
	// create more on demand up to max_instances.
	for range dead {
		inst, created, err := p.createIfRoom(ap)
		if err != nil {
			lgr.Logger.Error(
				"error respawning model instance",
				slog.String("algorithmID", ap.rec.ID),
				lgr.Err(err),
			)
			continue
		}
		if !created {
			continue
		}

		select {
		case ap.idle <- inst:
		default:
			inst.setState(model.InstanceError)
		}

		ap.mu.Lock()
		if ap.rec.Status == model.AlgorithmDegraded {
			ap.rec.Status = model.AlgorithmReady
			p.persistLocked(ap)
		}
		ap.mu.Unlock()
	}
}
