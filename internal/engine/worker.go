package engine

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ublksrv/goublk/internal/ctrl"
	"github.com/ublksrv/goublk/internal/logging"
)

// WorkerConfig describes the set of queues to spawn for one device.
type WorkerConfig struct {
	Dev         *Dev
	NumQueues   int
	QueueDepth  int
	BlockSize   int
	CPUAffinity []int // optional override; nil means use kernel-reported mask
	Logger      *logging.Logger
}

// published is one queue thread's identity, written once by the thread and
// read by the coordinator after every thread has reported in.
type published struct {
	qid      uint32
	tid      int32
	affinity []int
}

// Worker spawns one OS thread per hardware queue, waits for every thread to
// publish its kernel tid, builds the device's JSON record, and brings the
// device up. It mirrors the original's coordinator thread, but expressed
// with errgroup instead of a hand-rolled WaitGroup and error channel.
type Worker struct {
	cfg    WorkerConfig
	ctl    *ctrl.Ctrl
	queues []*Queue
	g      *errgroup.Group

	mu        sync.Mutex
	published []published
}

// NewWorker prepares a Worker for the given device and control handle.
func NewWorker(cfg WorkerConfig, ctl *ctrl.Ctrl) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Worker{cfg: cfg, ctl: ctl}
}

// Run spawns all queue threads, waits for them to publish their identity,
// starts the device, and blocks until every queue thread exits (which
// happens when the kernel tears the device down via STOP_DEV). It then
// issues the stop_dev policy. Suitable for a standalone daemon that has no
// other work to do while the device is up; library callers that need to
// return control to their caller once the device is live should use Start
// instead.
func (w *Worker) Run(ctx context.Context, params *ctrl.DeviceParams) error {
	done, err := w.Start(ctx, params)
	if err != nil {
		return err
	}
	return <-done
}

// Start spawns all queue threads, waits for them to publish their identity,
// and brings the device up (SET_PARAMS/JSON flush/START_DEV via the
// start_dev policy). It returns as soon as the device is live, handing back
// a channel that receives exactly one value — the error from joining every
// queue thread — once the kernel tears the device down and every queue's
// run loop has exited. The stop_dev policy (JSON removal, STOP_DEV) is
// issued right before that value is sent.
func (w *Worker) Start(ctx context.Context, params *ctrl.DeviceParams) (<-chan error, error) {
	w.g, _ = errgroup.WithContext(ctx)

	w.queues = make([]*Queue, w.cfg.NumQueues)
	ready := make(chan struct{}, w.cfg.NumQueues)

	for i := 0; i < w.cfg.NumQueues; i++ {
		qid := uint16(i)
		w.g.Go(func() error {
			return w.runQueue(qid, ready)
		})
	}

	for i := 0; i < w.cfg.NumQueues; i++ {
		<-ready
	}

	if err := w.buildAndStart(params); err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	go func() {
		err := w.g.Wait()
		if stopErr := w.ctl.StopDev(w.cfg.Dev.DevID); stopErr != nil {
			w.cfg.Logger.Warn("stop_dev failed", "dev_id", w.cfg.Dev.DevID, "error", stopErr)
		}
		done <- err
	}()
	return done, nil
}

// runQueue is the body of one queue thread: pin to the OS thread, set
// affinity, construct the Queue, publish identity, prime, then run.
func (w *Worker) runQueue(qid uint16, ready chan<- struct{}) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	affinity := w.cfg.CPUAffinity
	if len(affinity) == 0 {
		affinity, _ = w.ctl.GetQueueAffinity(w.cfg.Dev.DevID, uint32(qid))
	}
	if len(affinity) > 0 {
		var mask unix.CPUSet
		for _, cpu := range affinity {
			mask.Set(cpu)
		}
		if err := unix.SchedSetaffinity(0, &mask); err != nil {
			w.cfg.Logger.Warn("set affinity failed", "qid", qid, "error", err)
		}
	}

	q, err := NewQueue(QueueConfig{
		Dev:       w.cfg.Dev,
		QID:       qid,
		Depth:     w.cfg.QueueDepth,
		BlockSize: w.cfg.BlockSize,
		Logger:    w.cfg.Logger,
	})
	if err != nil {
		ready <- struct{}{}
		return fmt.Errorf("engine: worker: build queue %d: %w", qid, err)
	}
	w.mu.Lock()
	w.queues[qid] = q
	w.mu.Unlock()

	w.publish(published{qid: uint32(qid), tid: unix.Gettid(), affinity: affinity})
	defer q.Close()

	if err := q.Prime(); err != nil {
		ready <- struct{}{}
		return fmt.Errorf("engine: worker: prime queue %d: %w", qid, err)
	}
	// Only now is this queue ready for START_DEV to observe its FETCH_REQs.
	ready <- struct{}{}
	return q.Run()
}

func (w *Worker) publish(p published) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.published = append(w.published, p)
}

// buildAndStart assembles the JSON record from dev_info + target + every
// published queue identity, flushes it, then issues start_dev.
func (w *Worker) buildAndStart(params *ctrl.DeviceParams) error {
	w.mu.Lock()
	queues := make([]ctrl.QueueRecord, 0, len(w.published))
	for _, p := range w.published {
		queues = append(queues, ctrl.QueueRecord{QID: p.qid, TID: p.tid, Affinity: p.affinity})
	}
	w.mu.Unlock()

	tgtType := ""
	if w.cfg.Dev.Target != nil {
		tgtType = w.cfg.Dev.Target.TgtType()
	}
	w.ctl.BuildJSON(w.cfg.Dev.Info, ctrl.TgtCfg{
		TgtType: tgtType,
		DevSize: w.cfg.Dev.DevSize,
		Params:  w.cfg.Dev.Params,
	}, w.cfg.Dev.TargetData, queues)

	return w.ctl.StartDev(w.cfg.Dev.DevID, params)
}
