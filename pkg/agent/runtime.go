package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/netsatbench/netsatbench/pkg/command"
	"github.com/netsatbench/netsatbench/pkg/store"
	"github.com/netsatbench/netsatbench/pkg/topo"
	"github.com/netsatbench/netsatbench/pkg/util"
)

// runQueueDepth bounds the runtime-command queue (spec §5's "Runtime-
// command queues are bounded; an overrun drops oldest and logs loudly").
const runQueueDepth = 8

// runtimeExecutor serializes C7: at most one batch executes at a time,
// and a new batch is queued rather than run concurrently with one in
// flight.
type runtimeExecutor struct {
	mu           sync.Mutex
	lastExecuted int
	queue        chan topo.RunBatch
	startOnce    sync.Once
}

// WatchRuntime implements C7: watches /config/run/<self>, deduplicating
// by epoch counter and running each accepted batch's commands serially
// in a dedicated goroutine so the watch loop is never blocked by a
// long-running batch. Blocks until ctx is canceled.
func (a *Agent) WatchRuntime(ctx context.Context) error {
	if a.runtime == nil {
		a.runtime = &runtimeExecutor{queue: make(chan topo.RunBatch, runQueueDepth)}
	}
	rt := a.runtime
	rt.startOnce.Do(func() { go a.runQueueLoop(ctx, rt) })

	if err := a.loadInitialRunBatch(ctx, rt); err != nil {
		util.WithNode(a.Self).WithField("error", err).Warn("agent: initial run batch load failed")
	}

	if a.Watch == nil {
		return fmt.Errorf("agent: WatchRuntime called with no Watcher configured")
	}

	key := topo.RunKey(a.Self)
	ch := a.Watch.WatchPrefix(ctx, key)
	for ev := range ch {
		switch ev.Kind {
		case store.EventResync:
			if err := a.loadInitialRunBatch(ctx, rt); err != nil {
				util.WithNode(a.Self).WithField("error", err).Warn("agent: run batch resync failed")
			}
		case store.EventPut:
			if ev.Key != key {
				continue
			}
			a.enqueueRunBatch(rt, ev.Value)
		case store.EventDelete:
			// DELETE events are ignored per spec §4.7.
		}
	}
	return ctx.Err()
}

func (a *Agent) loadInitialRunBatch(ctx context.Context, rt *runtimeExecutor) error {
	raw, found, err := a.KV.Get(ctx, topo.RunKey(a.Self))
	if err != nil {
		return fmt.Errorf("agent: reading run batch: %w", err)
	}
	if !found {
		return nil
	}
	a.enqueueRunBatch(rt, raw)
	return nil
}

func (a *Agent) enqueueRunBatch(rt *runtimeExecutor, raw string) {
	var batch topo.RunBatch
	if err := json.Unmarshal([]byte(raw), &batch); err != nil {
		util.WithNode(a.Self).WithField("error", err).Warn("agent: malformed run batch, ignoring")
		return
	}

	rt.mu.Lock()
	if batch.EpochCounter <= rt.lastExecuted {
		rt.mu.Unlock()
		util.WithNode(a.Self).WithEpoch(batch.EpochCounter).Debug("agent: run batch already executed, ignoring replay")
		return
	}
	rt.mu.Unlock()

	select {
	case rt.queue <- batch:
	default:
		// Queue full: drop the oldest pending batch to make room, per
		// spec §5's bounded-queue overrun policy, and log loudly.
		select {
		case <-rt.queue:
			util.WithNode(a.Self).Warn("agent: run queue overrun, dropped oldest pending batch")
		default:
		}
		select {
		case rt.queue <- batch:
		default:
			util.WithNode(a.Self).Warn("agent: run queue still full after eviction, dropping new batch")
		}
	}
}

func (a *Agent) runQueueLoop(ctx context.Context, rt *runtimeExecutor) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-rt.queue:
			a.executeRunBatch(ctx, rt, batch)
		}
	}
}

// executeRunBatch joins the batch's commands with "&&" and runs them as
// a single shell invocation, so command i+1 only runs if command i
// succeeded (C7's serial, short-circuiting semantics).
func (a *Agent) executeRunBatch(ctx context.Context, rt *runtimeExecutor, batch topo.RunBatch) {
	log := util.WithNode(a.Self).WithEpoch(batch.EpochCounter)
	if len(batch.Commands) == 0 {
		rt.mu.Lock()
		rt.lastExecuted = batch.EpochCounter
		rt.mu.Unlock()
		return
	}

	log.Info("agent: executing run batch")
	joined := command.Chain(batch.Commands)
	res, err := a.Runner.Run(ctx, joined)
	if err != nil {
		log.WithField("error", err).Warn("agent: run batch invocation failed")
	} else if !res.Succeeded() {
		log.WithField("exit_code", res.ExitCode).WithField("stderr", res.Stderr).Warn("agent: run batch exited non-zero")
	} else {
		log.Info("agent: run batch completed")
	}

	rt.mu.Lock()
	rt.lastExecuted = batch.EpochCounter
	rt.mu.Unlock()

	if err := a.KV.Put(ctx, topo.RunAckKey(a.Self), fmt.Sprintf("%d", batch.EpochCounter)); err != nil {
		log.WithField("error", err).Warn("agent: publishing run-ack failed")
	}
}
