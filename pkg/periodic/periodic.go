// Copyright 2018 Anapaya Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// Derived from scionproto/scion go/lib/periodic. Modified to use a
// benbjohnson/clock ticker and a parent context.

// Package periodic runs tasks on a fixed cadence without overlapping executions.
package periodic

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/niports/tracking-relay/internal/log"
)

// A Task that has to be periodically executed.
type Task interface {
	// Run executes the task once. It should return within the context's timeout.
	Run(context.Context)
	// Name identifies the task in logs.
	Name() string
}

// Runner runs a task periodically. Executions happen one at a time on the runner's goroutine, so
// a slow execution delays (and coalesces) later ticks instead of overlapping with them.
type Runner struct {
	task         Task
	ticker       *clock.Ticker
	timeout      time.Duration
	stop         chan struct{}
	loopFinished chan struct{}
	ctx          context.Context
	cancelF      context.CancelFunc
	trigger      chan struct{}
	running      atomic.Bool
}

// Start creates and starts a Runner that executes task every period, as measured by clk. Each
// execution gets a context bounded by timeout and derived from ctx.
func Start(ctx context.Context, task Task, clk clock.Clock, period, timeout time.Duration) *Runner {
	ctx, cancelF := context.WithCancel(ctx)
	r := &Runner{
		task:         task,
		ticker:       clk.Ticker(period),
		timeout:      timeout,
		stop:         make(chan struct{}),
		loopFinished: make(chan struct{}),
		ctx:          ctx,
		cancelF:      cancelF,
		trigger:      make(chan struct{}, 1),
	}
	log.Debug("Starting %s every %s", task.Name(), period)
	go r.runLoop()
	return r
}

// Stop stops the periodic execution of the Runner. If the task is currently running this method
// blocks until it is done.
func (r *Runner) Stop() {
	r.ticker.Stop()
	close(r.stop)
	<-r.loopFinished
}

// Kill is like Stop but it also cancels the context of the current execution.
func (r *Runner) Kill() {
	r.ticker.Stop()
	close(r.stop)
	r.cancelF()
	<-r.loopFinished
}

// Done is closed once the runner has stopped, either through Stop/Kill or because the parent
// context ended.
func (r *Runner) Done() <-chan struct{} {
	return r.loopFinished
}

// TriggerRun requests an execution outside the normal cadence and returns immediately. The request
// is dropped if an execution is in flight or another request is already pending. The regular
// period is not reset.
func (r *Runner) TriggerRun() bool {
	if r.running.Load() {
		log.Debug("%s already running; trigger dropped", r.task.Name())
		return false
	}
	select {
	case r.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

func (r *Runner) runLoop() {
	defer close(r.loopFinished)
	defer r.cancelF()
	for {
		select {
		case <-r.stop:
			return
		case <-r.ctx.Done():
			r.ticker.Stop()
			return
		case <-r.ticker.C:
			r.onTick()
		case <-r.trigger:
			r.onTick()
		}
	}
}

func (r *Runner) onTick() {
	select {
	// Make sure that stop is evaluated first, so that a Kill racing with a tick never starts a
	// new execution.
	case <-r.stop:
		return
	default:
	}
	r.running.Store(true)
	defer r.running.Store(false)
	ctx, cancelF := context.WithTimeout(r.ctx, r.timeout)
	defer cancelF()
	r.task.Run(ctx)
}
