/*
Copyright © 2018 the StreamCast authors.
This file is part of StreamCast.

StreamCast is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

StreamCast is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with StreamCast.  If not, see <http://www.gnu.org/licenses/>.
*/

package dispatch

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"
)

// A RunFunc executes one member job with scratchDir as its private
// working directory.
type RunFunc func(ctx context.Context, job Job, scratchDir string) error

// Local runs jobs on the controller host in a bounded worker pool,
// giving each job a private scratch directory that is removed when
// the job finishes.
type Local struct {
	// Run executes one job.
	Run RunFunc

	// ExecuteDir is the parent of job scratch directories.
	ExecuteDir string

	// Workers bounds the number of concurrently running jobs;
	// runtime.GOMAXPROCS(-1) if zero.
	Workers int

	jobChan chan *localHandle
	once    sync.Once
}

// NewLocal returns a local dispatcher running jobs with run under
// executeDir.
func NewLocal(run RunFunc, executeDir string, workers int) *Local {
	return &Local{Run: run, ExecuteDir: executeDir, Workers: workers}
}

type localHandle struct {
	job     Job
	ctx     context.Context
	done    chan struct{}
	outcome Outcome
}

func (h *localHandle) Wait(ctx context.Context) Outcome {
	select {
	case <-h.done:
		return h.outcome
	case <-ctx.Done():
		return Outcome{Job: h.job, Err: ctx.Err()}
	}
}

func (l *Local) lazyStart() {
	l.once.Do(func() {
		workers := l.Workers
		if workers <= 0 {
			workers = runtime.GOMAXPROCS(-1)
		}
		l.jobChan = make(chan *localHandle, workers*2)
		for i := 0; i < workers; i++ {
			go func() {
				for h := range l.jobChan {
					h.outcome = l.runOne(h.ctx, h.job)
					close(h.done)
				}
			}()
		}
	})
}

func (l *Local) runOne(ctx context.Context, job Job) Outcome {
	start := time.Now()
	scratch, err := os.MkdirTemp(l.ExecuteDir, job.Name()+"_")
	if err != nil {
		return Outcome{Job: job, Err: fmt.Errorf("dispatch: creating scratch directory: %v", err)}
	}
	defer os.RemoveAll(scratch)
	if err := l.Run(ctx, job, scratch); err != nil {
		return Outcome{Job: job, Err: err, Duration: time.Since(start)}
	}
	return Outcome{Job: job, Duration: time.Since(start)}
}

// Submit queues the job on the worker pool.
func (l *Local) Submit(ctx context.Context, job Job) (Handle, error) {
	if l.Run == nil {
		return nil, fmt.Errorf("dispatch: local dispatcher has no run function")
	}
	if err := os.MkdirAll(l.ExecuteDir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("dispatch: creating execute directory: %v", err)
	}
	l.lazyStart()
	h := &localHandle{job: job, ctx: ctx, done: make(chan struct{})}
	select {
	case l.jobChan <- h:
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
