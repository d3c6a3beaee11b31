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

// Package dispatch submits ensemble member routing jobs to a
// processing backend and awaits their outcomes. The local backend
// runs jobs in a bounded worker pool on the controller host; the
// Kubernetes backend runs each job as a batch Job in a cluster.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// A Job identifies one ensemble member routing run.
type Job struct {
	// Cycle is the forecast cycle directory name, e.g. "20200101.12".
	Cycle string

	// Region is the watershed-subbasin directory name.
	Region string

	// Member is the ensemble member index.
	Member int

	// GridFile is the path of the member's gridded runoff file.
	GridFile string

	// LogFile is the path the routing kernel log is written to.
	LogFile string
}

// Name returns a backend-safe identifier for the job.
func (j Job) Name() string {
	s := fmt.Sprintf("%s-%s-%d", j.Cycle, j.Region, j.Member)
	s = strings.ToLower(s)
	for _, r := range []string{"_", "."} {
		s = strings.Replace(s, r, "-", -1)
	}
	return s
}

// An Outcome is the terminal result of one submitted job.
type Outcome struct {
	Job      Job
	Err      error
	Duration time.Duration
}

// A Handle tracks one submitted job.
type Handle interface {
	// Wait blocks until the job reaches a terminal state or ctx is
	// canceled.
	Wait(ctx context.Context) Outcome
}

// A Dispatcher submits jobs to a processing backend.
type Dispatcher interface {
	Submit(ctx context.Context, job Job) (Handle, error)
}

// AwaitAll waits for every handle and returns the outcomes in
// submission order. One job's failure does not interrupt the others.
func AwaitAll(ctx context.Context, handles []Handle) []Outcome {
	o := make([]Outcome, len(handles))
	done := make(chan int)
	for i, h := range handles {
		go func(i int, h Handle) {
			o[i] = h.Wait(ctx)
			done <- i
		}(i, h)
	}
	for range handles {
		<-done
	}
	return o
}

// FirstError returns the first failed outcome's error, or nil when
// all jobs succeeded.
func FirstError(outcomes []Outcome) error {
	for _, o := range outcomes {
		if o.Err != nil {
			return fmt.Errorf("dispatch: job %s: %v", o.Job.Name(), o.Err)
		}
	}
	return nil
}
