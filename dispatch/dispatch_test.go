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
	"errors"
	"strings"
	"testing"
)

func TestJobName(t *testing.T) {
	job := Job{Cycle: "20200101.12", Region: "tx_gulf-huc_2_12", Member: 7}
	want := "20200101-12-tx-gulf-huc-2-12-7"
	if got := job.Name(); got != want {
		t.Errorf("Name = %q; want %q", got, want)
	}
	// Kubernetes object names must be lowercase alphanumerics and
	// hyphens.
	for _, r := range job.Name() {
		if !(r == '-' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			t.Errorf("Name contains invalid rune %q", r)
		}
	}
}

type doneHandle struct{ o Outcome }

func (h doneHandle) Wait(ctx context.Context) Outcome { return h.o }

func TestAwaitAll(t *testing.T) {
	boom := errors.New("boom")
	handles := []Handle{
		doneHandle{Outcome{Job: Job{Member: 1}}},
		doneHandle{Outcome{Job: Job{Member: 2}, Err: boom}},
		doneHandle{Outcome{Job: Job{Member: 3}}},
	}
	outcomes := AwaitAll(context.Background(), handles)
	if len(outcomes) != 3 {
		t.Fatalf("%d outcomes; want 3", len(outcomes))
	}
	// Submission order is preserved.
	for i, o := range outcomes {
		if o.Job.Member != i+1 {
			t.Errorf("outcome %d is member %d", i, o.Job.Member)
		}
	}
	if outcomes[1].Err != boom {
		t.Errorf("outcome 1 error %v; want boom", outcomes[1].Err)
	}

	err := FirstError(outcomes)
	if err == nil {
		t.Fatal("FirstError = nil; want an error")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("FirstError = %v; want it to wrap boom", err)
	}
	if err := FirstError(outcomes[:1]); err != nil {
		t.Errorf("FirstError of successes = %v; want nil", err)
	}
}
