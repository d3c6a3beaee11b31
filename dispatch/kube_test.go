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
	"reflect"
	"strings"
	"testing"

	core "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func testJobArgs(job Job) []string {
	return []string{
		"--job_cycle=" + job.Cycle,
		"--job_region=" + job.Region,
		fmt.Sprintf("--job_member=%d", job.Member),
		"--job_grid_file=" + job.GridFile,
	}
}

func TestCreateJob(t *testing.T) {
	k := NewKube(fake.NewSimpleClientset(), "", testJobArgs)
	k.Volumes = []core.Volume{{Name: "forecast-data"}}
	job := Job{Cycle: "20200101.12", Region: "tx-gulf", Member: 7, GridFile: "/data/7.Runoff.nc"}
	k8sJob := k.createJob(job)

	if k8sJob.Name != job.Name() {
		t.Errorf("job name %q; want %q", k8sJob.Name, job.Name())
	}
	c := k8sJob.Spec.Template.Spec.Containers[0]
	if !reflect.DeepEqual(c.Command, []string{"streamcast", "member"}) {
		t.Errorf("command %v; want [streamcast member]", c.Command)
	}
	if !reflect.DeepEqual(c.Args, testJobArgs(job)) {
		t.Errorf("args %v", c.Args)
	}
	if c.Image != "streamcast/streamcast:latest" {
		t.Errorf("image %q", c.Image)
	}
	if got := c.Resources.Requests[core.ResourceCPU]; got.Value() != 1 {
		t.Errorf("cpu request %v; want 1", got)
	}
	if got := c.Resources.Requests[core.ResourceMemory]; got.String() != "2Gi" {
		t.Errorf("memory request %v; want 2Gi", got)
	}
	if len(c.VolumeMounts) != 1 {
		t.Fatalf("%d volume mounts; want 1", len(c.VolumeMounts))
	}
	vm := c.VolumeMounts[0]
	if !vm.ReadOnly || vm.MountPath != "/data/forecast-data" {
		t.Errorf("volume mount %+v; want read-only at /data/forecast-data", vm)
	}
	if got := k8sJob.Spec.Template.Spec.RestartPolicy; got != core.RestartPolicyOnFailure {
		t.Errorf("restart policy %q; want OnFailure", got)
	}
}

func TestNewKube_defaults(t *testing.T) {
	k := NewKube(fake.NewSimpleClientset(), "", testJobArgs)
	if k.Image != "streamcast/streamcast:latest" {
		t.Errorf("image %q", k.Image)
	}
	if k.CPUs != 1 || k.MemoryGB != 2 {
		t.Errorf("resources %d cpus / %d GB; want 1 / 2", k.CPUs, k.MemoryGB)
	}
}

func TestFakeKube(t *testing.T) {
	// The fake backend executes the container command locally. The
	// streamcast executable is not on PATH here, so the job is expected
	// to fail; what we verify is the serialized command line and the
	// failure surfacing through Wait.
	job := Job{Cycle: "20200101.12", Region: "tx-gulf", Member: 7, GridFile: "/data/7.Runoff.nc"}
	checked := false
	checkConfig := func(cmd []string) {
		checked = true
		want := append([]string{"streamcast", "member"}, testJobArgs(job)...)
		if !reflect.DeepEqual(cmd, want) {
			t.Errorf("command %v; want %v", cmd, want)
		}
	}
	var ranErr error
	checkRun := func(o []byte, err error) { ranErr = err }
	k := NewFakeKube(checkConfig, checkRun, "", testJobArgs)

	ctx := context.Background()
	h, err := k.Submit(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	if !checked {
		t.Fatal("checkConfig never ran")
	}
	if ranErr == nil {
		t.Skip("a streamcast executable is on PATH; skipping the failure-path check")
	}
	o := h.Wait(ctx)
	if o.Err == nil {
		t.Fatal("expected the job failure to surface through Wait")
	}
	if !strings.Contains(o.Err.Error(), job.Name()) {
		t.Errorf("error %v does not name the job", o.Err)
	}
}
