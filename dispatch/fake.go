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
	"fmt"
	"os/exec"

	batch "k8s.io/api/batch/v1"
	core "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

// NewFakeKube creates a Kubernetes dispatcher for testing. Jobs
// created through it run locally as subprocesses, so the streamcast
// command must be compiled and on PATH for it to work. The
// checkConfig and checkRun functions, if not nil, are run before and
// after executing each job's command, respectively.
func NewFakeKube(checkConfig func([]string), checkRun func([]byte, error), namespace string, jobArgs func(job Job) []string) *Kube {
	k8sClient := fake.NewSimpleClientset()
	jobs := make([]batch.Job, 0, 1000)
	k8sClient.Fake.PrependReactor("create", "jobs", fakeRun(checkConfig, checkRun, &jobs))
	k8sClient.Fake.PrependReactor("list", "jobs", fakeList(&jobs))
	k := NewKube(k8sClient, namespace, jobArgs)
	k.PollInterval = 0
	return k
}

// fakeRun executes the job's command locally and marks the job
// complete or failed based on the exit status.
func fakeRun(checkConfig func([]string), checkRun func([]byte, error), jobs *[]batch.Job) func(action k8stesting.Action) (handled bool, ret runtime.Object, err error) {
	return func(action k8stesting.Action) (handled bool, ret runtime.Object, err error) {
		job := action.(k8stesting.CreateAction).GetObject().(*batch.Job)
		cmd := job.Spec.Template.Spec.Containers[0].Command
		cmd = append(cmd, job.Spec.Template.Spec.Containers[0].Args...)

		if checkConfig != nil {
			checkConfig(cmd)
		}

		xcmd := exec.Command(cmd[0], cmd[1:]...)
		o, runErr := xcmd.CombinedOutput()
		if checkRun != nil {
			checkRun(o, runErr)
		}

		if runErr != nil {
			job.Status.Conditions = []batch.JobCondition{{
				Type:    batch.JobFailed,
				Status:  core.ConditionTrue,
				Message: fmt.Sprintf("%v: %s", runErr, o),
			}}
			job.Status.Failed = 1
		} else {
			job.Status.Conditions = []batch.JobCondition{{
				Type:   batch.JobComplete,
				Status: core.ConditionTrue,
			}}
			job.Status.Succeeded = 1
		}

		*jobs = append(*jobs, *job)
		return false, job, nil
	}
}

// fakeList returns the jobs that have been run so far.
func fakeList(jobs *[]batch.Job) func(action k8stesting.Action) (handled bool, ret runtime.Object, err error) {
	return func(action k8stesting.Action) (handled bool, ret runtime.Object, err error) {
		return true, &batch.JobList{Items: *jobs}, nil
	}
}
