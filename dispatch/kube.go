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
	"log"
	"time"

	"github.com/cenkalti/backoff"
	batch "k8s.io/api/batch/v1"
	core "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	meta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	batchclient "k8s.io/client-go/kubernetes/typed/batch/v1"
)

// DefaultNamespace is the namespace member jobs run in when none is
// configured.
const DefaultNamespace = "streamcast-distributed"

// Kube submits each member job as a Kubernetes batch Job that runs
// the member subcommand in a container.
type Kube struct {
	kubernetes.Interface
	jobControl batchclient.JobInterface

	// Image holds the container image to be used.
	// The default is "streamcast/streamcast:latest".
	Image string

	// JobArgs converts a job to the command-line arguments of the
	// member subcommand run inside the container.
	JobArgs func(job Job) []string

	// Volumes specifies any Kubernetes volumes that are to be
	// mounted in the containers that are created.
	// Each volume will be mounted at /data/volumeName
	// with read-only access.
	Volumes []core.Volume

	// CPUs is the processor request of each job container.
	CPUs int

	// MemoryGB is the memory request of each job container in
	// gigabytes.
	MemoryGB int

	// PollInterval is how often job status is checked while waiting.
	PollInterval time.Duration
}

// NewKube returns a Kubernetes dispatcher creating jobs through k in
// the given namespace. jobArgs serializes a job to the member
// subcommand's arguments.
func NewKube(k kubernetes.Interface, namespace string, jobArgs func(job Job) []string) *Kube {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Kube{
		Interface:    k,
		jobControl:   k.BatchV1().Jobs(namespace),
		Image:        "streamcast/streamcast:latest",
		JobArgs:      jobArgs,
		CPUs:         1,
		MemoryGB:     2,
		PollInterval: 10 * time.Second,
	}
}

// Submit creates (and queues) a Kubernetes job executing the member
// subcommand for the given job. Creation is retried with exponential
// backoff, since the API server rejects requests when briefly
// unavailable.
func (k *Kube) Submit(ctx context.Context, job Job) (Handle, error) {
	k8sJob := k.createJob(job)
	err := backoff.RetryNotify(
		func() error {
			_, err := k.jobControl.Create(k8sJob)
			return err
		},
		backoff.NewExponentialBackOff(),
		func(err error, d time.Duration) {
			log.Printf("dispatch: creating job %s: %v: retrying in %v", job.Name(), err, d)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("dispatch: creating job %s: %v", job.Name(), err)
	}
	return &kubeHandle{k: k, job: job}, nil
}

type kubeHandle struct {
	k   *Kube
	job Job
}

func (h *kubeHandle) Wait(ctx context.Context) Outcome {
	start := time.Now()
	interval := h.k.PollInterval
	if interval <= 0 {
		interval = time.Millisecond
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		done, err := h.k.finished(h.job)
		if err != nil {
			return Outcome{Job: h.job, Err: err, Duration: time.Since(start)}
		}
		if done {
			return Outcome{Job: h.job, Duration: time.Since(start)}
		}
		select {
		case <-tick.C:
		case <-ctx.Done():
			return Outcome{Job: h.job, Err: ctx.Err(), Duration: time.Since(start)}
		}
	}
}

// finished reports whether the job has completed, returning an error
// if it failed. Job state comes from the last recorded condition; a
// job with no conditions is still waiting or running.
func (k *Kube) finished(job Job) (bool, error) {
	k8sJob, err := k.getk8sJob(job)
	if err != nil {
		return false, err
	}
	if n := len(k8sJob.Status.Conditions); n > 0 {
		cond := k8sJob.Status.Conditions[n-1]
		if cond.Type == batch.JobComplete && cond.Status == core.ConditionTrue {
			return true, nil
		}
		if cond.Type == batch.JobFailed && cond.Status == core.ConditionTrue {
			return false, fmt.Errorf("dispatch: job %s failed: %s", job.Name(), cond.Message)
		}
	}
	return false, nil
}

func (k *Kube) getk8sJob(job Job) (*batch.Job, error) {
	jobList, err := k.jobControl.List(meta.ListOptions{})
	if err != nil {
		return nil, err
	}
	for _, k8sJob := range jobList.Items {
		if k8sJob.GetName() == job.Name() {
			return &k8sJob, nil
		}
	}
	return nil, fmt.Errorf("dispatch: cannot find job %s", job.Name())
}

// Delete removes the Kubernetes job for the given member job.
func (k *Kube) Delete(job Job) error {
	p := meta.DeletePropagationForeground
	return k.jobControl.Delete(job.Name(), &meta.DeleteOptions{PropagationPolicy: &p})
}

// createJob creates a Kubernetes job specification executing the
// member subcommand. volumes are mounted read-only at
// /data/volumeName.
func (k *Kube) createJob(job Job) *batch.Job {
	volumeMounts := make([]core.VolumeMount, len(k.Volumes))
	for i, v := range k.Volumes {
		volumeMounts[i] = core.VolumeMount{
			Name:      v.Name,
			ReadOnly:  true,
			MountPath: "/data/" + v.Name,
		}
	}
	return &batch.Job{
		TypeMeta: meta.TypeMeta{
			Kind:       "Job",
			APIVersion: "batch/v1",
		},
		ObjectMeta: meta.ObjectMeta{
			Name: job.Name(),
		},
		Spec: batch.JobSpec{
			Template: core.PodTemplateSpec{
				ObjectMeta: meta.ObjectMeta{
					Name:   job.Name() + "_pod",
					Labels: map[string]string{"app": "streamcast-distributed"},
				},
				Spec: core.PodSpec{
					Containers: []core.Container{
						{
							Name:    "streamcast-container",
							Image:   k.Image,
							Command: []string{"streamcast", "member"},
							Args:    k.JobArgs(job),
							Resources: core.ResourceRequirements{
								Requests: core.ResourceList{
									core.ResourceCPU:    resource.MustParse(fmt.Sprintf("%d", k.CPUs)),
									core.ResourceMemory: resource.MustParse(fmt.Sprintf("%dGi", k.MemoryGB)),
								},
							},
							VolumeMounts: volumeMounts,
						},
					},
					Volumes:       k.Volumes,
					RestartPolicy: core.RestartPolicyOnFailure,
				},
			},
		},
	}
}
