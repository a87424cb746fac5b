// Package jobwait blocks until a batch Job reports success or failure.
package jobwait

import (
	"context"
	"errors"
	"fmt"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	batchv1client "k8s.io/client-go/kubernetes/typed/batch/v1"
	"k8s.io/klog/v2"
)

// DefaultInterval is the time between two reads of the Job status.
const DefaultInterval = 10 * time.Second

// Result is the terminal outcome of a Job.
type Result string

const (
	Succeeded Result = "Succeeded"
	Failed    Result = "Failed"
)

// ErrJobGone is returned when the awaited Job disappears before finishing.
var ErrJobGone = errors.New("job was deleted before it finished")

// Waiter polls Jobs on a fixed interval.
type Waiter struct {
	Client   batchv1client.JobsGetter
	Interval time.Duration
}

// New returns a Waiter polling at DefaultInterval.
func New(client batchv1client.JobsGetter) *Waiter {
	return &Waiter{Client: client, Interval: DefaultInterval}
}

// Wait blocks until the named Job reports a positive succeeded or failed
// count. It returns early with an error when ctx is cancelled or the Job is
// removed. Other read errors are logged and polling continues.
func (w *Waiter) Wait(ctx context.Context, namespace, name string) (Result, error) {
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	var result Result
	err := wait.PollUntilContextCancel(ctx, interval, true, func(ctx context.Context) (bool, error) {
		job, err := w.Client.Jobs(namespace).Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return false, ErrJobGone
		}
		if err != nil {
			klog.V(2).Infof("Unable to read job %s/%s, will retry: %v", namespace, name, err)
			return false, nil
		}
		if r, done := Outcome(job); done {
			result = r
			return true, nil
		}
		klog.V(4).Infof("Waiting for job %s/%s to complete", namespace, name)
		return false, nil
	})
	if err != nil {
		return "", fmt.Errorf("waiting for job %s/%s: %w", namespace, name, err)
	}
	return result, nil
}

// Outcome reports the terminal result of a Job, if it has one.
func Outcome(job *batchv1.Job) (Result, bool) {
	switch {
	case job.Status.Succeeded > 0:
		return Succeeded, true
	case job.Status.Failed > 0:
		return Failed, true
	}
	return "", false
}
