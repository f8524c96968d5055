// Package fetchjob implements the Fetch-Job Orchestrator: creates,
// identifies, and polls a per-dataset node-bound Kubernetes Job, and owns
// its lifecycle (spec.md §4.5).
package fetchjob

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-logr/logr"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
)

// Outcome is the terminal result of Ensure.
type Outcome int

const (
	// Succeeded means the job reported at least one successful pod.
	Succeeded Outcome = iota
	// Failed means the job reported a non-recoverable condition or the poll
	// timed out.
	Failed
)

// Result is returned by Ensure.
type Result struct {
	Outcome Outcome
	JobName string
}

const pollInterval = time.Second

// Orchestrator creates, adopts, and polls per-dataset fetch Jobs.
type Orchestrator struct {
	Client client.Client
	Scheme *runtime.Scheme
	Log    logr.Logger
}

// New returns an Orchestrator.
func New(c client.Client, scheme *runtime.Scheme, log logr.Logger) *Orchestrator {
	return &Orchestrator{Client: c, Scheme: scheme, Log: log}
}

// Ensure creates the fetch job for cacheKey if it does not exist (otherwise
// adopts the existing one), sets an owner reference to owner so the
// cluster's garbage collector removes the job when owner is deleted, and
// blocks until the job succeeds, fails terminally, or timeout elapses.
func (o *Orchestrator) Ensure(ctx context.Context, cacheKey, targetNode string, owner *corev1.Pod, opts Options, timeout time.Duration) (Result, error) {
	name := JobName(cacheKey)
	key := types.NamespacedName{Name: name, Namespace: owner.Namespace}

	job := &batchv1.Job{}
	err := o.Client.Get(ctx, key, job)
	switch {
	case err == nil:
		o.Log.Info("adopting existing fetch job", "job", name)
	case apierrors.IsNotFound(err):
		job = buildJob(owner.Namespace, cacheKey, targetNode, opts)
		if o.Scheme != nil {
			if err := controllerutil.SetControllerReference(owner, job, o.Scheme); err != nil {
				return Result{}, fmt.Errorf("fetchjob: set owner reference: %w", err)
			}
		}
		if err := o.Client.Create(ctx, job); err != nil {
			if apierrors.IsAlreadyExists(err) {
				o.Log.Info("fetch job created concurrently, adopting", "job", name)
				if err := o.Client.Get(ctx, key, job); err != nil {
					return Result{}, fmt.Errorf("fetchjob: get after AlreadyExists: %w", err)
				}
			} else {
				return Result{}, fmt.Errorf("fetchjob: create %s: %w", name, err)
			}
		} else {
			o.Log.Info("created fetch job", "job", name, "node", targetNode)
		}
	default:
		return Result{}, fmt.Errorf("fetchjob: get %s: %w", name, err)
	}

	return o.poll(ctx, key, timeout)
}

// poll waits for the job to reach a terminal state, at a fixed interval
// with jitter, bounded by timeout (spec.md §4.5).
func (o *Orchestrator) poll(ctx context.Context, key types.NamespacedName, timeout time.Duration) (Result, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result Result
	err := wait.PollUntilContextCancel(pollCtx, jittered(pollInterval), true, func(ctx context.Context) (bool, error) {
		job := &batchv1.Job{}
		if err := o.Client.Get(ctx, key, job); err != nil {
			return false, fmt.Errorf("fetchjob: poll get %s: %w", key.Name, err)
		}

		if job.Status.Succeeded >= 1 {
			result = Result{Outcome: Succeeded, JobName: key.Name}
			return true, nil
		}
		if jobFailedTerminally(job) {
			result = Result{Outcome: Failed, JobName: key.Name}
			return true, nil
		}
		return false, nil
	})

	if err != nil {
		if pollCtx.Err() != nil {
			o.Log.Info("fetch job poll timed out", "job", key.Name)
			return Result{Outcome: Failed, JobName: key.Name}, nil
		}
		return Result{}, err
	}
	return result, nil
}

// jobFailedTerminally reports whether job has a JobFailed condition (e.g.
// BackoffLimitExceeded). spec.md §4.5 signals failure "by the job reporting
// a non-recoverable condition (backoff limit exceeded)".
func jobFailedTerminally(job *batchv1.Job) bool {
	for _, c := range job.Status.Conditions {
		if c.Type == batchv1.JobFailed && c.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

// jittered returns d scaled by a random factor in [0.9, 1.1) (±10%). It
// jitters the poll interval only; the watch driver's reconnect backoff uses
// its own ±20% jitter (internal/watch).
func jittered(d time.Duration) time.Duration {
	factor := 0.9 + rand.Float64()*0.2
	return time.Duration(float64(d) * factor)
}
