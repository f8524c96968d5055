package gate

import (
	"context"

	"github.com/go-logr/logr"
	"k8s.io/client-go/util/workqueue"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"
)

// Worker drains a workqueue.RateLimitingInterface populated by
// internal/watch.Driver and drives each item through a Reconciler, applying
// the rate limiter's backoff on error and forgetting the item on success.
// This is the same shape as client-go's canonical runWorker pattern,
// generalized to call our Reconciler instead of a generated one.
type Worker struct {
	Queue       workqueue.RateLimitingInterface
	Reconciler  *Reconciler
	Log         logr.Logger
	Concurrency int
}

// NewWorker returns a Worker with at least one processing goroutine.
func NewWorker(queue workqueue.RateLimitingInterface, r *Reconciler, log logr.Logger, concurrency int) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{Queue: queue, Reconciler: r, Log: log, Concurrency: concurrency}
}

// Start implements manager.Runnable, blocking until ctx is cancelled. It runs
// Concurrency processing loops and shuts the queue down on exit so they all
// unblock from Get.
func (w *Worker) Start(ctx context.Context) error {
	done := make(chan struct{})
	for i := 0; i < w.Concurrency; i++ {
		go func() {
			for w.processNext(ctx) {
			}
			done <- struct{}{}
		}()
	}

	<-ctx.Done()
	w.Queue.ShutDown()
	for i := 0; i < w.Concurrency; i++ {
		<-done
	}
	return nil
}

// processNext handles one item and reports whether the caller should keep
// looping (false once the queue has been shut down and drained).
func (w *Worker) processNext(ctx context.Context) bool {
	item, shutdown := w.Queue.Get()
	if shutdown {
		return false
	}
	defer w.Queue.Done(item)

	req, ok := item.(reconcile.Request)
	if !ok {
		w.Log.Info("dropping malformed queue item", "item", item)
		w.Queue.Forget(item)
		return true
	}

	if _, err := w.Reconciler.Reconcile(ctx, req); err != nil {
		w.Log.Error(err, "reconcile failed, retrying with backoff", "request", req)
		w.Queue.AddRateLimited(item)
		return true
	}
	w.Queue.Forget(item)
	return true
}
