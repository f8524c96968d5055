// Package watch implements the Watch Driver: it consumes the Pod watch
// stream, re-lists and re-watches on disconnect, and dispatches events to a
// per-workload work queue so bursts collapse to the latest state (spec.md
// §4.1).
package watch

import (
	"context"
	"math/rand"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	apiwatch "k8s.io/apimachinery/pkg/watch"
	corev1client "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/util/workqueue"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	jitterFraction = 0.2
)

// Driver watches Pods in a single namespace and dispatches reconcile.Request
// keys into a workqueue.RateLimitingInterface, keyed by namespace/name so
// that coalescing collapses bursts onto the latest state (spec.md §4.1,
// grounded on the workqueue.RateLimitingInterface usage in the teacher's
// tenantnamespace_event_handler.go).
type Driver struct {
	Pods      corev1client.PodInterface
	Namespace string
	Queue     workqueue.RateLimitingInterface
	Log       logr.Logger
}

// NewDriver returns a Driver for the given PodInterface and queue.
func NewDriver(pods corev1client.PodInterface, namespace string, queue workqueue.RateLimitingInterface, log logr.Logger) *Driver {
	return &Driver{Pods: pods, Namespace: namespace, Queue: queue, Log: log}
}

// Start implements sigs.k8s.io/controller-runtime/pkg/manager.Runnable so
// the driver is registered on the shared manager with mgr.Add(driver)
// instead of being wired through controller.New/source.Kind — spec.md §4.1
// mandates a hand-rolled re-list/re-watch/backoff algorithm, not an
// informer's automatic resync (see SPEC_FULL.md §6.1).
func (d *Driver) Start(ctx context.Context) error {
	resourceVersion := "0"
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := d.Pods.Watch(ctx, metav1.ListOptions{ResourceVersion: resourceVersion})
		if err != nil {
			d.Log.Error(err, "watch open failed, backing off")
			if !sleep(ctx, jitter(backoff)) {
				return nil
			}
			backoff = nextBackoff(backoff)
			resourceVersion, err = d.relist(ctx)
			if err != nil {
				d.Log.Error(err, "re-list failed")
			}
			continue
		}

		lastRV, consumeErr := d.consume(ctx, w)
		w.Stop()
		if lastRV != "" {
			resourceVersion = lastRV
			backoff = initialBackoff
		}

		if ctx.Err() != nil {
			return nil
		}
		if consumeErr != nil {
			d.Log.Error(consumeErr, "watch stream closed, reconnecting")
		}

		if !sleep(ctx, jitter(backoff)) {
			return nil
		}
		backoff = nextBackoff(backoff)
		if rv, err := d.relist(ctx); err != nil {
			d.Log.Error(err, "re-list failed")
		} else {
			resourceVersion = rv
		}
	}
}

// consume drains the watch stream, enqueueing a request per event, until the
// channel closes or the context is cancelled. It returns the last observed
// resource version so the caller can resume from it.
func (d *Driver) consume(ctx context.Context, w apiwatch.Interface) (string, error) {
	var lastRV string
	ch := w.ResultChan()
	for {
		select {
		case <-ctx.Done():
			return lastRV, nil
		case event, ok := <-ch:
			if !ok {
				return lastRV, nil
			}
			switch event.Type {
			case apiwatch.Added, apiwatch.Modified, apiwatch.Deleted:
				pod, ok := event.Object.(*corev1.Pod)
				if !ok {
					continue
				}
				lastRV = pod.ResourceVersion
				d.enqueue(pod)
			case apiwatch.Error:
				d.Log.Info("watch error event received", "object", event.Object)
			}
		}
	}
}

// relist performs a full list at the latest resource version, enqueueing
// every workload so the reconciler sees current state even if intervening
// watch events were missed, then returns the resulting resource version to
// watch from.
func (d *Driver) relist(ctx context.Context) (string, error) {
	list, err := d.Pods.List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", err
	}
	for i := range list.Items {
		d.enqueue(&list.Items[i])
	}
	return list.ResourceVersion, nil
}

func (d *Driver) enqueue(pod *corev1.Pod) {
	d.Queue.Add(reconcile.Request{NamespacedName: types.NamespacedName{
		Namespace: pod.Namespace,
		Name:      pod.Name,
	}})
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	factor := (1 - jitterFraction) + rand.Float64()*(2*jitterFraction)
	return time.Duration(float64(d) * factor)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
