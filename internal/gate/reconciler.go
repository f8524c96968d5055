package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	"github.com/nvidia-gpu-cloud/kube-cache/internal/cache"
	"github.com/nvidia-gpu-cloud/kube-cache/internal/config"
	"github.com/nvidia-gpu-cloud/kube-cache/internal/fetchjob"
	"github.com/nvidia-gpu-cloud/kube-cache/internal/singleflight"
	"github.com/nvidia-gpu-cloud/kube-cache/internal/telemetry"
	"github.com/nvidia-gpu-cloud/kube-cache/pkg/cachekey"
)

// emptySchedulingGatesPatch is the merge patch body spec.md §4.2/§6 mandates.
// Applying it to an already-ungated Pod is a no-op.
var emptySchedulingGatesPatch = client.RawPatch(types.MergePatchType, []byte(`{"spec":{"schedulingGates":[]}}`))

// Reconciler implements spec.md §4.2's per-workload state machine: Observe →
// Classify → Resolving → EnsureFetch → AwaitReady → Release/BackoffRetry.
// Its fields mirror the teacher's ReconcileTenantNamespace/TenantReconciler
// shape — an embedded client.Client, a logr.Logger — generalized to this
// domain's extra collaborators (cache, single-flight, orchestrator,
// telemetry).
type Reconciler struct {
	client.Client
	Log logr.Logger

	Cache        *cache.Index
	Registry     *singleflight.Registry
	Orchestrator *fetchjob.Orchestrator
	Metrics      *telemetry.Metrics
	Tracer       *telemetry.Tracer
	Config       *config.Config
}

// Reconcile brings one Pod toward its desired state: if it is gated on this
// system, ensure the dataset is Present on its target node and the gate is
// removed; otherwise, no-op. A non-nil error triggers a rate-limited
// re-enqueue by the caller (internal/gate.Worker), matching spec.md's
// BackoffRetry transition.
func (r *Reconciler) Reconcile(ctx context.Context, req reconcile.Request) (reconcile.Result, error) {
	log := r.Log.WithValues("pod_name", req.NamespacedName)

	pod := &corev1.Pod{}
	if err := r.Get(ctx, req.NamespacedName, pod); err != nil {
		if apierrors.IsNotFound(err) {
			return reconcile.Result{}, nil
		}
		return reconcile.Result{}, fmt.Errorf("gate: get pod: %w", err)
	}

	workload := FromPod(pod)
	did, gated := workload.IsGated(r.Config.GateName, r.Config.AnnotationKey)
	if !gated {
		// Classify -> NotMine: exit without touching the Pod.
		return reconcile.Result{}, nil
	}

	// Resolving: the workload is classified as gated and its dataset
	// resolution begins. resolvingStart anchors GateQueueTimeSeconds, which
	// spans Resolving through Release.
	resolvingStart := time.Now()

	cacheKey := cachekey.FromDID(did)
	targetNode := workload.TargetNode(r.Config.FallbackNode)

	ctx, span := r.Tracer.StartEnsure(ctx, did, cacheKey, targetNode)
	defer span.End()

	entry, err := r.Cache.Lookup(cacheKey)
	if err != nil {
		telemetry.EndWithOutcome(span, "error")
		return reconcile.Result{}, fmt.Errorf("gate: cache lookup: %w", err)
	}

	if entry.State == cache.Present {
		r.Metrics.CacheHitTotal.Inc()
	} else {
		r.Metrics.CacheMissTotal.Inc()
		if err := r.ensureFetch(ctx, cacheKey, did, targetNode, pod); err != nil {
			telemetry.EndWithOutcome(span, "failed")
			log.Error(err, "fetch did not complete", "dataset", did)
			return reconcile.Result{}, err
		}
		r.Metrics.PrewarmSuccessTotal.WithLabelValues(did).Inc()
	}

	telemetry.EndWithOutcome(span, "present")

	if err := r.release(ctx, pod); err != nil {
		if apierrors.IsConflict(err) {
			log.Info("release patch conflicted, dropping; next watch event will retry")
			return reconcile.Result{}, nil
		}
		return reconcile.Result{}, fmt.Errorf("gate: release patch: %w", err)
	}
	r.Metrics.GateQueueTimeSeconds.Observe(time.Since(resolvingStart).Seconds())
	log.Info("workload released", "dataset", did)
	return reconcile.Result{}, nil
}

// ensureFetch implements EnsureFetch + AwaitReady: it acquires a
// single-flight ticket for cacheKey, performs the fetch if it is the leader,
// and blocks on the ticket either way until the fetch resolves.
func (r *Reconciler) ensureFetch(ctx context.Context, cacheKey, did, targetNode string, owner *corev1.Pod) error {
	handle := r.Registry.Acquire(cacheKey)
	if handle.IsLeader() {
		handle.Done(r.fetch(ctx, cacheKey, did, targetNode, owner))
	}
	outcome := handle.Wait()
	return outcome.Err
}

// fetch drives one dataset to Present via the orchestrator, then verifies
// (or, in simulation mode, manufactures) residency.
func (r *Reconciler) fetch(ctx context.Context, cacheKey, did, targetNode string, owner *corev1.Pod) singleflight.Outcome {
	ctx, span := r.Tracer.StartDownload(ctx, did, cacheKey)
	defer span.End()
	start := time.Now()

	targetPath := r.Cache.PathFor(cacheKey)
	opts := fetchjob.Options{
		TargetPath: targetPath,
		Command:    fetchjob.DefaultCommand(did, targetPath, r.Config.S3Endpoint),
	}

	result, err := r.Orchestrator.Ensure(ctx, cacheKey, targetNode, owner, opts, r.Config.FetchTimeout)
	if err != nil {
		telemetry.EndWithOutcome(span, "error")
		return singleflight.Outcome{Err: fmt.Errorf("gate: ensure fetch job: %w", err)}
	}
	if result.Outcome != fetchjob.Succeeded {
		telemetry.EndWithOutcome(span, "failed")
		return singleflight.Outcome{Err: fmt.Errorf("gate: fetch job %s did not succeed", result.JobName)}
	}

	if r.Config.Simulate {
		if err := r.Cache.Commit(cacheKey); err != nil {
			telemetry.EndWithOutcome(span, "error")
			return singleflight.Outcome{Err: fmt.Errorf("gate: simulate commit: %w", err)}
		}
	}

	entry, err := r.Cache.Lookup(cacheKey)
	if err != nil {
		telemetry.EndWithOutcome(span, "error")
		return singleflight.Outcome{Err: fmt.Errorf("gate: post-fetch lookup: %w", err)}
	}
	if entry.State != cache.Present {
		telemetry.EndWithOutcome(span, "failed")
		return singleflight.Outcome{Err: fmt.Errorf("gate: fetch job succeeded but %s is not present", cacheKey)}
	}

	r.Metrics.WarmupLatencySeconds.Observe(time.Since(start).Seconds())
	telemetry.EndWithOutcome(span, "success")
	return singleflight.Outcome{}
}

// release issues the idempotent merge patch that empties schedulingGates.
func (r *Reconciler) release(ctx context.Context, pod *corev1.Pod) error {
	return r.Patch(ctx, pod, emptySchedulingGatesPatch)
}
