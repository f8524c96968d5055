// Package gate implements the Gate Reconciler: the per-workload state
// machine that detects a pre-warm gate, ensures the dataset is resident on
// the workload's target node, and removes the gate (spec.md §4.2).
package gate

import (
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
)

// Workload is the subset of a gated Pod's state the reconciler needs. It is
// derived from a corev1.Pod snapshot; spec.md §3 calls this a "gated
// workload".
type Workload struct {
	Name        string
	Namespace   string
	UID         types.UID
	NodeName    string
	Gates       []string
	Annotations map[string]string
}

// FromPod converts a Pod snapshot into a Workload.
func FromPod(pod *corev1.Pod) Workload {
	w := Workload{
		Name:        pod.Name,
		Namespace:   pod.Namespace,
		UID:         pod.UID,
		NodeName:    pod.Spec.NodeName,
		Annotations: pod.Annotations,
	}
	for _, g := range pod.Spec.SchedulingGates {
		w.Gates = append(w.Gates, g.Name)
	}
	return w
}

// IsGated reports whether w is gated on this system: its gates contain
// gateName and its annotations carry a non-empty DID under annotationKey
// (spec.md §3). It returns the DID when true.
func (w Workload) IsGated(gateName, annotationKey string) (did string, gated bool) {
	hasGate := false
	for _, g := range w.Gates {
		if g == gateName {
			hasGate = true
			break
		}
	}
	if !hasGate {
		return "", false
	}
	did = w.Annotations[annotationKey]
	if did == "" {
		return "", false
	}
	return did, true
}

// TargetNode resolves the node this workload's dataset should be
// materialized on: the workload's explicit assignment if present, otherwise
// the configured fallback node. spec.md §4.2 flags this as deterministic but
// not optimal; see DESIGN.md for the Open Question decision.
func (w Workload) TargetNode(fallback string) string {
	if w.NodeName != "" {
		return w.NodeName
	}
	return fallback
}
