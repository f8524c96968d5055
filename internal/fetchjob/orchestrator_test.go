package fetchjob

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
)

func newScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	s := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(s); err != nil {
		t.Fatal(err)
	}
	return s
}

func testPod(name string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "default",
			UID:       types.UID("uid-" + name),
		},
	}
}

func TestEnsureCreatesJobWithOwnerReference(t *testing.T) {
	scheme := newScheme(t)
	c := fake.NewClientBuilder().WithScheme(scheme).Build()
	pod := testPod("w1")

	o := New(c, scheme, logr.Discard())

	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := o.Ensure(context.Background(), "models-m1", "kind-worker", pod, Options{}, 5*time.Second)
		if err != nil {
			t.Errorf("Ensure() error = %v", err)
		}
		if res.Outcome != Succeeded {
			t.Errorf("Outcome = %v, want Succeeded", res.Outcome)
		}
	}()

	job := waitForJob(t, c, "fetcher-models-m1")
	if len(job.OwnerReferences) != 1 {
		t.Fatalf("expected one owner reference, got %d", len(job.OwnerReferences))
	}
	if job.OwnerReferences[0].Name != "w1" {
		t.Errorf("owner reference name = %q, want w1", job.OwnerReferences[0].Name)
	}
	if job.Spec.Template.Spec.NodeName != "kind-worker" {
		t.Errorf("NodeName = %q", job.Spec.Template.Spec.NodeName)
	}

	succeedJob(t, c, job)
	<-done
}

func TestEnsureAdoptsExistingJob(t *testing.T) {
	scheme := newScheme(t)
	pod := testPod("w2")
	existing := buildJob("default", "models-m2", "kind-worker", Options{})
	existing.Status.Succeeded = 1
	c := fake.NewClientBuilder().WithScheme(scheme).WithObjects(existing).WithStatusSubresource(&batchv1.Job{}).Build()

	o := New(c, scheme, logr.Discard())
	res, err := o.Ensure(context.Background(), "models-m2", "kind-worker", pod, Options{}, 5*time.Second)
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if res.Outcome != Succeeded {
		t.Errorf("Outcome = %v, want Succeeded", res.Outcome)
	}

	var jobs batchv1.JobList
	if err := c.List(context.Background(), &jobs); err != nil {
		t.Fatal(err)
	}
	if len(jobs.Items) != 1 {
		t.Fatalf("expected exactly one job to exist, got %d", len(jobs.Items))
	}
}

func TestEnsureReportsTerminalFailure(t *testing.T) {
	scheme := newScheme(t)
	c := fake.NewClientBuilder().WithScheme(scheme).Build()
	pod := testPod("w3")

	o := New(c, scheme, logr.Discard())

	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := o.Ensure(context.Background(), "models-m3", "kind-worker", pod, Options{}, 5*time.Second)
		if err != nil {
			t.Errorf("Ensure() error = %v", err)
		}
		if res.Outcome != Failed {
			t.Errorf("Outcome = %v, want Failed", res.Outcome)
		}
	}()

	job := waitForJob(t, c, "fetcher-models-m3")
	failJob(t, c, job)
	<-done
}

func waitForJob(t *testing.T, c client.Client, name string) *batchv1.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job := &batchv1.Job{}
		err := c.Get(context.Background(), types.NamespacedName{Name: name, Namespace: "default"}, job)
		if err == nil {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s was never created", name)
	return nil
}

func succeedJob(t *testing.T, c client.Client, job *batchv1.Job) {
	t.Helper()
	job.Status.Succeeded = 1
	if err := c.Status().Update(context.Background(), job); err != nil {
		t.Fatal(err)
	}
}

func failJob(t *testing.T, c client.Client, job *batchv1.Job) {
	t.Helper()
	job.Status.Conditions = append(job.Status.Conditions, batchv1.JobCondition{
		Type:   batchv1.JobFailed,
		Status: corev1.ConditionTrue,
		Reason: "BackoffLimitExceeded",
	})
	if err := c.Status().Update(context.Background(), job); err != nil {
		t.Fatal(err)
	}
}
