package fetchjob

import (
	"fmt"
	"path/filepath"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ttlSecondsAfterFinished is the post-completion TTL so successful jobs
// self-clean (spec.md §3, §6).
const ttlSecondsAfterFinished = int32(30)

// backoffLimit bounds retries inside the job itself; the orchestrator layers
// its own poll timeout on top (spec.md §4.5).
const backoffLimit = int32(0)

// DefaultImage and DefaultCommand give the job template a runnable default
// for local/dev use. spec.md §4.5 is explicit that "the core does not
// prescribe the download tool" — they exist only so SPEC_FULL.md's job body
// isn't left entirely abstract (see SPEC_FULL.md §7.1). buildJob uses
// DefaultImage when Options.Image is empty; it does not apply DefaultCommand
// itself, so callers pass DefaultCommand's result (or their own argv) in
// Options.Command. They mirror original_source/src/main.rs's S3
// GET-then-write-to-disk shape.
const (
	DefaultImage = "amazon/aws-cli:2.15.0"
)

// DefaultCommand returns the argv for the downloader container, pointed at
// did and the node-local path it must write to.
func DefaultCommand(did, targetPath, s3Endpoint string) []string {
	args := []string{"s3", "cp", did, targetPath}
	if s3Endpoint != "" {
		args = append(args, "--endpoint-url", s3Endpoint)
	}
	return append([]string{"aws"}, args...)
}

// Options customizes the fetch job's container image and command, and the
// node-local path the dataset must land at.
type Options struct {
	Image      string
	Command    []string
	TargetPath string
}

// buildJob constructs the typed Job object for cacheKey. This replaces the
// Rust prototype's ad hoc JSON construction with a typed builder over the
// batchv1.Job schema, per spec.md §9's sanctioned substitution: "the
// contract is the resulting object's structural shape, not the literal
// JSON."
func buildJob(namespace, cacheKey, targetNode string, opts Options) *batchv1.Job {
	image := opts.Image
	if image == "" {
		image = DefaultImage
	}
	ttl := ttlSecondsAfterFinished
	backoff := backoffLimit

	// Mount the node's cache directory so the download lands on the node,
	// not in the container's own filesystem.
	var volumes []corev1.Volume
	var mounts []corev1.VolumeMount
	if opts.TargetPath != "" {
		dir := filepath.Dir(opts.TargetPath)
		volumes = []corev1.Volume{{Name: "cache", VolumeSource: corev1.VolumeSource{
			HostPath: &corev1.HostPathVolumeSource{Path: dir},
		}}}
		mounts = []corev1.VolumeMount{{Name: "cache", MountPath: dir}}
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      JobName(cacheKey),
			Namespace: namespace,
			Labels: map[string]string{
				"kube-cache/cache-key": cacheKey,
			},
		},
		Spec: batchv1.JobSpec{
			TTLSecondsAfterFinished: &ttl,
			BackoffLimit:            &backoff,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						"kube-cache/cache-key": cacheKey,
					},
				},
				Spec: corev1.PodSpec{
					NodeName:      targetNode,
					RestartPolicy: corev1.RestartPolicyNever,
					Volumes:       volumes,
					Containers: []corev1.Container{
						{
							Name:         "fetch",
							Image:        image,
							Command:      opts.Command,
							VolumeMounts: mounts,
						},
					},
				},
			},
		},
	}
}

// JobName returns the deterministic job name for a cache key (spec.md §6).
func JobName(cacheKey string) string {
	return fmt.Sprintf("fetcher-%s", cacheKey)
}
