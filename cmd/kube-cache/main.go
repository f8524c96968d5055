// Command kube-cache runs the Gatekeeper: a controller that watches gated
// Pods, pre-warms their datasets into the node-local cache, and releases
// their scheduling gate once the dataset is resident.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.19.0"
	"go.uber.org/zap/zapcore"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/util/workqueue"
	ctrl "sigs.k8s.io/controller-runtime"
	crzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/nvidia-gpu-cloud/kube-cache/internal/cache"
	"github.com/nvidia-gpu-cloud/kube-cache/internal/config"
	"github.com/nvidia-gpu-cloud/kube-cache/internal/fetchjob"
	"github.com/nvidia-gpu-cloud/kube-cache/internal/gate"
	"github.com/nvidia-gpu-cloud/kube-cache/internal/singleflight"
	"github.com/nvidia-gpu-cloud/kube-cache/internal/telemetry"
	"github.com/nvidia-gpu-cloud/kube-cache/internal/watch"
)

var (
	debugLogs   bool
	concurrency int
	scheme      = runtime.NewScheme()
)

func init() {
	_ = clientgoscheme.AddToScheme(scheme)
}

func main() {
	root := &cobra.Command{
		Use:   "kube-cache",
		Short: "Pre-warms node-local GPU datasets and releases scheduling gates once they're resident.",
		RunE:  run,
	}
	root.Flags().BoolVar(&debugLogs, "debug-logs", false, "Enable debug-level logging.")
	root.Flags().IntVar(&concurrency, "concurrency", 4, "Number of concurrent reconcile workers.")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	level := zapcore.InfoLevel
	if debugLogs {
		level = zapcore.DebugLevel
	}
	zapLog := crzap.NewRaw(crzap.Level(level))
	log := zapr.NewLogger(zapLog)
	ctrl.SetLogger(log)
	setupLog := log.WithName("setup")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("kube-cache: load config: %w", err)
	}

	tracer := telemetry.NewTracer(newTracerProvider())
	metrics := telemetry.New()

	restCfg := ctrl.GetConfigOrDie()
	mgr, err := ctrl.NewManager(restCfg, ctrl.Options{
		Scheme:  scheme,
		Metrics: metricsserver.Options{BindAddress: "0"},
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		return err
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		setupLog.Error(err, "unable to build clientset")
		return err
	}

	queue := workqueue.NewRateLimitingQueue(workqueue.DefaultControllerRateLimiter())
	driver := watch.NewDriver(clientset.CoreV1().Pods(cfg.Namespace), cfg.Namespace, queue, log.WithName("watch"))

	reconciler := &gate.Reconciler{
		Client:       mgr.GetClient(),
		Log:          log.WithName("gate"),
		Cache:        cache.New(cfg.CacheRoot),
		Registry:     singleflight.NewRegistry(),
		Orchestrator: fetchjob.New(mgr.GetClient(), mgr.GetScheme(), log.WithName("fetchjob")),
		Metrics:      metrics,
		Tracer:       tracer,
		Config:       cfg,
	}
	worker := gate.NewWorker(queue, reconciler, log.WithName("worker"), concurrency)

	if err := mgr.Add(driver); err != nil {
		return fmt.Errorf("kube-cache: register watch driver: %w", err)
	}
	if err := mgr.Add(worker); err != nil {
		return fmt.Errorf("kube-cache: register worker: %w", err)
	}
	if err := mgr.Add(manager.RunnableFunc(func(ctx context.Context) error {
		return serveMetrics(ctx, cfg.MetricsAddr, metrics)
	})); err != nil {
		return fmt.Errorf("kube-cache: register metrics server: %w", err)
	}

	setupLog.Info("starting manager", "cacheRoot", cfg.CacheRoot, "simulate", cfg.Simulate, "namespace", cfg.Namespace)
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		return err
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, metrics *telemetry.Metrics) error {
	srv := &http.Server{Addr: addr, Handler: metrics.Handler()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// newTracerProvider builds a TracerProvider with no exporter attached: span
// export configuration (OTLP endpoint, sampling) is an external collaborator
// per spec.md §1, so spans are recorded but not shipped anywhere until an
// exporter is wired in by the deployment.
func newTracerProvider() *sdktrace.TracerProvider {
	res, _ := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName("kube-cache"),
	))
	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return tp
}
