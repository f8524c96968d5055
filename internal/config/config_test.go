package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CACHE_ROOT", "GATE_NAME", "ANNOTATION_KEY", "FALLBACK_NODE",
		"FETCH_TIMEOUT_SECS", "S3_ENDPOINT", "METRICS_ADDR",
		"WATCH_NAMESPACE", "KUBE_CACHE_SIMULATE",
	} {
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CacheRoot != defaultCacheRoot {
		t.Errorf("CacheRoot = %q, want %q", cfg.CacheRoot, defaultCacheRoot)
	}
	if cfg.GateName != defaultGateName {
		t.Errorf("GateName = %q, want %q", cfg.GateName, defaultGateName)
	}
	if cfg.FetchTimeout != defaultFetchTimeoutSecs*time.Second {
		t.Errorf("FetchTimeout = %v", cfg.FetchTimeout)
	}
}

func TestLoadSimulateDefaultsCacheRoot(t *testing.T) {
	clearEnv(t)
	os.Setenv("KUBE_CACHE_SIMULATE", "1")
	defer clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CacheRoot != defaultSimulateCacheRoot {
		t.Errorf("CacheRoot = %q, want %q", cfg.CacheRoot, defaultSimulateCacheRoot)
	}
	if !cfg.Simulate {
		t.Errorf("Simulate = false, want true")
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	os.Setenv("CACHE_ROOT", "/data/cache")
	os.Setenv("FETCH_TIMEOUT_SECS", "60")
	defer clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CacheRoot != "/data/cache" {
		t.Errorf("CacheRoot = %q", cfg.CacheRoot)
	}
	if cfg.FetchTimeout != 60*time.Second {
		t.Errorf("FetchTimeout = %v", cfg.FetchTimeout)
	}
}

func TestLoadBadTimeout(t *testing.T) {
	clearEnv(t)
	os.Setenv("FETCH_TIMEOUT_SECS", "not-a-number")
	defer clearEnv(t)
	if _, err := Load(); err == nil {
		t.Fatal("expected error for bad FETCH_TIMEOUT_SECS")
	}
}
