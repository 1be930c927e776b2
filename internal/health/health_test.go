package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("cache", func(_ context.Context) Status {
		return Status{Name: "cache", Healthy: true, Detail: "ok"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all-healthy registry should report healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("cache", func(_ context.Context) Status {
		return Status{Name: "cache", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	// Register concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}(i)
	}

	// Check concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}

func TestPingChecker(t *testing.T) {
	ok := Ping("database", time.Second, func(context.Context) error { return nil })
	if s := ok(context.Background()); !s.Healthy || s.Name != "database" {
		t.Fatalf("expected healthy database, got %+v", s)
	}

	failing := Ping("redis", time.Second, func(context.Context) error { return errors.New("dial tcp: refused") })
	if s := failing(context.Background()); s.Healthy || s.Detail != "dial tcp: refused" {
		t.Fatalf("expected unhealthy redis with detail, got %+v", s)
	}

	slow := Ping("slow", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if s := slow(context.Background()); s.Healthy {
		t.Fatal("expected timeout to report unhealthy")
	}
}

func TestBackgroundChecker(t *testing.T) {
	running := false
	check := Background("sweeper", func() bool { return running })
	if check(context.Background()).Healthy {
		t.Fatal("stopped loop should be unhealthy")
	}
	running = true
	if !check(context.Background()).Healthy {
		t.Fatal("running loop should be healthy")
	}
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRegistry()
	healthy := true
	r.Register("database", func(context.Context) Status { return Status{Healthy: healthy} })

	router := gin.New()
	router.GET("/health", r.Handler("test"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"name":"database"`) {
		t.Errorf("expected checker name filled in, got %s", w.Body.String())
	}

	healthy = false
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "degraded") {
		t.Errorf("expected degraded status, got %s", w.Body.String())
	}
}
