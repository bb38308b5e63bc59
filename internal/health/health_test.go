package health

import (
	"context"
	"sync"
	"testing"
)

func TestEmptyRegistryIsHealthy(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("registry with no dependencies must report healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("statuses = %d, want 0", len(statuses))
	}
}

func TestAggregateRequiresAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("postgres", func(_ context.Context) Status {
		return Status{Name: "postgres", Healthy: true}
	})
	r.Register("redis", func(_ context.Context) Status {
		return Status{Name: "redis", Healthy: true}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy || len(statuses) != 2 {
		t.Fatalf("healthy = %v, statuses = %d; want true, 2", healthy, len(statuses))
	}

	r.Register("metering", func(_ context.Context) Status {
		return Status{Name: "metering", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses = r.CheckAll(context.Background())
	if healthy {
		t.Fatal("one failing dependency must fail the aggregate")
	}
	if statuses[2].Detail != "connection refused" {
		t.Fatalf("detail = %q, want connection refused", statuses[2].Detail)
	}
}

func TestConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("dep", func(_ context.Context) Status {
				return Status{Name: "dep", Healthy: true}
			})
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
