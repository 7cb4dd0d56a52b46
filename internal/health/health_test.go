package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/trustscore/internal/circuitbreaker"
)

func ok(context.Context) Status { return Status{Healthy: true} }

func TestRegistryEmpty(t *testing.T) {
	rep := NewRegistry(0).CheckAll(context.Background())
	if !rep.Healthy || rep.Degraded {
		t.Fatalf("empty registry should be healthy, got %+v", rep)
	}
	if len(rep.Checks) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(rep.Checks))
	}
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("db", ok)
	r.Register("kv", ok)

	rep := r.CheckAll(context.Background())
	if !rep.Healthy {
		t.Fatal("all-healthy registry should report healthy")
	}
	if rep.Checks[0].Name != "db" || rep.Checks[1].Name != "kv" {
		t.Fatalf("checks out of order or unnamed: %+v", rep.Checks)
	}
}

func TestRegistryRequiredFailure(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("db", ok)
	r.Register("kv", Ping(func(context.Context) error { return errors.New("connection refused") }))

	rep := r.CheckAll(context.Background())
	if rep.Healthy {
		t.Fatal("required failure should make the registry unhealthy")
	}
	if rep.Checks[1].Detail != "connection refused" {
		t.Fatalf("expected detail, got %q", rep.Checks[1].Detail)
	}
}

func TestRegistryOptionalFailureDegrades(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("db", ok)
	r.RegisterOptional("kafka", Flag(func() bool { return false }, "consumer stopped"))

	rep := r.CheckAll(context.Background())
	if !rep.Healthy || !rep.Degraded {
		t.Fatalf("optional failure should degrade only, got %+v", rep)
	}
	if !rep.Checks[1].Optional {
		t.Fatal("optional flag not reported")
	}
}

func TestRegistryTimeoutReachesChecker(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)
	r.Register("slow", Ping(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	rep := r.CheckAll(context.Background())
	if rep.Healthy {
		t.Fatal("timed out check should be unhealthy")
	}
}

func TestBreakerChecker(t *testing.T) {
	b := circuitbreaker.New(2, time.Minute)
	check := Breaker(b)

	if st := check(context.Background()); !st.Healthy {
		t.Fatalf("fresh breaker should be healthy: %+v", st)
	}

	b.RecordFailure("geolocation", nil)
	b.RecordFailure("geolocation", nil)
	b.RecordFailure("biometric", nil)

	st := check(context.Background())
	if st.Healthy {
		t.Fatal("open circuit should be unhealthy")
	}
	if st.Detail != "open circuits: geolocation" {
		t.Fatalf("unexpected detail %q", st.Detail)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry(time.Second)
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.RegisterOptional("svc", ok)
		}()
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()

	if n := len(r.CheckAll(context.Background()).Checks); n != 10 {
		t.Fatalf("expected 10 checkers, got %d", n)
	}
}
