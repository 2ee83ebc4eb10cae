package claim

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gezibash/arc-modem/internal/port"
)

var wwan0 = port.Key{Subsystem: port.SubsystemNet, Name: "wwan0"}

func TestClaimConflict(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Claim(wwan0, "dev-a"); err != nil {
		t.Fatal(err)
	}
	if err := r.Claim(wwan0, "dev-a"); err != nil {
		t.Errorf("re-claim by owner: %v", err)
	}
	err := r.Claim(wwan0, "dev-b")
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.Owner != "dev-a" {
		t.Fatalf("err = %v, want conflict with dev-a", err)
	}
	if r.Release(wwan0, "dev-b") {
		t.Error("non-owner must not release")
	}
	if !r.Release(wwan0, "dev-a") {
		t.Error("owner release failed")
	}
	if err := r.Claim(wwan0, "dev-b"); err != nil {
		t.Errorf("claim after release: %v", err)
	}
}

func TestReleaseAll(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "claimed"})
	r := NewRegistry(gauge)
	for i := 0; i < 3; i++ {
		_ = r.Claim(port.Key{Subsystem: port.SubsystemTTY, Name: fmt.Sprintf("ttyUSB%d", i)}, "dev-a")
	}
	_ = r.Claim(wwan0, "dev-b")
	if got := testutil.ToFloat64(gauge); got != 4 {
		t.Errorf("gauge = %v, want 4", got)
	}
	if n := r.ReleaseAll("dev-a"); n != 3 {
		t.Errorf("ReleaseAll = %d, want 3", n)
	}
	if len(r.Held("dev-a")) != 0 || len(r.Held("dev-b")) != 1 {
		t.Error("unexpected holdings after ReleaseAll")
	}
	if got := testutil.ToFloat64(gauge); got != 1 {
		t.Errorf("gauge = %v, want 1", got)
	}
}

func TestConcurrentClaimsSingleOwner(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(uid string) {
			defer wg.Done()
			if r.Claim(wwan0, uid) == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(fmt.Sprintf("dev-%d", i))
	}
	wg.Wait()
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
	if _, ok := r.Owner(wwan0); !ok || r.Len() != 1 {
		t.Error("port should have one owner")
	}
}
