package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.Fetch("manifest", "", time.Millisecond)
	c.CacheHit()
	c.CacheMiss()
	c.CacheEvicted()
	c.Verify("verification_failed")
	c.Load("js", "", time.Millisecond)
	c.InstanceClosed()
	c.InstanceFaulted("timeout")
	c.Call("extractor", "extract", "", time.Millisecond)
	c.StaleReply()
	if c.Registry() != nil {
		t.Error("nil collector should have no registry")
	}
}

func TestCollector_Counts(t *testing.T) {
	c := NewCollector("test")

	c.CacheHit()
	c.CacheHit()
	c.CacheMiss()
	if got := testutil.ToFloat64(c.cacheTotal.WithLabelValues("hit")); got != 2 {
		t.Errorf("cache hits = %v, want 2", got)
	}

	c.Load("wasm", "", time.Millisecond)
	c.Load("wasm", "load_fault", time.Millisecond)
	if got := testutil.ToFloat64(c.instancesActive); got != 1 {
		t.Errorf("active = %v, want 1", got)
	}
	c.InstanceClosed()
	if got := testutil.ToFloat64(c.instancesActive); got != 0 {
		t.Errorf("active after close = %v, want 0", got)
	}

	c.Call("extractor", "extract", "timeout", 5*time.Millisecond)
	if got := testutil.ToFloat64(c.callTotal.WithLabelValues("extractor", "extract", "timeout")); got != 1 {
		t.Errorf("timeout calls = %v, want 1", got)
	}

	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected gathered metric families")
	}
}
