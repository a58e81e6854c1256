package strategy

import (
	"fmt"
	"strings"
	"testing"

	"github.com/R3E-Network/smartcache/infrastructure/config"
)

func TestSmartSerialization_JSONSafePicksJSON(t *testing.T) {
	cfg := config.DefaultConfig()
	sc := testContext(t, cfg)
	s := SmartSerialization{}

	value := map[string]interface{}{
		"name":  strings.Repeat("x", 2048),
		"count": float64(10),
		"tags":  []interface{}{"a", "b", nil},
	}
	// Enough entries that the per-element size estimate is conclusively
	// above the threshold.
	for i := 0; i < 50; i++ {
		value[fmt.Sprintf("field%02d", i)] = strings.Repeat("y", 40)
	}
	if !s.ShouldApply(value, sc) {
		t.Fatalf("ShouldApply() = false above size threshold")
	}

	optimized, err := s.Optimize(value, sc)
	if err != nil {
		t.Fatalf("Optimize() error = %v", err)
	}
	envelope := optimized.(map[string]interface{})
	if envelope[MarkerSerialized] != true {
		t.Fatalf("missing serialized marker")
	}
	if envelope["method"] != "json" {
		t.Errorf("method = %v, want json for round-trip-safe value", envelope["method"])
	}

	restored, handled, err := s.Restore(optimized, sc)
	if err != nil || !handled {
		t.Fatalf("Restore() = %v, %v", handled, err)
	}
	m := restored.(map[string]interface{})
	if m["count"] != float64(10) {
		t.Errorf("restored count = %v, want 10", m["count"])
	}
	if len(m["tags"].([]interface{})) != 3 {
		t.Errorf("restored tags lost entries")
	}
}

type opaque struct {
	Name string
}

func TestSmartSerialization_NonJSONSafePicksBinary(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Strategies.Serialization.SizeThreshold = 1
	sc := testContext(t, cfg)
	s := SmartSerialization{}

	value := map[string]interface{}{
		"payload": opaque{Name: strings.Repeat("n", 64)},
	}

	optimized, err := s.Optimize(value, sc)
	if err != nil {
		t.Fatalf("Optimize() error = %v", err)
	}
	envelope := optimized.(map[string]interface{})
	if envelope["method"] != "binary" {
		t.Errorf("method = %v, want binary for non-JSON-safe value", envelope["method"])
	}

	restored, handled, err := s.Restore(optimized, sc)
	if err != nil || !handled {
		t.Fatalf("Restore() = %v, %v", handled, err)
	}
	if restored == nil {
		t.Errorf("binary restore returned nil")
	}
}

func TestSmartSerialization_BelowThresholdSkipped(t *testing.T) {
	cfg := config.DefaultConfig()
	sc := testContext(t, cfg)

	if (SmartSerialization{}).ShouldApply("tiny", sc) {
		t.Errorf("ShouldApply() = true below size threshold")
	}
}

func TestJSONRoundTripSafe(t *testing.T) {
	safe := []interface{}{
		nil, true, "s", float64(1), 42,
		[]interface{}{float64(1), "two"},
		map[string]interface{}{"nested": []interface{}{nil}},
	}
	for _, v := range safe {
		if !jsonRoundTripSafe(v) {
			t.Errorf("jsonRoundTripSafe(%v) = false, want true", v)
		}
	}

	unsafe := []interface{}{
		opaque{},
		map[string]interface{}{"v": opaque{}},
		[]interface{}{make(chan int)},
	}
	for _, v := range unsafe {
		if jsonRoundTripSafe(v) {
			t.Errorf("jsonRoundTripSafe(%T) = true, want false", v)
		}
	}
}
