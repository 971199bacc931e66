package db

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestHealthHandler_MemoryBackend(t *testing.T) {
	e := echo.New()
	e.GET("/health", HealthHandler(nil))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "healthy" || body.Backend != "memory" {
		t.Errorf("unexpected body %+v", body)
	}
	if body.Pool != nil {
		t.Error("expected no pool stats for the memory backend")
	}
}

func TestPoolStats_JSONTags(t *testing.T) {
	stats := PoolStats{
		TotalConns:      1,
		IdleConns:       1,
		MaxConns:        10,
		AcquireCount:    50,
		AcquireDuration: "250ms",
		Healthy:         true,
	}
	data, err := json.Marshal(HealthResponse{Status: "healthy", Backend: "postgres", Pool: &stats})
	if err != nil {
		t.Fatal(err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	pool, ok := raw["pool"].(map[string]any)
	if !ok {
		t.Fatalf("expected pool object, got %v", raw["pool"])
	}
	for _, key := range []string{"total_conns", "idle_conns", "acquired_conns", "max_conns", "acquire_count", "acquire_duration", "healthy"} {
		if _, ok := pool[key]; !ok {
			t.Errorf("missing pool key %q", key)
		}
	}
	if _, ok := raw["error"]; ok {
		t.Error("expected error to be omitted")
	}
}
