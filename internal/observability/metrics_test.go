package observability

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestInitMetricsServesCounters(t *testing.T) {
	m, err := InitMetrics(false)
	if err != nil {
		t.Fatalf("InitMetrics unexpected error: %v", err)
	}
	defer m.Shutdown(context.Background())

	counter, err := m.Meter("test").Int64Counter("accelhost.test.calls")
	if err != nil {
		t.Fatalf("create counter: %v", err)
	}
	counter.Add(context.Background(), 3)

	srv := httptest.NewServer(m.Handler)
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "accelhost_test_calls") {
		t.Fatalf("expected counter in scrape output, got:\n%s", body)
	}
}

func TestInitMetricsIsolatedRegistries(t *testing.T) {
	first, err := InitMetrics(false)
	if err != nil {
		t.Fatalf("first InitMetrics: %v", err)
	}
	defer first.Shutdown(context.Background())
	second, err := InitMetrics(false)
	if err != nil {
		t.Fatalf("second InitMetrics: %v", err)
	}
	defer second.Shutdown(context.Background())
}

func TestShutdownNil(t *testing.T) {
	var m *Metrics
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown returned %v", err)
	}
}
