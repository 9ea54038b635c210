package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheus_RunCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	t.Run("counts successes", func(t *testing.T) {
		m.RecordRun("backup", nil, 12.5, 1700000000)
		m.RecordRun("backup", nil, 7.5, 1700000100)

		val := getCounterValue(t, m.RunCounter, "backup", ResultSuccess)
		if val != 2 {
			t.Errorf("expected 2, got %f", val)
		}
		count, sum := getHistogramValues(t, m.RunDuration, "backup")
		if count != 2 || sum != 20 {
			t.Errorf("expected count 2 sum 20, got %d %f", count, sum)
		}
		if got := getGaugeValue(t, m.LastSuccess, "backup"); got != 1700000100 {
			t.Errorf("expected last success 1700000100, got %f", got)
		}
	})

	t.Run("failures do not move last success", func(t *testing.T) {
		m.RecordRun("backup", errors.New("boom"), 1, 1800000000)

		if val := getCounterValue(t, m.RunCounter, "backup", ResultFailure); val != 1 {
			t.Errorf("expected 1 failure, got %f", val)
		}
		if got := getGaugeValue(t, m.LastSuccess, "backup"); got != 1700000100 {
			t.Errorf("last success changed to %f", got)
		}
	})
}

func TestPrometheus_Transfers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordTransfer("full", nil, 4096)
	m.RecordTransfer("incremental", nil, 1024)
	m.RecordTransfer("incremental", errors.New("receive failed"), 1024)

	if val := getCounterValue(t, m.TransferCounter, "incremental", ResultFailure); val != 1 {
		t.Errorf("expected 1 failed incremental, got %f", val)
	}
	if val := getCounterValue(t, m.TransferEstimate, "full"); val != 4096 {
		t.Errorf("expected 4096 estimated bytes, got %f", val)
	}
	if val := getCounterValue(t, m.TransferEstimate, "incremental"); val != 1024 {
		t.Errorf("failed transfers should not add to the estimate, got %f", val)
	}
}

func TestPrometheus_NilSafe(t *testing.T) {
	var m *PrometheusMetrics
	m.RecordRun("backup", nil, 1, 1)
	m.RecordAction(ResultSuccess)
	m.RecordCleanupFailure()
	m.RecordTransfer("full", nil, 1)
	m.RecordPrune("pool/a")
	m.RecordBookmarkFailure()
	if err := m.WriteTextfile("/nonexistent/metrics.prom"); err != nil {
		t.Errorf("nil metrics should not write: %v", err)
	}
}

func TestPrometheus_WriteTextfile(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	m.RecordPrune("backup/home")

	path := filepath.Join(t.TempDir(), "snapdump.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	if !strings.Contains(string(data), `snapdump_snapshots_pruned_total{volume="backup/home"} 1`) {
		t.Errorf("textfile missing prune counter:\n%s", data)
	}
}

func TestPrometheus_Handler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	m.RecordAction(ResultSuccess)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `snapdump_actions_total{result="success"} 1`) {
		t.Errorf("handler output missing action counter:\n%s", body)
	}
}

func TestPrometheus_Registration(t *testing.T) {
	t.Run("creates metrics successfully", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m, err := NewPrometheusMetrics(reg)
		if err != nil {
			t.Fatalf("failed to create metrics: %v", err)
		}
		if m.RunCounter == nil || m.TransferCounter == nil || m.PruneCounter == nil {
			t.Error("collectors should not be nil")
		}
	})

	t.Run("fails on duplicate registration", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		_, err := NewPrometheusMetrics(reg)
		if err != nil {
			t.Fatalf("first registration failed: %v", err)
		}
		_, err = NewPrometheusMetrics(reg)
		if err == nil {
			t.Fatal("expected error on duplicate registration")
		}
	})
}

// Helper functions for extracting Prometheus metric values.

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := counter.WithLabelValues(labels...).(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(t *testing.T, gauge *prometheus.GaugeVec, label string) float64 {
	t.Helper()
	var m dto.Metric
	if err := gauge.WithLabelValues(label).(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func getHistogramValues(t *testing.T, hist *prometheus.HistogramVec, label string) (uint64, float64) {
	t.Helper()
	observer := hist.WithLabelValues(label)
	var m dto.Metric
	if err := observer.(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetHistogram().GetSampleCount(), m.GetHistogram().GetSampleSum()
}
