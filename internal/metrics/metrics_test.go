package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric は収集結果から指定名・ラベル値のメトリクスを探す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labelValue string) *dto.Metric {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelValue == "" {
				return m
			}
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == labelValue {
					return m
				}
			}
		}
	}
	t.Fatalf("metric %s{%s} not found", name, labelValue)
	return nil
}

func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordAdmission_CountsByOutcome は入室判定の結果ごとにカウンタが増加することを検証する。
func TestRecordAdmission_CountsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAdmission(AdmissionAccepted)
	c.RecordAdmission(AdmissionAccepted)
	c.RecordAdmission(AdmissionForbidden)

	if v := findMetric(t, reg, "tripchat_admissions_total", AdmissionAccepted).GetCounter().GetValue(); v != 2 {
		t.Errorf("accepted = %v, want 2", v)
	}
	if v := findMetric(t, reg, "tripchat_admissions_total", AdmissionForbidden).GetCounter().GetValue(); v != 1 {
		t.Errorf("forbidden = %v, want 1", v)
	}
}

// TestGauges_TrackOpenAndClose は接続数・ルーム数のゲージが増減することを検証する。
func TestGauges_TrackOpenAndClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordConnectionOpened()
	c.RecordConnectionOpened()
	c.RecordConnectionClosed()
	c.RecordRoomOpened()
	c.RecordRoomOpened()
	c.RecordRoomClosed()
	c.RecordRoomClosed()

	if v := findMetric(t, reg, "tripchat_active_connections", "").GetGauge().GetValue(); v != 1 {
		t.Errorf("active_connections = %v, want 1", v)
	}
	if v := findMetric(t, reg, "tripchat_active_rooms", "").GetGauge().GetValue(); v != 0 {
		t.Errorf("active_rooms = %v, want 0", v)
	}
}

func TestRecordBrokerConnect_LabelsResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordBrokerConnect(false)
	c.RecordBrokerConnect(false)
	c.RecordBrokerConnect(true)

	if v := findMetric(t, reg, "tripchat_broker_connect_attempts_total", "failure").GetCounter().GetValue(); v != 2 {
		t.Errorf("failure = %v, want 2", v)
	}
	if v := findMetric(t, reg, "tripchat_broker_connect_attempts_total", "success").GetCounter().GetValue(); v != 1 {
		t.Errorf("success = %v, want 1", v)
	}
}

func TestRecordRecordDropped_CountsByReason(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRecordDropped("malformed")
	c.RecordRecordIngested()

	if v := findMetric(t, reg, "tripchat_location_records_dropped_total", "malformed").GetCounter().GetValue(); v != 1 {
		t.Errorf("dropped{malformed} = %v, want 1", v)
	}
	if v := findMetric(t, reg, "tripchat_location_records_ingested_total", "").GetCounter().GetValue(); v != 1 {
		t.Errorf("ingested = %v, want 1", v)
	}
}

// TestRecordIngestLatency_ObservesHistogram はレイテンシがヒストグラムに記録されることを検証する。
func TestRecordIngestLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordIngestLatency(150 * time.Millisecond)

	h := findMetric(t, reg, "tripchat_location_ingest_latency_seconds", "").GetHistogram()
	if h.GetSampleCount() != 1 {
		t.Errorf("sample_count = %d, want 1", h.GetSampleCount())
	}
	if h.GetSampleSum() < 0.14 || h.GetSampleSum() > 0.16 {
		t.Errorf("sample_sum = %v, want ~0.15", h.GetSampleSum())
	}
}

func TestRecordHTTPStatus_LabelsStatusCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(403)

	if v := findMetric(t, reg, "tripchat_http_status_total", "403").GetCounter().GetValue(); v != 1 {
		t.Errorf("http_status{403} = %v, want 1", v)
	}
}
