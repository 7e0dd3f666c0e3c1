// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package detection

import (
	"context"
	"math"
	"testing"

	"github.com/tomtom215/bastion/internal/models"
)

func anomalyEvent(anomalies string) *models.SecurityEvent {
	ev := models.NewSecurityEvent(models.EventAPIRequest, "alice", "192.0.2.10")
	if anomalies != "" {
		ev.SetAttr(AttrSessionAnomalies, anomalies)
	}
	return ev
}

func TestSessionAnomalyScoresWeightedSum(t *testing.T) {
	d := NewSessionAnomalyDetector()
	ctx := context.Background()

	finding, err := d.Check(ctx, anomalyEvent("new_ip"))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if finding == nil || math.Abs(finding.Score-0.2) > 1e-9 {
		t.Fatalf("new_ip: got %+v, want score 0.2", finding)
	}
	if finding.ThreatType != models.ThreatBehavioral {
		t.Fatalf("ThreatType = %s", finding.ThreatType)
	}

	finding, err = d.Check(ctx, anomalyEvent("new_ip,new_device,ip_churn"))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if finding == nil || math.Abs(finding.Score-0.9) > 1e-9 {
		t.Fatalf("stacked anomalies: got %+v, want score 0.9", finding)
	}
	if finding.Details["anomalies"] != "ip_churn,new_device,new_ip" {
		t.Fatalf("anomalies detail = %q", finding.Details["anomalies"])
	}
}

func TestSessionAnomalyCapsStackedScore(t *testing.T) {
	d := NewSessionAnomalyDetector()

	finding, err := d.Check(context.Background(), anomalyEvent("new_ip,new_device,ip_churn,mfa_required"))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if finding == nil || finding.Score != sessionAnomalyCap {
		t.Fatalf("got %+v, want capped score %v", finding, sessionAnomalyCap)
	}
}

func TestSessionAnomalyIgnoresCleanAndUnknown(t *testing.T) {
	d := NewSessionAnomalyDetector()
	ctx := context.Background()

	finding, err := d.Check(ctx, anomalyEvent(""))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if finding != nil {
		t.Fatal("event without anomalies scored")
	}

	finding, err = d.Check(ctx, anomalyEvent("made_up_anomaly"))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if finding != nil {
		t.Fatal("unknown anomaly name scored")
	}
}

func TestSessionAnomalyConfigure(t *testing.T) {
	d := NewSessionAnomalyDetector()

	if err := d.Configure([]byte(`{"new_ip": 0.7}`)); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	finding, err := d.Check(context.Background(), anomalyEvent("new_ip,new_device"))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if finding == nil || math.Abs(finding.Score-0.7) > 1e-9 {
		t.Fatalf("got %+v, want reweighted score 0.7", finding)
	}
	if finding.Details["anomalies"] != "new_ip" {
		t.Fatalf("anomalies detail = %q", finding.Details["anomalies"])
	}

	if err := d.Configure([]byte(`{"new_ip": 1.5}`)); err == nil {
		t.Fatal("expected error for out-of-range weight")
	}
}
