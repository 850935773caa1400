package health

import (
	"strings"
	"testing"
	"time"

	"github.com/chengwei-dev/r-enhanced-viewer/component"
)

func TestStatusPredicates(t *testing.T) {
	tests := []struct {
		name      string
		status    Status
		healthy   bool
		degraded  bool
		unhealthy bool
	}{
		{"healthy", NewHealthy("relay-server", "listening"), true, false, false},
		{"degraded", NewDegraded("panel-sink", "no clients"), false, true, false},
		{"unhealthy", NewUnhealthy("session", "peer gone"), false, false, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if test.status.IsHealthy() != test.healthy {
				t.Errorf("IsHealthy() = %v, expected %v", test.status.IsHealthy(), test.healthy)
			}
			if test.status.IsDegraded() != test.degraded {
				t.Errorf("IsDegraded() = %v, expected %v", test.status.IsDegraded(), test.degraded)
			}
			if test.status.IsUnhealthy() != test.unhealthy {
				t.Errorf("IsUnhealthy() = %v, expected %v", test.status.IsUnhealthy(), test.unhealthy)
			}
		})
	}
}

func TestStatus_HealthyFlagMatchesStatus(t *testing.T) {
	if !NewHealthy("x", "").Healthy {
		t.Error("NewHealthy should set Healthy true")
	}
	if NewDegraded("x", "").Healthy {
		t.Error("NewDegraded should set Healthy false")
	}
	if NewUnhealthy("x", "").Healthy {
		t.Error("NewUnhealthy should set Healthy false")
	}
}

func TestWithSubStatus_DoesNotShareSlice(t *testing.T) {
	base := NewHealthy("system", "ok")
	a := base.WithSubStatus(NewHealthy("a", "ok"))
	b := a.WithSubStatus(NewHealthy("b", "ok"))

	if len(a.SubStatuses) != 1 {
		t.Errorf("expected 1 sub-status on a, got %d", len(a.SubStatuses))
	}
	if len(b.SubStatuses) != 2 {
		t.Errorf("expected 2 sub-statuses on b, got %d", len(b.SubStatuses))
	}
	if a.SubStatuses[0].Component != "a" {
		t.Errorf("a's sub-status should be untouched, got %s", a.SubStatuses[0].Component)
	}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		subs     []Status
		expected string
	}{
		{"empty", nil, "healthy"},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, "healthy"},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, "degraded"},
		{"one unhealthy", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, "unhealthy"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := Aggregate("system", test.subs)
			if result.Status != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result.Status)
			}
			if len(result.SubStatuses) != len(test.subs) {
				t.Errorf("expected %d sub-statuses, got %d", len(test.subs), len(result.SubStatuses))
			}
		})
	}
}

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name             string
		input            string
		shouldNotContain []string
	}{
		{
			"url removed",
			"dial failed for http://127.0.0.1:8766/ws",
			[]string{"http://", "8766"},
		},
		{
			"path removed",
			"open /var/lib/rviewer/state failed",
			[]string{"/var/lib"},
		},
		{
			"credentials removed",
			"auth token=abc123 rejected",
			[]string{"abc123"},
		},
		{
			"ip and port removed",
			"listen on 192.168.1.50:8765 refused",
			[]string{"192.168.1.50", "8765"},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := sanitizeErrorMessage(test.input)
			for _, fragment := range test.shouldNotContain {
				if strings.Contains(result, fragment) {
					t.Errorf("sanitized message %q should not contain %q", result, fragment)
				}
			}
		})
	}
}

func TestFromComponentHealth(t *testing.T) {
	ch := component.HealthStatus{
		Healthy:    false,
		LastCheck:  time.Now(),
		ErrorCount: 3,
		LastError:  "connect to ws://127.0.0.1:8766 failed",
		Uptime:     5 * time.Minute,
	}

	status := FromComponentHealth("panel-sink", ch)

	if status.Component != "panel-sink" {
		t.Errorf("expected component panel-sink, got %s", status.Component)
	}
	if status.Healthy || status.Status != "unhealthy" {
		t.Errorf("expected unhealthy status, got %+v", status)
	}
	if strings.Contains(status.Message, "8766") {
		t.Errorf("message should be sanitized, got %q", status.Message)
	}
	if status.Metrics == nil || status.Metrics.ErrorCount != 3 {
		t.Errorf("expected metrics with error count 3, got %+v", status.Metrics)
	}
}
