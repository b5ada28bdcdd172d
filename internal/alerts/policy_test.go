package alerts

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/arogyakrishi/arogyakrishi-backend/internal/config"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/geo"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/models"
)

func strPtr(s string) *string { return &s }

func TestPassesGate(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		confidence float64
		want       bool
	}{
		{0.0, false},
		{0.74, false},
		{0.7499, false},
		{0.75, true},
		{0.90, true},
		{1.0, true},
	}
	for _, tt := range tests {
		got := p.PassesGate(models.DetectionEvent{Confidence: tt.confidence})
		if got != tt.want {
			t.Errorf("PassesGate(%v) = %v, want %v", tt.confidence, got, tt.want)
		}
	}
}

func TestScreen(t *testing.T) {
	p := DefaultPolicy()
	event := models.DetectionEvent{Disease: "Leaf_Spot", Latitude: 12.90, Longitude: 77.60, Confidence: 0.9}

	tests := []struct {
		name string
		user models.UserProfile
		want SkipReason
	}{
		{"eligible", models.UserProfile{Latitude: 12.905, Longitude: 77.605, DeviceToken: strPtr("tok"), NotificationsEnabled: true}, Eligible},
		{"disabled", models.UserProfile{Latitude: 12.905, Longitude: 77.605, DeviceToken: strPtr("tok")}, NotificationsDisabled},
		{"nil token", models.UserProfile{Latitude: 12.905, Longitude: 77.605, NotificationsEnabled: true}, NoDeviceToken},
		{"empty token", models.UserProfile{Latitude: 12.905, Longitude: 77.605, DeviceToken: strPtr(""), NotificationsEnabled: true}, NoDeviceToken},
		{"just inside", models.UserProfile{Latitude: 12.9179, Longitude: 77.60, DeviceToken: strPtr("tok"), NotificationsEnabled: true}, Eligible},
		{"just outside", models.UserProfile{Latitude: 12.9181, Longitude: 77.60, DeviceToken: strPtr("tok"), NotificationsEnabled: true}, OutOfRange},
		{"far away", models.UserProfile{Latitude: 28.61, Longitude: 77.20, DeviceToken: strPtr("tok"), NotificationsEnabled: true}, OutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Screen(event, tt.user); got != tt.want {
				t.Fatalf("Screen() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestScreen_RadiusIsInclusive(t *testing.T) {
	event := models.DetectionEvent{Latitude: 12.90, Longitude: 77.60}
	user := models.UserProfile{Latitude: 12.9179, Longitude: 77.6003, DeviceToken: strPtr("tok"), NotificationsEnabled: true}

	p := DefaultPolicy()
	p.RadiusKm = geo.DistanceKm(event.Latitude, event.Longitude, user.Latitude, user.Longitude)

	if got := p.Screen(event, user); got != Eligible {
		t.Fatalf("user at exactly the radius should be eligible, got %q", got)
	}
}

func TestIsDuplicate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cutoff := DefaultPolicy().Cutoff(now)

	tests := []struct {
		name  string
		alert *models.SentAlert
		want  bool
	}{
		{"no history", nil, false},
		{"23h59m ago", &models.SentAlert{Disease: "Rust", SentAt: now.Add(-23*time.Hour - 59*time.Minute)}, true},
		{"24h1m ago", &models.SentAlert{Disease: "Rust", SentAt: now.Add(-24*time.Hour - time.Minute)}, false},
		{"at cutoff", &models.SentAlert{Disease: "Rust", SentAt: cutoff}, true},
		{"other disease", &models.SentAlert{Disease: "Leaf_Spot", SentAt: now.Add(-time.Hour)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDuplicate(tt.alert, "Rust", cutoff); got != tt.want {
				t.Fatalf("IsDuplicate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsEligible(t *testing.T) {
	p := DefaultPolicy()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	event := models.DetectionEvent{Disease: "Rust", Latitude: 12.90, Longitude: 77.60, Confidence: 0.9}
	user := models.UserProfile{ID: 1, Latitude: 12.905, Longitude: 77.605, DeviceToken: strPtr("tok"), NotificationsEnabled: true}

	if !p.IsEligible(event, user, nil, p.Cutoff(now)) {
		t.Fatal("expected eligible with no history")
	}
	recent := &models.SentAlert{UserID: 1, Disease: "Rust", SentAt: now.Add(-time.Hour)}
	if got := p.Evaluate(event, user, recent, p.Cutoff(now)); got != Duplicate {
		t.Fatalf("Evaluate() = %q, want %q", got, Duplicate)
	}
}

func TestCutoff_IsUTC(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)
	now := time.Date(2026, 3, 1, 17, 30, 0, 0, loc)
	got := DefaultPolicy().Cutoff(now)
	want := time.Date(2026, 2, 28, 12, 0, 0, 0, time.UTC)
	if !got.Equal(want) || got.Location() != time.UTC {
		t.Fatalf("Cutoff() = %v, want %v", got, want)
	}
}

func TestPolicyFrom(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.Config
		wantWarn bool
	}{
		{"defaults", config.Config{AlertMinConfidence: 0.75, AlertRadiusKm: 2.0, AlertWindow: 24 * time.Hour}, false},
		{"wider radius", config.Config{AlertMinConfidence: 0.75, AlertRadiusKm: 5.0, AlertWindow: 24 * time.Hour}, true},
		{"shorter window", config.Config{AlertMinConfidence: 0.75, AlertRadiusKm: 2.0, AlertWindow: time.Hour}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))

			p := PolicyFrom(&tt.cfg, logger)
			if p.RadiusKm != tt.cfg.AlertRadiusKm || p.DuplicateWindow != tt.cfg.AlertWindow {
				t.Fatalf("policy does not reflect config: %+v", p)
			}
			warned := strings.Contains(buf.String(), "Alert policy overridden")
			if warned != tt.wantWarn {
				t.Fatalf("warned = %v, want %v (log: %q)", warned, tt.wantWarn, buf.String())
			}
		})
	}
}
