package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"storepos/backend/internal/config"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short", ManagerPIN: "123456"})
	if err == nil {
		t.Fatalf("expected weak security config to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "739154"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestValidateSecurityConfigRequiresBackofficeCredentials(t *testing.T) {
	err := validateSecurityConfig(config.Config{
		AuthSecret:    "0123456789abcdef0123456789abcdef",
		ManagerPIN:    "739154",
		BackofficeURL: "http://backoffice.local",
	})
	if err == nil {
		t.Fatalf("expected missing back office credentials to be rejected")
	}
}

func TestValidatePINStrength(t *testing.T) {
	cases := map[string]bool{
		"739154": true,
		"000000": false,
		"987654": false,
		"234567": false,
		"121212": false,
		"7777777": false,
	}
	for pin, ok := range cases {
		err := validatePINStrength(pin)
		if ok && err != nil {
			t.Fatalf("expected %s to pass, got %v", pin, err)
		}
		if !ok && err == nil {
			t.Fatalf("expected %s to be rejected", pin)
		}
	}
}

func TestBuildAppInMemory(t *testing.T) {
	cfg := config.Config{
		AllowedOrigin:          "*",
		AuthSecret:             "0123456789abcdef0123456789abcdef",
		AccessTokenTTLMinutes:  60,
		ManagerPIN:             "739154",
		DefaultTaxRatePercent:  decimal.NewFromInt(10),
		CatalogCacheTTLSeconds: 20,
		SessionIdleMinutes:     30,
	}

	a, err := buildApp(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	defer a.close(zap.NewNop())

	for _, path := range []string{"/healthz", "/metrics"} {
		rec := httptest.NewRecorder()
		a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 for %s, got %d", path, rec.Code)
		}
	}
	if a.sessions == nil {
		t.Fatalf("expected pos session manager to be wired")
	}
}
