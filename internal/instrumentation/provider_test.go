package instrumentation

import (
	"context"
	"testing"
	"time"
)

func TestNewProvider_Disabled(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	if provider.Enabled() {
		t.Errorf("Enabled() = true, want false")
	}
	if provider.Metrics() == nil {
		t.Fatalf("Metrics() = nil, want no-op recorder")
	}

	// The no-op recorder must be safe to use.
	ctx := context.Background()
	provider.Metrics().RecordHTTPRequest(ctx, "GET", "/oauth/token", 200, time.Millisecond)
	provider.Metrics().RecordAuthorization(ctx, StatusSuccess)
	provider.Metrics().RecordTokenIssued(ctx, "authorization_code")
	provider.Metrics().RecordUpstreamRefresh(ctx, StatusError)
	provider.Metrics().RecordClientRegistered(ctx)
	provider.Metrics().RecordGoogleAPIOperation(ctx, "calendar", "list", StatusSuccess, time.Millisecond)
	provider.Metrics().RecordToolInvocation(ctx, "calendar_list_events", StatusSuccess, time.Millisecond)

	if err := provider.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestNewProvider_Enabled(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{
		Enabled:        true,
		ServiceName:    "schedulefewer-test",
		ServiceVersion: "0.0.0-test",
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	}()

	if !provider.Enabled() {
		t.Errorf("Enabled() = false, want true")
	}

	metrics := provider.Metrics()
	if metrics == nil {
		t.Fatalf("Metrics() = nil")
	}

	ctx := context.Background()
	metrics.RecordHTTPRequest(ctx, "POST", "/oauth/token", 200, 5*time.Millisecond)
	metrics.RecordAuthorization(ctx, StatusSuccess)
	metrics.RecordTokenIssued(ctx, "refresh_token")
	metrics.RecordToolInvocation(ctx, "calendar_get_event", StatusError, 10*time.Millisecond)
}
