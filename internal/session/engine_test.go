package session

import (
	"testing"
	"time"

	"remora/internal/backend"
	"remora/internal/media"
)

func TestRetryDelaySchedule(t *testing.T) {
	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		15000 * time.Millisecond, // capped
	}
	for n := 1; n <= maxRetryAttempts; n++ {
		if got := retryDelay(n); got != want[n-1] {
			t.Errorf("retryDelay(%d) = %v, want %v", n, got, want[n-1])
		}
	}
}

func TestRetryableStatus(t *testing.T) {
	for _, status := range []int{502, 503, 504} {
		if !retryableStatus(status) {
			t.Errorf("status %d should be retryable", status)
		}
	}
	for _, status := range []int{0, 400, 401, 403, 404, 500} {
		if retryableStatus(status) {
			t.Errorf("status %d should not be retryable", status)
		}
	}
}

func TestRenewalDelayFormula(t *testing.T) {
	now := int64(1_700_000_000)
	cases := []struct {
		expiry int64
		want   time.Duration
	}{
		{now + 3600, 3480 * time.Second}, // expiry - now - 120
		{now + 121, 10 * time.Second},    // floored
		{now + 10, 10 * time.Second},
		{now - 100, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := renewalDelay(tc.expiry, now); got != tc.want {
			t.Errorf("renewalDelay(%d) = %v, want %v", tc.expiry, got, tc.want)
		}
	}
}

func TestQualityCap(t *testing.T) {
	ladder := []media.Rendition{
		{Index: 0, Bandwidth: 800_000, Height: 360},
		{Index: 1, Bandwidth: 2_400_000, Height: 720},
		{Index: 2, Bandwidth: 5_000_000, Height: 1080},
		{Index: 3, Bandwidth: 12_000_000, Height: 2160},
	}
	if got := qualityCap(ladder); got != 2 {
		t.Errorf("cap = %d, want 2 (highest <=1080p)", got)
	}

	only4K := []media.Rendition{{Index: 0, Bandwidth: 12_000_000, Height: 2160}}
	if got := qualityCap(only4K); got != backend.NoCap {
		t.Errorf("cap = %d, want NoCap when nothing qualifies", got)
	}

	if got := qualityCap(nil); got != backend.NoCap {
		t.Errorf("cap = %d, want NoCap for empty ladder", got)
	}

	unsized := []media.Rendition{{Index: 0, Bandwidth: 800_000}}
	if got := qualityCap(unsized); got != backend.NoCap {
		t.Errorf("cap = %d, want NoCap when heights are unknown", got)
	}
}

func TestHiccupReason(t *testing.T) {
	if got := hiccupReason(backend.ErrorEvent{Code: "bufferStalled"}); got != "hls-error-bufferStalled" {
		t.Errorf("reason = %q", got)
	}
	if got := hiccupReason(backend.ErrorEvent{}); got != "stall" {
		t.Errorf("reason = %q", got)
	}
}

func TestBypassReasons(t *testing.T) {
	yes := []string{"token-refresh", "token-refresh:http-401", "resume-initial", "resume", "unexpected-reset"}
	for _, r := range yes {
		if !bypassesSeekSuppression(r) {
			t.Errorf("%q should bypass seek suppression", r)
		}
	}
	no := []string{"stall", "hls-error-bufferStalled", "track-switch-audio", "network-reload"}
	for _, r := range no {
		if bypassesSeekSuppression(r) {
			t.Errorf("%q should not bypass seek suppression", r)
		}
	}
}
