// Package authz exchanges a title and device identity for a time-boxed
// playback authorization (signed master URL plus expiry). It performs no
// retries of its own: callers surface failures or route them through the
// engine's recovery policy.
package authz

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"remora/internal/httputil"
)

// ErrorKind classifies resolver failures.
type ErrorKind string

const (
	KindNetwork     ErrorKind = "network"      // transport failure, no usable response
	KindExpired     ErrorKind = "expired"      // 401/403 from the authorization service
	KindMalformed   ErrorKind = "malformed"    // response missing required manifest keys
	KindDenied      ErrorKind = "denied"       // service said no (business reason)
	KindGateBlocked ErrorKind = "gate-blocked" // profile/parental gate refused playback
)

// Error is a structured resolver failure.
type Error struct {
	Kind    ErrorKind
	Status  int // HTTP status when relevant, else 0
	Message string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("authorization %s (HTTP %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("authorization %s: %s", e.Kind, e.Message)
}

// DeviceInfo identifies the requesting device.
type DeviceInfo struct {
	DeviceID string `json:"deviceId"`
	Label    string `json:"deviceLabel"`
	Platform string `json:"platform"`
}

// Grant is a successful authorization: a signed master URL and its expiry.
type Grant struct {
	MasterURL     string
	ThumbnailsURL string
	ExpiryEpoch   int64 // unix seconds; 0 means the grant carries no expiry
}

// Gate is the pass/fail policy decision consulted before any exchange.
// Implementations evaluate parental/profile access policy elsewhere; only
// the verdict matters here.
type Gate interface {
	Check(ctx context.Context, profileID, titleID string) (allowed bool, reason string, err error)
}

// AllowAll is a Gate that admits everything; used when no policy is configured.
type AllowAll struct{}

func (AllowAll) Check(context.Context, string, string) (bool, string, error) {
	return true, "", nil
}

// Resolver performs the authorization exchange against the configured service.
type Resolver struct {
	endpoint string
	client   *http.Client
	gate     Gate
}

// NewResolver creates a resolver for the given authorization endpoint.
// A nil gate admits everything.
func NewResolver(endpoint string, gate Gate) *Resolver {
	if gate == nil {
		gate = AllowAll{}
	}
	return &Resolver{
		endpoint: endpoint,
		client:   httputil.NewClient(),
		gate:     gate,
	}
}

type exchangeRequest struct {
	TitleID         string   `json:"titleId"`
	DeviceID        string   `json:"deviceId"`
	DeviceLabel     string   `json:"deviceLabel"`
	Platform        string   `json:"platform"`
	Allow4K         bool     `json:"allow4k"`
	ManifestKeyRefs []string `json:"manifestKeyRefs"`
}

type exchangeResponse struct {
	OK            bool   `json:"ok"`
	MasterURL     string `json:"masterUrl"`
	ThumbnailsURL string `json:"thumbnailsUrl"`
	ExpiryEpoch   int64  `json:"expiryEpochSec"`
	ErrMsg        string `json:"error"`
}

// manifestKeyRefs names the manifest entries the client requires in the
// signed response. The service rejects unknown refs, which catches
// client/service schema drift at session start instead of mid-play.
var manifestKeyRefs = []string{"masterUrl", "thumbnailsUrl", "expiryEpochSec"}

// Resolve checks the gate and exchanges (titleID, device) for a Grant.
// profileID scopes the gate decision only; it is not sent to the service.
func (r *Resolver) Resolve(ctx context.Context, titleID, profileID string, device DeviceInfo, allow4K bool) (*Grant, error) {
	if err := httputil.ValidateID(titleID); err != nil {
		return nil, &Error{Kind: KindMalformed, Message: err.Error()}
	}

	allowed, reason, err := r.gate.Check(ctx, profileID, titleID)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Message: fmt.Sprintf("gate check: %v", err)}
	}
	if !allowed {
		return nil, &Error{Kind: KindGateBlocked, Message: reason}
	}

	req := exchangeRequest{
		TitleID:         titleID,
		DeviceID:        device.DeviceID,
		DeviceLabel:     device.Label,
		Platform:        device.Platform,
		Allow4K:         allow4K,
		ManifestKeyRefs: manifestKeyRefs,
	}

	var resp exchangeResponse
	if err := httputil.PostJSON(ctx, r.client, r.endpoint, req, &resp); err != nil {
		var se *httputil.StatusError
		if errors.As(err, &se) {
			kind := KindNetwork
			if se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden {
				kind = KindExpired
			}
			return nil, &Error{Kind: kind, Status: se.Status, Message: "authorization service refused the exchange"}
		}
		return nil, &Error{Kind: KindNetwork, Message: err.Error()}
	}

	if !resp.OK {
		return nil, &Error{Kind: KindDenied, Message: resp.ErrMsg}
	}
	if resp.MasterURL == "" {
		return nil, &Error{Kind: KindMalformed, Message: "response missing masterUrl"}
	}

	return &Grant{
		MasterURL:     resp.MasterURL,
		ThumbnailsURL: resp.ThumbnailsURL,
		ExpiryEpoch:   resp.ExpiryEpoch,
	}, nil
}

// IsExpired reports whether err is an auth-expiry failure that a renewal
// could clear.
func IsExpired(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == KindExpired
}

// IsGateBlocked reports whether err is a gate refusal. Gate refusals are a
// policy state, not an error condition: playback simply does not start.
func IsGateBlocked(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == KindGateBlocked
}
