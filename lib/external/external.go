// Package external holds the thin interfaces to collaborators the core
// consumes but does not implement: CAPTCHA verification and per-user
// quota storage. The relational store and the real reCAPTCHA verifier
// live outside this repository; this package only defines what the core
// needs from them, plus minimal implementations used by tests.
package external

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// CaptchaVerifier checks a CAPTCHA response token.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token string) (bool, error)
}

// BypassVerifier always reports success. It exists for local development
// when RECAPTCHA_BYPASS is set; it must never be wired in production.
type BypassVerifier struct{}

func (BypassVerifier) Verify(ctx context.Context, token string) (bool, error) {
	return true, nil
}

// RecaptchaVerifier calls Google's reCAPTCHA siteverify endpoint.
type RecaptchaVerifier struct {
	Secret     string
	HTTPClient *http.Client
	Endpoint   string // overridable for tests
}

// NewRecaptchaVerifier creates a verifier posting to the standard
// siteverify endpoint with a bounded-timeout HTTP client.
func NewRecaptchaVerifier(secret string) *RecaptchaVerifier {
	return &RecaptchaVerifier{
		Secret:     secret,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
		Endpoint:   "https://www.google.com/recaptcha/api/siteverify",
	}
}

type recaptchaResponse struct {
	Success bool `json:"success"`
}

func (v *RecaptchaVerifier) Verify(ctx context.Context, token string) (bool, error) {
	form := url.Values{"secret": {v.Secret}, "response": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.Endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("build captcha request: %w", err)
	}
	req.URL.RawQuery = form.Encode()

	resp, err := v.HTTPClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("call captcha verifier: %w", err)
	}
	defer resp.Body.Close()

	var out recaptchaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode captcha response: %w", err)
	}
	return out.Success, nil
}

// QuotaRecord mirrors the fields the core reads and mutates on the
// external relational user/quota store.
type QuotaRecord struct {
	UserID                    string
	SnapshotStorageCapacityMB int64
	SnapshotStoredMB          int64
}

// QuotaStore reads and transactionally adjusts a user's snapshot storage
// usage. Implementations must make Adjust atomic with respect to Get for
// the same user (spec.md §3 invariant 3).
type QuotaStore interface {
	Get(ctx context.Context, userID string) (QuotaRecord, error)
	// Adjust applies deltaMB (positive or negative) to snapshot_stored_mb.
	// It must reject the adjustment (returning ErrQuotaExceeded) without
	// mutating state if the result would exceed capacity, and it must
	// floor the result at zero rather than going negative.
	Adjust(ctx context.Context, userID string, deltaMB int64) error
}

// ErrQuotaExceeded is returned by Adjust when an increase would exceed
// snapshot_storage_capacity_mb.
var ErrQuotaExceeded = fmt.Errorf("quota exceeded")

// InMemoryQuotaStore is a process-local QuotaStore for tests and for
// standalone runs without a relational store configured. It is not a
// stand-in for the real store the spec deliberately leaves external; it
// exists purely to exercise C5's quota invariant in-process.
type InMemoryQuotaStore struct {
	mu       sync.Mutex
	records  map[string]*QuotaRecord
	defaultC int64
}

// NewInMemoryQuotaStore creates a store where unseen users start with
// defaultCapacityMB of snapshot storage capacity and zero stored.
func NewInMemoryQuotaStore(defaultCapacityMB int64) *InMemoryQuotaStore {
	return &InMemoryQuotaStore{
		records:  make(map[string]*QuotaRecord),
		defaultC: defaultCapacityMB,
	}
}

func (s *InMemoryQuotaStore) recordFor(userID string) *QuotaRecord {
	rec, ok := s.records[userID]
	if !ok {
		rec = &QuotaRecord{UserID: userID, SnapshotStorageCapacityMB: s.defaultC}
		s.records[userID] = rec
	}
	return rec
}

func (s *InMemoryQuotaStore) Get(ctx context.Context, userID string) (QuotaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.recordFor(userID), nil
}

func (s *InMemoryQuotaStore) Adjust(ctx context.Context, userID string, deltaMB int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.recordFor(userID)
	next := rec.SnapshotStoredMB + deltaMB
	if next > rec.SnapshotStorageCapacityMB {
		return ErrQuotaExceeded
	}
	if next < 0 {
		next = 0
	}
	rec.SnapshotStoredMB = next
	return nil
}

// SetCapacity overrides a user's capacity for test setup.
func (s *InMemoryQuotaStore) SetCapacity(userID string, capacityMB, storedMB int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[userID] = &QuotaRecord{
		UserID:                    userID,
		SnapshotStorageCapacityMB: capacityMB,
		SnapshotStoredMB:          storedMB,
	}
}

