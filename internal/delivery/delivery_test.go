package delivery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"a":1}`)
	// echo -n '{"a":1}' | openssl dgst -sha256 -hmac secret
	const want = "aa9e2e3575f5d7098b6caccd790888c36d5fdb63342a73bada2d6a51747a8494"

	sig := Sign("secret", body)
	if sig != want {
		t.Fatalf("Sign() = %q, want %q", sig, want)
	}

	tests := []struct {
		name   string
		secret string
		body   []byte
		sig    string
		want   bool
	}{
		{name: "valid", secret: "secret", body: body, sig: sig, want: true},
		{name: "wrong secret", secret: "other", body: body, sig: sig, want: false},
		{name: "tampered body", secret: "secret", body: []byte(`{"a":2}`), sig: sig, want: false},
		{name: "empty signature", secret: "secret", body: body, sig: "", want: false},
		{name: "prefixed signature", secret: "secret", body: body, sig: "sha256=" + sig, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Verify(tt.secret, tt.body, tt.sig); got != tt.want {
				t.Errorf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExponentialDelay(t *testing.T) {
	tests := []struct {
		name    string
		backoff Exponential
		attempt int
		want    time.Duration
	}{
		{name: "first attempt", backoff: Exponential{Base: time.Second}, attempt: 1, want: 2 * time.Second},
		{name: "fourth attempt", backoff: Exponential{Base: time.Second}, attempt: 4, want: 16 * time.Second},
		{name: "zero attempts", backoff: Exponential{Base: time.Second}, attempt: 0, want: time.Second},
		{name: "negative attempts", backoff: Exponential{Base: time.Second}, attempt: -3, want: time.Second},
		{name: "capped", backoff: Exponential{Base: time.Second, Max: 5 * time.Second}, attempt: 4, want: 5 * time.Second},
		{name: "overflow clamps", backoff: Exponential{Base: time.Second}, attempt: 200, want: time.Duration(math.MaxInt64)},
		{name: "last exact power", backoff: Exponential{Base: time.Second}, attempt: 33, want: (1 << 33) * time.Second},
		{name: "saturates past int64", backoff: Exponential{Base: time.Second}, attempt: 34, want: time.Duration(math.MaxInt64)},
		{name: "saturates at 63", backoff: Exponential{Base: time.Second}, attempt: 63, want: time.Duration(math.MaxInt64)},
		{name: "large attempt capped", backoff: Exponential{Base: time.Second, Max: time.Hour}, attempt: 40, want: time.Hour},
		{name: "zero base", backoff: Exponential{}, attempt: 3, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.backoff.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestDefaultBackoffStrictlyGrows(t *testing.T) {
	b := DefaultBackoff()
	prev := time.Duration(0)
	for n := 1; n <= 4; n++ {
		d := b.Delay(n)
		if d <= prev {
			t.Errorf("Delay(%d) = %v, not greater than Delay(%d) = %v", n, d, n-1, prev)
		}
		prev = d
	}
}

func TestBackoffNeverNegative(t *testing.T) {
	b := DefaultBackoff()
	prev := time.Duration(0)
	for n := 0; n <= 100; n++ {
		d := b.Delay(n)
		if d <= 0 || d < prev {
			t.Fatalf("Delay(%d) = %v after Delay(%d) = %v, want positive and non-decreasing", n, d, n-1, prev)
		}
		prev = d
	}
}

func TestResponseText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{name: "plain", in: "bad gateway", n: 100, want: "bad gateway"},
		{name: "nul and invalid bytes", in: "err\x00\xff\xfebinary", n: 100, want: "err\uFFFDbinary"},
		{name: "only nul", in: "\x00\x00", n: 100, want: ""},
		{name: "cut after cleaning", in: "\xffabc", n: 2, want: "\uFFFDa"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := responseText(tt.in, tt.n)
			if got != tt.want {
				t.Errorf("responseText(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
			if !utf8.ValidString(got) || strings.ContainsRune(got, 0) {
				t.Errorf("responseText(%q) = %q is not storable text", tt.in, got)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{name: "short", in: "abc", n: 10, want: "abc"},
		{name: "exact", in: "abc", n: 3, want: "abc"},
		{name: "cut", in: "abcdef", n: 3, want: "abc"},
		{name: "multibyte", in: "héllo wörld", n: 4, want: "héll"},
		{name: "zero", in: "abc", n: 0, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncate(tt.in, tt.n); got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
		})
	}
}

func TestClassifyReason(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		want   string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: "timeout"},
		{name: "wrapped deadline", err: fmt.Errorf("post: %w", context.DeadlineExceeded), want: "timeout"},
		{name: "client timeout text", err: errors.New("Client.Timeout exceeded while awaiting headers"), want: "timeout"},
		{name: "refused", err: errors.New("dial tcp 127.0.0.1:1: connect: connection refused"), want: "connection_refused"},
		{name: "dns", err: &net.DNSError{Err: "no such host", Name: "nope.invalid"}, want: "dns_error"},
		{name: "other network", err: errors.New("EOF"), want: "network"},
		{name: "500", status: 500, want: "http_5xx"},
		{name: "503", status: 503, want: "http_5xx"},
		{name: "429", status: 429, want: "http_429"},
		{name: "404", status: 404, want: "http_4xx"},
		{name: "302", status: 302, want: "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyReason(tt.err, tt.status); got != tt.want {
				t.Errorf("classifyReason() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeliveryStatus(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		d        Delivery
		want     string
		terminal bool
	}{
		{name: "pending", d: Delivery{}, want: StatusPending},
		{name: "retrying", d: Delivery{AttemptCount: 2, FailedAt: &now, NextRetryAt: &now}, want: StatusRetrying},
		{name: "failed", d: Delivery{AttemptCount: 5, FailedAt: &now}, want: StatusFailed, terminal: true},
		{name: "delivered", d: Delivery{AttemptCount: 3, FailedAt: &now, DeliveredAt: &now}, want: StatusDelivered, terminal: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.d.Status(5); got != tt.want {
				t.Errorf("Status() = %q, want %q", got, tt.want)
			}
			if got := tt.d.Terminal(5); got != tt.terminal {
				t.Errorf("Terminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestRetryQueryEligible(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	past, future := now.Add(-time.Second), now.Add(time.Second)
	q := RetryQuery{Now: now, MaxAttempts: 5}

	tests := []struct {
		name string
		d    Delivery
		want bool
	}{
		{name: "never attempted", d: Delivery{}, want: true},
		{name: "retry due", d: Delivery{AttemptCount: 1, FailedAt: &past, NextRetryAt: &past}, want: true},
		{name: "retry due exactly now", d: Delivery{AttemptCount: 1, FailedAt: &past, NextRetryAt: &now}, want: true},
		{name: "retry in future", d: Delivery{AttemptCount: 1, FailedAt: &past, NextRetryAt: &future}, want: false},
		{name: "exhausted", d: Delivery{AttemptCount: 5, FailedAt: &past}, want: false},
		{name: "failed without schedule", d: Delivery{AttemptCount: 2, FailedAt: &past}, want: false},
		{name: "delivered", d: Delivery{AttemptCount: 1, DeliveredAt: &past}, want: false},
		{name: "live lease", d: Delivery{ClaimedUntil: &future}, want: false},
		{name: "expired lease", d: Delivery{ClaimedUntil: &past}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := q.Eligible(&tt.d); got != tt.want {
				t.Errorf("Eligible() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		msg      string
	}{
		{name: "validation", err: Validation("url", "is required"), sentinel: ErrValidation, msg: "url: is required"},
		{name: "not found", err: NotFound("subscription", "sub_1"), sentinel: ErrNotFound, msg: "subscription sub_1 not found"},
		{name: "invalid state", err: InvalidState("delivery already succeeded"), sentinel: ErrInvalidState, msg: "delivery already succeeded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false", tt.err, tt.sentinel)
			}
			if !errors.Is(fmt.Errorf("wrapped: %w", tt.err), tt.sentinel) {
				t.Error("sentinel lost through wrapping")
			}
			if tt.err.Error() != tt.msg {
				t.Errorf("Error() = %q, want %q", tt.err.Error(), tt.msg)
			}
		})
	}
}

func TestEncodePayload(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		want    string
		wantErr bool
	}{
		{name: "raw message verbatim", in: []byte(`{"b":2,  "a":1}`), want: `{"b":2,  "a":1}`},
		{name: "value marshalled", in: map[string]int{"a": 1}, want: `{"a":1}`},
		{name: "invalid raw", in: []byte(`{nope`), wantErr: true},
		{name: "empty raw", in: []byte{}, wantErr: true},
		{name: "nil", in: nil, wantErr: true},
		{name: "unencodable", in: make(chan int), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := encodePayload(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Errorf("encodePayload() error = %v, want ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("encodePayload() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("encodePayload() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNormalizeEvents(t *testing.T) {
	got, err := normalizeEvents([]string{" contact.created ", "card.viewed", "contact.created"})
	if err != nil {
		t.Fatalf("normalizeEvents() error = %v", err)
	}
	if strings.Join(got, ",") != "contact.created,card.viewed" {
		t.Errorf("normalizeEvents() = %v", got)
	}

	for _, bad := range [][]string{nil, {}, {"ok", " "}, {strings.Repeat("x", 256)}} {
		if _, err := normalizeEvents(bad); !errors.Is(err, ErrValidation) {
			t.Errorf("normalizeEvents(%q) error = %v, want ErrValidation", bad, err)
		}
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		in    string
		valid bool
	}{
		{"https://example.com/hook", true},
		{"http://localhost:8080/webhook?x=1", true},
		{"", false},
		{"example.com/hook", false},
		{"ftp://example.com/hook", false},
		{"https:///nohost", false},
		{"/relative", false},
	}
	for _, tt := range tests {
		_, err := validateURL(tt.in)
		if (err == nil) != tt.valid {
			t.Errorf("validateURL(%q) error = %v, want valid=%v", tt.in, err, tt.valid)
		}
	}
}

func TestGenerateSecret(t *testing.T) {
	a, err := generateSecret(32)
	if err != nil {
		t.Fatalf("generateSecret() error = %v", err)
	}
	b, _ := generateSecret(32)
	if a == b {
		t.Error("generateSecret() returned the same secret twice")
	}
	// 32 bytes, raw url base64: 43 characters.
	if len(a) != 43 {
		t.Errorf("generateSecret() length = %d, want 43", len(a))
	}
}

func TestNewIDSortable(t *testing.T) {
	a := NewID()
	time.Sleep(2 * time.Millisecond)
	b := NewID()
	if len(a) != 26 || len(b) != 26 {
		t.Fatalf("NewID() lengths = %d, %d, want 26", len(a), len(b))
	}
	if !(a < b) {
		t.Errorf("NewID() not time ordered: %s >= %s", a, b)
	}
}

func TestNewIDMonotonicWithinMillisecond(t *testing.T) {
	prev := NewID()
	for i := 0; i < 1000; i++ {
		id := NewID()
		if id <= prev {
			t.Fatalf("NewID() #%d = %s, not greater than %s", i, id, prev)
		}
		prev = id
	}
}

func TestPolicyNormalize(t *testing.T) {
	var p Policy
	p.normalize()
	def := DefaultPolicy()
	if p.MaxAttempts != def.MaxAttempts || p.Timeout != def.Timeout || p.BreakerThreshold != def.BreakerThreshold {
		t.Errorf("normalize() = %+v, want defaults", p)
	}
	if p.ClaimTTL <= p.Timeout {
		t.Errorf("normalize() ClaimTTL = %v, want longer than Timeout %v", p.ClaimTTL, p.Timeout)
	}

	p = Policy{Timeout: 5 * time.Minute, ClaimTTL: time.Minute}
	p.normalize()
	if p.ClaimTTL <= p.Timeout {
		t.Errorf("normalize() ClaimTTL = %v, want longer than Timeout %v", p.ClaimTTL, p.Timeout)
	}
}
