package usecase

import (
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/AzielCF/az-publisher/domains/adapter"
	"github.com/AzielCF/az-publisher/domains/recovery"
	"github.com/stretchr/testify/assert"
)

func TestClassifier_DefaultTable(t *testing.T) {
	c := NewClassifier()
	cases := []struct {
		name string
		in   FailureInput
		want recovery.FailureKind
	}{
		{"timeout outcome", FailureInput{Outcome: adapter.OutcomeTimeout}, recovery.KindConnectionTimeout},
		{"network outcome", FailureInput{Outcome: adapter.OutcomeNetworkError, Message: "dial tcp"}, recovery.KindNetworkError},
		{"401", FailureInput{Outcome: adapter.OutcomePlatformError, StatusCode: 401}, recovery.KindAuthentication},
		{"session code wins over 401", FailureInput{Outcome: adapter.OutcomePlatformError, StatusCode: 401, Code: "SESSION_EXPIRED"}, recovery.KindSessionExpired},
		{"session message", FailureInput{Outcome: adapter.OutcomePlatformError, Message: "Your session has expired"}, recovery.KindSessionExpired},
		{"429", FailureInput{Outcome: adapter.OutcomePlatformError, StatusCode: 429}, recovery.KindRateLimit},
		{"rate code", FailureInput{Outcome: adapter.OutcomePlatformError, Code: "rate_limited"}, recovery.KindRateLimit},
		{"403 before rate code", FailureInput{Outcome: adapter.OutcomePlatformError, StatusCode: 403, Code: "rate_limited"}, recovery.KindAuthentication},
		{"422", FailureInput{Outcome: adapter.OutcomePlatformError, StatusCode: 422}, recovery.KindValidation},
		{"validation code", FailureInput{Outcome: adapter.OutcomePlatformError, Code: "content_too_long"}, recovery.KindValidation},
		{"504", FailureInput{Outcome: adapter.OutcomePlatformError, StatusCode: 504}, recovery.KindConnectionTimeout},
		{"503", FailureInput{Outcome: adapter.OutcomePlatformError, StatusCode: 503}, recovery.KindServerError},
		{"message timeout", FailureInput{Outcome: adapter.OutcomePlatformError, Message: "upstream timed out"}, recovery.KindConnectionTimeout},
		{"message refused", FailureInput{Outcome: adapter.OutcomePlatformError, Message: "connection refused"}, recovery.KindNetworkError},
		{"nothing known", FailureInput{Outcome: adapter.OutcomePlatformError, StatusCode: 418, Message: "teapot"}, recovery.KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.Classify(tc.in).Kind)
		})
	}
}

func TestClassifier_KeepsDetails(t *testing.T) {
	c := NewClassifier()
	got := c.ClassifyResult(adapter.Result{
		Outcome:    adapter.OutcomePlatformError,
		StatusCode: 429,
		ErrorCode:  "too_many_requests",
		Message:    "slow down",
		RetryAfter: 90 * time.Second,
	})
	assert.Equal(t, recovery.KindRateLimit, got.Kind)
	assert.Equal(t, 90*time.Second, got.RetryAfter)
	assert.Equal(t, "slow down", got.Message)
	assert.Equal(t, "too_many_requests", got.Code)
}

func TestClassifier_AddRuleTakesPrecedence(t *testing.T) {
	c := NewClassifier()
	in := FailureInput{Outcome: adapter.OutcomePlatformError, StatusCode: 403, Code: "account_suspended"}
	assert.Equal(t, recovery.KindAuthentication, c.Classify(in).Kind)

	c.AddRule(ClassifierRule{Name: "suspended", Codes: []string{"account_suspended"}, Kind: recovery.KindValidation})
	assert.Equal(t, recovery.KindValidation, c.Classify(in).Kind)

	c.AddRule(ClassifierRule{Name: "func", Match: func(in FailureInput) bool { return in.StatusCode == 418 }, Kind: recovery.KindServerError})
	assert.Equal(t, recovery.KindServerError, c.Classify(FailureInput{StatusCode: 418}).Kind)
}

func TestClassifierRule_EmptyRuleNeverMatches(t *testing.T) {
	assert.False(t, ClassifierRule{Kind: recovery.KindServerError}.matches(FailureInput{StatusCode: 500}))
}

func TestClassifier_ConnectionClosed(t *testing.T) {
	c := NewClassifier()
	cases := []struct {
		name string
		in   FailureInput
		want recovery.FailureKind
	}{
		{"wrapped io.EOF", FailureInput{Outcome: adapter.OutcomePlatformError, Err: fmt.Errorf("read body: %w", io.EOF)}, recovery.KindNetworkError},
		{"unexpected EOF error", FailureInput{Outcome: adapter.OutcomePlatformError, Err: io.ErrUnexpectedEOF}, recovery.KindNetworkError},
		{"EOF text", FailureInput{Outcome: adapter.OutcomePlatformError, Message: `Post "https://ghost.example/api": EOF`}, recovery.KindNetworkError},
		{"unexpected EOF text", FailureInput{Outcome: adapter.OutcomePlatformError, Message: "unexpected EOF"}, recovery.KindNetworkError},
		{"word containing eof", FailureInput{Outcome: adapter.OutcomePlatformError, StatusCode: 418, Message: "geofence rejected the post"}, recovery.KindUnknown},
		{"unrelated error", FailureInput{Outcome: adapter.OutcomePlatformError, StatusCode: 418, Err: fmt.Errorf("geofence")}, recovery.KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.Classify(tc.in).Kind)
		})
	}
}
