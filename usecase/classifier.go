package usecase

import (
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/AzielCF/az-publisher/domains/adapter"
	"github.com/AzielCF/az-publisher/domains/recovery"
)

// FailureInput is the raw description of a failed call.
type FailureInput struct {
	Outcome    adapter.Outcome
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
	// Err is the underlying transport error, when one is known.
	Err error
}

// FailureFromResult lifts an adapter result into a FailureInput.
func FailureFromResult(res adapter.Result) FailureInput {
	return FailureInput{
		Outcome:    res.Outcome,
		StatusCode: res.StatusCode,
		Code:       res.ErrorCode,
		Message:    res.Message,
		RetryAfter: res.RetryAfter,
		Err:        res.Err,
	}
}

// ClassifierRule maps matching failures to a kind. Every non-empty criterion
// must match; values inside one criterion are alternatives.
type ClassifierRule struct {
	Name      string
	Outcomes  []adapter.Outcome
	Statuses  []int
	StatusMin int
	StatusMax int
	Codes     []string // compared case-insensitively
	Contains  []string // substrings of the lower-cased message
	Match     func(FailureInput) bool
	Kind      recovery.FailureKind
}

func (r ClassifierRule) matches(in FailureInput) bool {
	criteria := 0
	if len(r.Outcomes) > 0 {
		criteria++
		ok := false
		for _, o := range r.Outcomes {
			if o == in.Outcome {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(r.Statuses) > 0 {
		criteria++
		ok := false
		for _, s := range r.Statuses {
			if s == in.StatusCode {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if r.StatusMin > 0 || r.StatusMax > 0 {
		criteria++
		if in.StatusCode < r.StatusMin || (r.StatusMax > 0 && in.StatusCode > r.StatusMax) {
			return false
		}
	}
	if len(r.Codes) > 0 {
		criteria++
		ok := false
		for _, c := range r.Codes {
			if strings.EqualFold(c, in.Code) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(r.Contains) > 0 {
		criteria++
		msg := strings.ToLower(in.Message)
		ok := false
		for _, s := range r.Contains {
			if strings.Contains(msg, s) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if r.Match != nil {
		criteria++
		if !r.Match(in) {
			return false
		}
	}
	return criteria > 0
}

// DefaultClassifierRules is the built-in table, evaluated top to bottom.
func DefaultClassifierRules() []ClassifierRule {
	return []ClassifierRule{
		{Name: "outcome-timeout", Outcomes: []adapter.Outcome{adapter.OutcomeTimeout}, Kind: recovery.KindConnectionTimeout},
		{Name: "outcome-network", Outcomes: []adapter.Outcome{adapter.OutcomeNetworkError}, Kind: recovery.KindNetworkError},
		{Name: "session-code", Codes: []string{"session_expired", "session_invalid", "login_required", "cookie_expired"}, Kind: recovery.KindSessionExpired},
		{Name: "session-message", Contains: []string{"session expired", "session has expired", "please log in", "login required"}, Kind: recovery.KindSessionExpired},
		{Name: "auth-status", Statuses: []int{401, 403}, Kind: recovery.KindAuthentication},
		{Name: "auth-code", Codes: []string{"unauthorized", "forbidden", "invalid_token", "token_expired", "auth_failed", "authentication_failed"}, Kind: recovery.KindAuthentication},
		{Name: "rate-status", Statuses: []int{429}, Kind: recovery.KindRateLimit},
		{Name: "rate-code", Codes: []string{"rate_limited", "rate_limit_exceeded", "too_many_requests", "quota_exceeded"}, Kind: recovery.KindRateLimit},
		{Name: "rate-message", Contains: []string{"rate limit", "too many requests"}, Kind: recovery.KindRateLimit},
		{Name: "validation-code", Codes: []string{"validation_error", "invalid_payload", "invalid_request", "content_too_long", "duplicate_content"}, Kind: recovery.KindValidation},
		{Name: "validation-status", Statuses: []int{400, 413, 422}, Kind: recovery.KindValidation},
		{Name: "timeout-status", Statuses: []int{408, 504}, Kind: recovery.KindConnectionTimeout},
		{Name: "server-status", StatusMin: 500, StatusMax: 599, Kind: recovery.KindServerError},
		{Name: "timeout-message", Contains: []string{"timeout", "timed out", "deadline exceeded"}, Kind: recovery.KindConnectionTimeout},
		{Name: "network-message", Contains: []string{"connection refused", "connection reset", "no such host", "broken pipe"}, Kind: recovery.KindNetworkError},
		{Name: "network-eof", Match: connectionClosed, Kind: recovery.KindNetworkError},
	}
}

// connectionClosed matches a peer closing the connection mid-response, either
// as a wrapped io.EOF or as Go's "EOF" / "unexpected EOF" error text.
func connectionClosed(in FailureInput) bool {
	if in.Err != nil {
		return errors.Is(in.Err, io.EOF) || errors.Is(in.Err, io.ErrUnexpectedEOF)
	}
	msg := strings.TrimSpace(in.Message)
	return msg == io.EOF.Error() || strings.HasSuffix(msg, ": "+io.EOF.Error()) || strings.Contains(msg, io.ErrUnexpectedEOF.Error())
}

// Classifier maps raw failures to the failure taxonomy with an ordered rule table.
type Classifier struct {
	mu     sync.RWMutex
	custom []ClassifierRule
	rules  []ClassifierRule
}

func NewClassifier() *Classifier {
	return &Classifier{rules: DefaultClassifierRules()}
}

// AddRule registers a rule evaluated before the built-in table. Later custom
// rules are evaluated after earlier ones.
func (c *Classifier) AddRule(rule ClassifierRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.custom = append(c.custom, rule)
}

func (c *Classifier) Classify(in FailureInput) recovery.ClassifiedFailure {
	out := recovery.ClassifiedFailure{
		Kind:       recovery.KindUnknown,
		Message:    in.Message,
		StatusCode: in.StatusCode,
		Code:       in.Code,
		RetryAfter: in.RetryAfter,
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, set := range [][]ClassifierRule{c.custom, c.rules} {
		for _, r := range set {
			if r.matches(in) {
				out.Kind = r.Kind
				return out
			}
		}
	}
	return out
}

func (c *Classifier) ClassifyResult(res adapter.Result) recovery.ClassifiedFailure {
	return c.Classify(FailureFromResult(res))
}
