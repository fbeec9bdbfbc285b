package publish

import "strings"

// FailureClass is the closed set of per-relay failure categories.
type FailureClass int

const (
	// FailureTransient covers everything not matched by a signature:
	// timeouts, connection resets, relay restarts. Counted but does not
	// change relay health.
	FailureTransient FailureClass = iota
	// FailureRateLimited backs the relay off for a growing window.
	FailureRateLimited
	// FailurePermanent excludes the relay for the process lifetime.
	FailurePermanent
)

func (c FailureClass) String() string {
	switch c {
	case FailureRateLimited:
		return "rate-limited"
	case FailurePermanent:
		return "permanent"
	}
	return "transient"
}

// Classifier maps a publish error to a failure class. The default is
// best-effort text matching against known relay responses; it is pluggable
// so the brittle string matching stays isolated and testable.
type Classifier func(err error) FailureClass

// Signatures observed in OK/CLOSED messages from public relays.
var (
	rateLimitSignatures = []string{
		"rate-limit",
		"rate limit",
		"rate-limited",
		"too fast",
		"slow down",
		"too many",
	}
	permanentSignatures = []string{
		"blocked",
		"banned",
		"restricted",
		"not accepted",
		"pubkey is not allowed",
		"no such host",
	}
)

// DefaultClassifier classifies by error text.
func DefaultClassifier(err error) FailureClass {
	if err == nil {
		return FailureTransient
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range rateLimitSignatures {
		if strings.Contains(msg, sig) {
			return FailureRateLimited
		}
	}
	for _, sig := range permanentSignatures {
		if strings.Contains(msg, sig) {
			return FailurePermanent
		}
	}
	return FailureTransient
}
