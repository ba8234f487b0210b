// SPDX-License-Identifier: MIT

// Package errcode defines the closed set of download failure codes and the
// normalization of free-text client errors into that set.
package errcode

import "strings"

// Code is a canonical download failure code.
type Code string

// Non-retryable codes. A download failing with one of these stays failed
// until an operator intervenes.
const (
	FileNotFound Code = "file_not_found"
	UserBlocked  Code = "user_blocked"
	InvalidFile  Code = "invalid_file"
	FileTooSmall Code = "file_too_small"
)

// Retryable codes. Failures with these codes are eligible for automatic
// retry with backoff.
const (
	Timeout            Code = "timeout"
	UserOffline        Code = "user_offline"
	TransferFailed     Code = "transfer_failed"
	QueueTimeout       Code = "queue_timeout"
	ConnectionError    Code = "connection_error"
	RateLimited        Code = "rate_limited"
	ServiceUnavailable Code = "service_unavailable"
	Unknown            Code = "unknown"
)

func (c Code) String() string { return string(c) }

// IsValid checks whether the code is part of the closed set.
func (c Code) IsValid() bool {
	switch c {
	case FileNotFound, UserBlocked, InvalidFile, FileTooSmall,
		Timeout, UserOffline, TransferFailed, QueueTimeout,
		ConnectionError, RateLimited, ServiceUnavailable, Unknown:
		return true
	default:
		return false
	}
}

// Retryable reports whether failures carrying this code may be retried.
// Codes outside the closed set are treated as non-retryable.
func (c Code) Retryable() bool {
	switch c {
	case Timeout, UserOffline, TransferFailed, QueueTimeout,
		ConnectionError, RateLimited, ServiceUnavailable, Unknown:
		return true
	default:
		return false
	}
}

// Describe returns a short human-readable description for UI surfaces.
func (c Code) Describe() string {
	switch c {
	case FileNotFound:
		return "File not found on peer"
	case UserBlocked:
		return "Peer has blocked this client"
	case InvalidFile:
		return "Downloaded file is invalid"
	case FileTooSmall:
		return "Downloaded file is smaller than expected"
	case Timeout:
		return "Transfer timed out"
	case UserOffline:
		return "Peer is offline"
	case TransferFailed:
		return "Transfer failed"
	case QueueTimeout:
		return "Remote queue position timed out"
	case ConnectionError:
		return "Connection error"
	case RateLimited:
		return "Rate limited by remote"
	case ServiceUnavailable:
		return "Service unavailable"
	default:
		return "Unknown error"
	}
}

// normalizeRule maps a lowercase substring to a code. Rules are matched in
// order; earlier rules are more specific.
type normalizeRule struct {
	substr string
	code   Code
}

var normalizeRules = []normalizeRule{
	{"queue timeout", QueueTimeout},
	{"queued too long", QueueTimeout},
	{"too many requests", RateLimited},
	{"rate limit", RateLimited},
	{"429", RateLimited},
	{"not found", FileNotFound},
	{"no such file", FileNotFound},
	{"does not exist", FileNotFound},
	{"removed", FileNotFound},
	{"blocked", UserBlocked},
	{"banned", UserBlocked},
	{"forbidden", UserBlocked},
	{"rejected", UserBlocked},
	{"too small", FileTooSmall},
	{"invalid file", InvalidFile},
	{"corrupt", InvalidFile},
	{"offline", UserOffline},
	{"not logged in", UserOffline},
	{"timed out", Timeout},
	{"timeout", Timeout},
	{"unavailable", ServiceUnavailable},
	{"maintenance", ServiceUnavailable},
	{"503", ServiceUnavailable},
	{"connection refused", ConnectionError},
	{"connection reset", ConnectionError},
	{"connection", ConnectionError},
	{"network", ConnectionError},
	{"aborted", TransferFailed},
	{"cancelled", TransferFailed},
	{"canceled", TransferFailed},
	{"errored", TransferFailed},
	{"failed", TransferFailed},
}

// Normalize maps a free-text error message from the external client to a
// canonical code. Matching is case-folded substring against a fixed rule
// table. Empty input or no match yields Unknown. Normalize is total and
// deterministic.
func Normalize(message string) Code {
	m := strings.ToLower(strings.TrimSpace(message))
	if m == "" {
		return Unknown
	}
	for _, rule := range normalizeRules {
		if strings.Contains(m, rule.substr) {
			return rule.code
		}
	}
	return Unknown
}
