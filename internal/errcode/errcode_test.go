// SPDX-License-Identifier: MIT

package errcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want Code
	}{
		{"connection timed out", Timeout},
		{"Connection refused by peer", ConnectionError},
		{"file not found on peer", FileNotFound},
		{"The remote file was Removed", FileNotFound},
		{"user is offline", UserOffline},
		{"You are BANNED", UserBlocked},
		{"transfer rejected", UserBlocked},
		{"queue timeout after 300s", QueueTimeout},
		{"HTTP 429 too many requests", RateLimited},
		{"service unavailable (503)", ServiceUnavailable},
		{"transfer errored", TransferFailed},
		{"file too small: 12 bytes", FileTooSmall},
		{"something inexplicable", Unknown},
		{"", Unknown},
		{"   ", Unknown},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, Normalize(tc.in), "input %q", tc.in)
	}
}

func TestNormalize_SpecificBeforeGeneric(t *testing.T) {
	// "queue timeout" contains "timeout" but must map to the specific code.
	assert.Equal(t, QueueTimeout, Normalize("queue timeout"))
	// "connection timed out" contains both "connection" and "timed out";
	// the timeout rule wins by table order.
	assert.Equal(t, Timeout, Normalize("connection timed out"))
}

func TestRetryable(t *testing.T) {
	for _, c := range []Code{Timeout, UserOffline, TransferFailed, QueueTimeout, ConnectionError, RateLimited, ServiceUnavailable, Unknown} {
		assert.True(t, c.Retryable(), "%s must be retryable", c)
	}
	for _, c := range []Code{FileNotFound, UserBlocked, InvalidFile, FileTooSmall} {
		assert.False(t, c.Retryable(), "%s must be non-retryable", c)
	}
	assert.False(t, Code("bogus").Retryable())
}

func TestDescribe_CoversAllCodes(t *testing.T) {
	for _, c := range []Code{
		FileNotFound, UserBlocked, InvalidFile, FileTooSmall,
		Timeout, UserOffline, TransferFailed, QueueTimeout,
		ConnectionError, RateLimited, ServiceUnavailable, Unknown,
	} {
		assert.NotEmpty(t, c.Describe())
		assert.NotEqual(t, "Unknown error", FileNotFound.Describe())
	}
}
