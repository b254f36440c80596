package util

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		kind      string
	}{
		{"nil", nil, false, ""},
		{"deadline", fmt.Errorf("get issue: %w", context.DeadlineExceeded), true, "timeout"},
		{"canceled", context.Canceled, false, "context_canceled"},
		{"url error", &url.Error{Op: "Get", URL: "https://x", Err: errors.New("dial tcp: no route")}, true, "network_error"},
		{"reset", errors.New("read: connection reset by peer"), true, "connection_error"},
		{"bad payload", fmt.Errorf("decode issue: %w", &json.SyntaxError{Offset: 3}), false, "json_decode_error"},
		{"sql text is not special", errors.New("no rows in result set"), false, "unknown_error"},
		{"other", errors.New("something odd"), false, "unknown_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retryable, kind := IsRetryableError(tt.err)
			assert.Equal(t, tt.retryable, retryable)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		code      int
		retryable bool
		kind      string
	}{
		{http.StatusNotFound, false, "not_found"},
		{http.StatusTooManyRequests, true, "rate_limited"},
		{http.StatusBadGateway, true, "server_error"},
		{http.StatusUnprocessableEntity, false, "client_error"},
	}
	for _, tt := range tests {
		retryable, kind := ClassifyHTTPStatus(tt.code)
		assert.Equal(t, tt.retryable, retryable, tt.code)
		assert.Equal(t, tt.kind, kind, tt.code)
	}
}
