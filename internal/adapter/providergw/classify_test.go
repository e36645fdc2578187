package providergw

import (
	"context"
	"errors"
	"testing"

	"github.com/fairyhunter13/llmbroker/internal/domain"
)

func TestClassifyTransportError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want domain.ErrorCode
	}{
		{"deadline exceeded", context.DeadlineExceeded, domain.ErrCodeTimeout},
		{"timeout wording", errors.New("net/http: request canceled (Client.Timeout exceeded while awaiting headers): timeout"), domain.ErrCodeTimeout},
		{"connection reset", errors.New("read: connection reset by peer"), domain.ErrCodeProviderUnavailable},
		{"dns failure", errors.New("dial tcp: lookup api.example.com: no such host"), domain.ErrCodeProviderUnavailable},
		{"connection refused", errors.New("dial tcp 127.0.0.1:443: connect: connection refused"), domain.ErrCodeProviderUnavailable},
		{"socket hang up", errors.New("socket hang up"), domain.ErrCodeProviderUnavailable},
		{"unrecognized", errors.New("something unexpected happened"), domain.ErrCodeUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyTransportError(tc.err); got != tc.want {
				t.Fatalf("classifyTransportError(%q) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}
