package providergw

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/fairyhunter13/llmbroker/internal/domain"
)

// classifyTransportError maps a failed http.Client.Do to a normalized code:
// a context deadline, a net.Error reporting Timeout(), or an error message
// mentioning a timeout or deadline maps to TIMEOUT; connection reset, DNS
// failure, connection refused, a broken pipe/socket hang-up, or an EOF
// maps to PROVIDER_UNAVAILABLE; anything else falls back to UNKNOWN. Provider-specific error tags and HTTP status are handled
// by the caller before this is reached.
func classifyTransportError(err error) domain.ErrorCode {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrCodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrCodeTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return domain.ErrCodeTimeout
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "socket hang up"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "eof"):
		return domain.ErrCodeProviderUnavailable
	default:
		return domain.ErrCodeUnknown
	}
}
