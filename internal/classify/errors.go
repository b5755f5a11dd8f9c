package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	llmerrors "github.com/aktagon/llmkit/errors"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
)

// statusKind maps an HTTP status onto the failure taxonomy. Throttling,
// request timeouts and server errors may succeed later; other client errors
// will not.
func statusKind(code int) error {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return harvest.ErrTransient
	default:
		return harvest.ErrPermanent
	}
}

// llmError tags an llmkit error as transient or permanent.
func llmError(provider string, err error) error {
	var apiErr *llmerrors.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s request: %w: %w", provider, statusKind(apiErr.StatusCode), err)
	}
	var reqErr *llmerrors.RequestError
	if errors.As(err, &reqErr) && reqErr.Operation == "sending request" {
		return fmt.Errorf("%s request: %w: %w", provider, harvest.ErrTransient, err)
	}
	return fmt.Errorf("%s request: %w: %w", provider, harvest.ErrPermanent, err)
}

// isTimeout reports whether err is a deadline or client timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// fallsBack reports whether a primary failure hands the paper to the
// secondary. Timeouts and permanent failures do; a transient failure is
// returned to the caller so the paper is retried on the primary later.
// Untagged errors count as permanent.
func fallsBack(err error) bool {
	return isTimeout(err) || !errors.Is(err, harvest.ErrTransient)
}
