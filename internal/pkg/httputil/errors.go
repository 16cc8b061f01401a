package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/bissquit/booking-dispatch/internal/pkg/ctxlog"
)

// ErrorMapping defines how a domain error maps to an HTTP response.
type ErrorMapping struct {
	Error   error
	Status  int
	Message string // if empty, uses err.Error()
}

// HandleError maps an error to an HTTP response using the provided mappings.
// Cancelled requests get 503; anything unmapped is logged and returned as
// 500.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	for _, m := range mappings {
		if errors.Is(err, m.Error) {
			msg := m.Message
			if msg == "" {
				msg = err.Error()
			}
			Error(w, m.Status, msg)
			return
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		ctxlog.FromContext(ctx).Warn("request aborted", "error", err)
		Error(w, http.StatusServiceUnavailable, "request aborted")
		return
	}

	ctxlog.FromContext(ctx).Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal error")
}
