package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/raterudder/gridcharge/pkg/log"
)

// updateTimeout bounds a manually triggered cycle. Script providers can take
// minutes to drive a browser.
const updateTimeout = 4 * time.Minute

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.updateLimiter.Allow() {
		writeJSONError(w, "update requested too recently", http.StatusTooManyRequests)
		return
	}

	// the cycle must not be abandoned half way if the client goes away
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), updateTimeout)
	defer cancel()

	action, err := s.runCycle(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "manual update failed", slog.Any("error", err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, action)
		return
	}
	writeJSON(w, action)
}
