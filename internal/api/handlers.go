package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mkulima/ussdgate/internal/flow"
	"github.com/mkulima/ussdgate/internal/metrics"
)

// handleUSSD processes one hop from the telecom gateway. The response body
// is plain text and always begins with "CON " or "END ", including on
// malformed requests: the gateway relays whatever we return to the
// subscriber's handset.
func (s *Server) handleUSSD(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if err := r.ParseForm(); err != nil {
		slog.Warn("USSD request form parse failed", "error", err)
		writeUSSD(w, http.StatusOK, flow.EndPrefix+"Invalid request.")
		metrics.HopsTotal.WithLabelValues(metrics.ResultEnd).Inc()
		return
	}

	sessionID := r.PostFormValue("sessionId")
	phoneNumber := r.PostFormValue("phoneNumber")
	text := r.PostFormValue("text")

	resp := s.handler.HandleInput(r.Context(), sessionID, phoneNumber, text)

	result := metrics.ResultEnd
	if strings.HasPrefix(resp, flow.ConPrefix) {
		result = metrics.ResultContinue
	}
	metrics.HopsTotal.WithLabelValues(result).Inc()
	metrics.HopDuration.Observe(time.Since(start).Seconds())

	writeUSSD(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		slog.Error("Server.handleHealth: failed to write response", "error", err)
	}
}

func writeUSSD(w http.ResponseWriter, statusCode int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode)
	if _, err := io.WriteString(w, body); err != nil {
		slog.Error("Server.writeUSSD: failed to write response", "error", err)
	}
}
