package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"bountyflow/inbox"
)

const maxWebhookBody = 1 << 20

type webhookResponse struct {
	Received  bool   `json:"received"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Matched   bool   `json:"matched"`
	EventID   string `json:"eventId"`
}

// handleWebhook verifies a rail callback and records it in the inbox. The
// engine applies it asynchronously, so the rail sees a 200 as soon as the
// event is durable. Callbacks that match no escrow are still recorded.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	railID := chi.URLParam(r, "rail")
	if s.webhooks == nil || s.inbox == nil {
		writeMessage(w, http.StatusNotFound, "webhooks are not enabled")
		return
	}
	parser, ok := s.webhooks.Webhooks(railID)
	if !ok {
		writeMessage(w, http.StatusNotFound, "unknown rail")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeMessage(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeMessage(w, http.StatusBadRequest, "unreadable payload")
		return
	}

	ev, err := parser.ParseWebhook(r.Header, body)
	if err != nil {
		s.log.Warn("webhook rejected", "rail", railID, "err", err)
		writeMessage(w, http.StatusBadRequest, "invalid webhook")
		return
	}

	escrowID, bountyID, err := s.engine.LocateEscrow(r.Context(), ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if escrowID == "" {
		escrowID = ev.EscrowID
	}

	inserted, err := s.inbox.Record(r.Context(), inbox.Event{
		Rail:      string(ev.Rail),
		EventID:   ev.EventID,
		Type:      string(ev.Type),
		Reference: ev.Reference,
		BountyID:  bountyID,
		EscrowID:  escrowID,
		Payload:   ev.Payload,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("webhook received",
		"rail", railID,
		"event_id", ev.EventID,
		"type", ev.Type,
		"bounty_id", bountyID,
		"duplicate", !inserted)
	writeJSON(w, http.StatusOK, webhookResponse{
		Received:  true,
		Duplicate: !inserted,
		Matched:   bountyID != "",
		EventID:   ev.EventID,
	})
}
