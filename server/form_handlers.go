package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/lucianoaf8/lucaverse-auth/abuse"
	"github.com/lucianoaf8/lucaverse-auth/behavior"
	apperrors "github.com/lucianoaf8/lucaverse-auth/internal/errors"
	"github.com/lucianoaf8/lucaverse-auth/lifecycle"
	"github.com/lucianoaf8/lucaverse-auth/relay"
	"github.com/rs/zerolog/log"
)

const (
	codeInvalidRequest = "invalid_request"
	maxSignalBatch     = 500
	FieldFormID        = "form_id"
)

type formResponse struct {
	ID         string                `json:"id"`
	RenderedAt time.Time             `json:"renderedAt"`
	Honeypots  []abuse.HoneypotField `json:"honeypots"`
}

type signalEvent struct {
	Type string `json:"type"`
	At   int64  `json:"at"` // unix milliseconds
}

type signalsRequest struct {
	Events []signalEvent `json:"events"`
}

type submissionResponse struct {
	Status string `json:"status"`
}

func invalidRequest(w http.ResponseWriter, message string, fields ...string) {
	writeJSON(w, http.StatusBadRequest, apiError{
		ErrorResponse: lifecycle.ErrorResponse{Error: codeInvalidRequest, Message: message},
		Fields:        fields,
	})
}

// ownedForm returns the form only to the client it was issued to.
func (s *Server) ownedForm(r *http.Request, formID string) (*abuse.Form, error) {
	f, err := s.forms.Form(formID)
	if err != nil {
		return nil, err
	}
	if f.ClientID != s.clientIP(r) {
		return nil, apperrors.ErrFormNotFound
	}
	return f, nil
}

// NewFormHandler issues a form instance with its decoy fields.
func (s *Server) NewFormHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := s.forms.NewForm(s.clientIP(r))
		writeJSON(w, http.StatusCreated, formResponse{ID: f.ID, RenderedAt: f.RenderedAt, Honeypots: f.Honeypots})
	}
}

// SignalsHandler feeds a batch of interaction events to the form's analyzer.
func (s *Server) SignalsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := s.ownedForm(r, r.PathValue("id"))
		if err != nil {
			respondError(w, err)
			return
		}

		var req signalsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			invalidRequest(w, "malformed signal batch")
			return
		}
		if len(req.Events) > maxSignalBatch {
			req.Events = req.Events[:maxSignalBatch]
		}

		now := time.Now()
		events := make([]behavior.Event, 0, len(req.Events))
		for _, e := range req.Events {
			t, err := behavior.ParseEventType(e.Type)
			if err != nil {
				continue
			}
			at := now
			// client clocks may run ahead; never accept events from the future
			if e.At > 0 && time.UnixMilli(e.At).Before(now) {
				at = time.UnixMilli(e.At)
			}
			events = append(events, behavior.Event{Type: t, At: at})
		}
		if err := s.forms.RecordSignals(f.ID, events); err != nil {
			respondError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ContactHandler validates the payload, runs the abuse checks and forwards
// the message. Nothing that fails a check reaches the relay.
func (s *Server) ContactHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			invalidRequest(w, "malformed form data")
			return
		}
		f, err := s.ownedForm(r, r.PostForm.Get(FieldFormID))
		if err != nil {
			respondError(w, err)
			return
		}
		if s.relay == nil {
			respondError(w, apperrors.ErrSubmissionUnavailable)
			return
		}

		contact := relay.ContactFromForm(abuse.StripHoneypots(f.Honeypots, r.PostForm))
		if err := s.relay.Validate(contact); err != nil {
			var verr *relay.ValidationError
			if apperrors.As(err, &verr) {
				invalidRequest(w, verr.Message, verr.Fields...)
				return
			}
			respondError(w, err)
			return
		}

		res, err := s.forms.Submit(r.Context(), f.ID, r.PostForm)
		if err != nil {
			respondError(w, err)
			return
		}
		if !res.Passed {
			respondError(w, res.Err())
			return
		}

		if err := s.relay.Send(r.Context(), contact); err != nil {
			log.Warn().Err(err).Str("form", f.ID).Msg("contact relay failed")
			respondError(w, err)
			return
		}
		log.Info().Str("event", "submission_accepted").Str("form", f.ID).Int("score", res.Score).Msg("contact message relayed")
		writeJSON(w, http.StatusAccepted, submissionResponse{Status: "sent"})
	}
}
