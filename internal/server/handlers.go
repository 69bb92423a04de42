package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/shineum/gmail-relay/internal/email"
	"github.com/shineum/gmail-relay/internal/logging"
	"github.com/shineum/gmail-relay/internal/provider"
	"github.com/shineum/gmail-relay/internal/relay"
	"github.com/shineum/gmail-relay/internal/upload"
)

// Form field names accepted by /send.
const (
	fieldSender    = "senderEmail"
	fieldRecipient = "recipientEmail"
	fieldSubject   = "subject"
	fieldMessage   = "message"
)

// validationError reports a rejected form field.
type validationError struct {
	field  string
	reason string
}

func (e *validationError) Error() string {
	return fmt.Sprintf("%s %s", e.field, e.reason)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	form, err := s.uploads.Parse(w, r)
	if err != nil {
		s.writeUploadError(w, err)
		return
	}
	if form.File != nil {
		defer func() {
			if err := form.File.Remove(); err != nil {
				slog.Warn("failed to remove attachment", logging.Operation("send"), logging.Err(err))
			}
		}()
	}

	msg, err := buildMessage(form)
	if err != nil {
		writeFail(w, http.StatusBadRequest, errValidation, err.Error())
		return
	}

	b := relay.BindingFrom(r.Context())
	if b == nil {
		slog.Warn("send rejected, no credentials yet", logging.Operation("send"))
		writeFail(w, http.StatusOK, errAuth, "")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	err = b.Transport.Send(ctx, msg)
	elapsed := time.Since(start)

	if err != nil {
		kind := provider.KindOf(err)
		s.metrics.ObserveSend(b.Transport.Name(), string(kind), elapsed)
		slog.Error("send failed",
			logging.Operation("send"),
			logging.Provider(b.Transport.Name()),
			slog.String("kind", string(kind)),
			logging.Domain("recipient_domain", msg.To[0]),
			logging.Err(err),
		)
		writeFail(w, http.StatusOK, failCategory(kind), "")
		return
	}

	s.metrics.ObserveSend(b.Transport.Name(), statusSuccess, elapsed)
	slog.Info("message sent",
		logging.Operation("send"),
		logging.Provider(b.Transport.Name()),
		logging.Domain("recipient_domain", msg.To[0]),
		slog.String("message_id", msg.MessageID),
		slog.Bool("attachment", form.File != nil),
		slog.Duration("duration", elapsed),
	)
	writeSuccess(w)
}

func (s *Server) writeUploadError(w http.ResponseWriter, err error) {
	var storageErr *upload.StorageError
	switch {
	case errors.As(err, &storageErr):
		slog.Error("failed to store attachment", logging.Operation("send"), logging.Err(err))
		writeFail(w, http.StatusInternalServerError, errStorage, "")
	case errors.Is(err, upload.ErrTooLarge):
		writeFail(w, http.StatusRequestEntityTooLarge, errValidation, "request body too large")
	case errors.Is(err, upload.ErrTooManyFiles):
		writeFail(w, http.StatusBadRequest, errValidation, "only one attachment is allowed")
	case errors.Is(err, upload.ErrUnexpectedFile):
		writeFail(w, http.StatusBadRequest, errValidation, "files must be sent in the attachment field")
	case errors.Is(err, upload.ErrFieldTooLarge):
		writeFail(w, http.StatusBadRequest, errValidation, "form field too large")
	default:
		writeFail(w, http.StatusBadRequest, errValidation, "malformed form body")
	}
}

// buildMessage validates the form and converts it to a message.
func buildMessage(form *upload.Form) (*email.Email, error) {
	values := make(map[string]string, 4)
	for _, field := range []string{fieldSender, fieldRecipient, fieldSubject, fieldMessage} {
		v := form.Value(field)
		if strings.TrimSpace(v) == "" {
			return nil, &validationError{field: field, reason: "is required"}
		}
		values[field] = v
	}

	sender, err := mail.ParseAddress(strings.TrimSpace(values[fieldSender]))
	if err != nil {
		return nil, &validationError{field: fieldSender, reason: "is not a valid email address"}
	}
	recipient, err := mail.ParseAddress(strings.TrimSpace(values[fieldRecipient]))
	if err != nil {
		return nil, &validationError{field: fieldRecipient, reason: "is not a valid email address"}
	}

	from := sender.Address
	if sender.Name != "" {
		from = sender.String()
	}

	msg := &email.Email{
		From:      from,
		To:        []string{recipient.Address},
		Subject:   values[fieldSubject],
		TextBody:  values[fieldMessage],
		MessageID: email.NewMessageID(sender.Address),
	}
	if form.File != nil {
		msg.Attachments = []email.Attachment{form.File.Attachment()}
	}
	return msg, nil
}

func failCategory(kind provider.Kind) string {
	switch kind {
	case provider.KindAuth:
		return errAuth
	case provider.KindValidation:
		return errValidation
	default:
		return errTransport
	}
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	u := s.relay.AuthorizationURL()
	if u == "" {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, u, http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if denied := q.Get("error"); denied != "" {
		slog.Warn("authorization denied",
			logging.Operation("oauth_callback"),
			slog.String("reason", denied),
		)
		s.metrics.ObserveExchange(false)
		http.Redirect(w, r, s.cfg.ErrorRedirect, http.StatusFound)
		return
	}

	_, err := s.relay.Authorize(r.Context(), q.Get("code"))
	s.metrics.ObserveExchange(err == nil)
	s.metrics.SetReady(s.relay.Ready())

	if err != nil {
		slog.Error("authorization failed", logging.Operation("oauth_callback"), logging.Err(err))
		http.Redirect(w, r, s.cfg.ErrorRedirect, http.StatusFound)
		return
	}

	http.Redirect(w, r, s.cfg.SuccessRedirect, http.StatusFound)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !s.relay.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unauthorized"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
