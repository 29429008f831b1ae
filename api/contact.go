package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"mime"
	"net"
	"net/http"
	"strconv"

	raven "github.com/getsentry/raven-go"

	"github.com/kuchabicho/contact-backend/models"
)

const (
	msgContactSent = "Tu mensaje ha sido enviado. Te responderemos pronto!"
	msgBotSent     = "Mensaje enviado"
	msgBadRequest  = "Formato de solicitud inválido."
)

// SubmitContact handles POST /api/contact.
//
//	name, email, message: required.
//	phone (optional): Argentine mobile number.
//	_honeypot: must be left empty.
//
// Responds 201 once the message is stored, 400 with every rejected field,
// or 500 if it could not be stored. Bots get a 200 and nothing is stored.
func (api *API) submitContact(r *http.Request) response {
	form, err := parseContactForm(r)
	if err != nil && isBodyTooLarge(err) {
		return response{StatusCode: http.StatusRequestEntityTooLarge, Error: msgBodyTooLarge}
	}
	address := submitterAddress(r)
	if form.IsBot() {
		log.Printf("[bot] [%s] honeypot filled by %s, discarding submission", requestID(r), address)
		return response{StatusCode: http.StatusOK, Success: true, Message: msgBotSent}
	}
	if err != nil {
		return badRequest(msgBadRequest)
	}
	submission, invalid := models.ValidateContact(form)
	if len(invalid) > 0 {
		return response{StatusCode: http.StatusBadRequest, Errors: invalid}
	}
	submission.SubmitterAddress = address

	ctx, cancel := context.WithTimeout(r.Context(), api.cfg.PersistTimeout)
	defer cancel()
	id, err := api.Database.PutContact(ctx, &submission)
	if err != nil {
		return serverError(err)
	}
	log.Printf("[%s] stored contact message %d", requestID(r), id)
	api.notify(submission)
	return response{StatusCode: http.StatusCreated, Success: true, Message: msgContactSent}
}

// ListContacts handles GET /api/contact, returning the most recent messages.
func (api *API) listContacts(r *http.Request) response {
	contacts, err := api.Database.GetRecentContacts(r.Context(), api.cfg.ListLimit)
	if err != nil {
		return serverError(err)
	}
	if contacts == nil {
		contacts = []models.ContactSubmission{}
	}
	return response{StatusCode: http.StatusOK, Success: true, Data: contacts}
}

// notify e-mails the owner in the background; the client never waits on
// SMTP and a failed send is only reported.
func (api *API) notify(submission models.ContactSubmission) {
	if api.Notifier == nil {
		return
	}
	api.notifications.Add(1)
	go func() {
		defer api.notifications.Done()
		if err := api.Notifier.SendContactNotification(&submission); err != nil {
			log.Printf("Couldn't send notification for contact %d: %v", submission.ID, err)
			raven.CaptureError(err, map[string]string{"contact_id": strconv.FormatInt(submission.ID, 10)})
		}
	}()
}

// parseContactForm reads a JSON body, or form values for any other content
// type. The honeypot is read on its own first, so a filled trap is reported
// even when the rest of the body is malformed.
func parseContactForm(r *http.Request) (models.ContactForm, error) {
	form := models.ContactForm{}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return form, err
		}
		trap := struct {
			Honeypot json.RawMessage `json:"_honeypot"`
		}{}
		json.Unmarshal(body, &trap)
		err = json.Unmarshal(body, &form)
		if form.Honeypot == "" && filledTrap(trap.Honeypot) {
			form.Honeypot = string(trap.Honeypot)
		}
		return form, err
	}
	if err := r.ParseForm(); err != nil {
		return form, err
	}
	form.Name = r.PostFormValue("name")
	form.Email = r.PostFormValue("email")
	form.Message = r.PostFormValue("message")
	form.Phone = r.PostFormValue("phone")
	form.Honeypot = r.PostFormValue("_honeypot")
	return form, nil
}

// filledTrap reports whether a raw JSON honeypot holds anything besides null
// or an empty string. Numbers, booleans and objects all count as filled.
func filledTrap(raw json.RawMessage) bool {
	var s string
	switch trimmed := bytes.TrimSpace(raw); {
	case len(trimmed) == 0, bytes.Equal(trimmed, []byte("null")):
		return false
	case json.Unmarshal(trimmed, &s) == nil:
		return s != ""
	default:
		return true
	}
}

// submitterAddress is the peer address, already resolved through trusted
// proxies by realIPHandler.
func submitterAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
