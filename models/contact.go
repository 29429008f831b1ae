package models

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ContactForm is a contact submission exactly as the client sent it.
type ContactForm struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Message  string `json:"message"`
	Phone    string `json:"phone"`
	Honeypot string `json:"_honeypot"` // Hidden from humans; bots fill it in.
}

// Fields returns the form as a field map for the validation rules.
func (f ContactForm) Fields() map[string]string {
	return map[string]string{
		"name":    f.Name,
		"email":   f.Email,
		"message": f.Message,
		"phone":   f.Phone,
	}
}

// IsBot reports whether the honeypot field was populated. Any non-empty value
// counts, including whitespace.
func (f ContactForm) IsBot() bool {
	return len(f.Honeypot) > 0
}

// ContactSubmission is a validated, normalized contact message. Once stored it
// is never updated.
type ContactSubmission struct {
	ID               int64     `json:"id" db:"id"`
	Name             string    `json:"name" db:"name"`             // HTML-escaped
	Email            string    `json:"email" db:"email"`           // Normalized address
	Message          string    `json:"message" db:"message"`       // HTML-escaped
	Phone            *string   `json:"phone" db:"phone"`           // nil when not given
	SubmitterAddress string    `json:"-" db:"ip_address"`          // Captured from the connection
	SubmittedAt      time.Time `json:"created_at" db:"created_at"` // Server clock at insert time
}

// ContactStore persists contact submissions.
type ContactStore interface {
	// PutContact appends a submission and returns its new id.
	PutContact(context.Context, *ContactSubmission) (int64, error)
	// GetRecentContacts returns up to limit submissions, newest first.
	GetRecentContacts(ctx context.Context, limit int) ([]ContactSubmission, error)
}

// FieldError is a single rejected field and a user-facing reason.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors lists every rejected field of a submission.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, fmt.Sprintf("%s: %s", e.Field, e.Message))
	}
	return "invalid submission: " + strings.Join(parts, "; ")
}

// ValidateContact applies the contact rules to the form. On success it
// returns the normalized submission; otherwise the returned ValidationErrors
// hold one entry per rejected field, in rule order.
// SubmitterAddress and SubmittedAt are left for the server to fill in.
func ValidateContact(form ContactForm) (ContactSubmission, ValidationErrors) {
	values, errs := contactRules.Apply(form.Fields())
	if len(errs) > 0 {
		return ContactSubmission{}, errs
	}
	submission := ContactSubmission{
		Name:    values["name"],
		Email:   values["email"],
		Message: values["message"],
	}
	if phone := values["phone"]; phone != "" {
		submission.Phone = &phone
	}
	return submission, nil
}
