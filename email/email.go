package email

import (
	"fmt"
	"html"
	"log"
	"net/smtp"
	"os"
	"strings"

	"github.com/kuchabicho/contact-backend/models"
	"github.com/kuchabicho/contact-backend/util"
)

// Config stores variables needed to submit notification emails for sending.
type Config struct {
	auth               smtp.Auth
	submissionHostname string
	port               string
	sender             string
	recipient          string // Site owner who receives new contact messages.
	website            string // Needed to generate email template text.
}

// MakeConfigFromEnv initializes our email config object with
// environment variables. SMTP_USERNAME and SMTP_PASSWORD are optional; when
// both are set, PLAIN auth is used.
func MakeConfigFromEnv() (Config, error) {
	varErrs := util.Errors{}
	c := Config{
		submissionHostname: util.RequireEnv("SMTP_ENDPOINT", &varErrs),
		port:               util.RequireEnv("SMTP_PORT", &varErrs),
		sender:             util.RequireEnv("SMTP_FROM_ADDRESS", &varErrs),
		recipient:          util.RequireEnv("NOTIFY_ADDRESS", &varErrs),
		website:            util.GetEnvOrDefault("FRONTEND_URL", "http://localhost:5173"),
	}
	if len(varErrs) > 0 {
		return c, varErrs
	}
	username, password := os.Getenv("SMTP_USERNAME"), os.Getenv("SMTP_PASSWORD")
	if username != "" && password != "" {
		c.auth = smtp.PlainAuth("", username, password, c.submissionHostname)
	}
	log.Printf("Contact notifications will be sent to %s via %s:%s", c.recipient, c.submissionHostname, c.port)
	return c, nil
}

// Stored fields are HTML-escaped; mail bodies are plain text.
func contactEmailText(c *models.ContactSubmission, website string) string {
	phone := "-"
	if c.Phone != nil {
		phone = *c.Phone
	}
	return fmt.Sprintf(contactEmailTemplate,
		html.UnescapeString(c.Name), c.Email, phone, c.SubmitterAddress,
		c.SubmittedAt.Format("2006-01-02 15:04:05 MST"),
		html.UnescapeString(c.Message), website)
}

// SendContactNotification tells the site owner about a new contact message.
// Replies go straight to the submitter.
func (c Config) SendContactNotification(contact *models.ContactSubmission) error {
	return c.sendEmail(contactEmailSubject, contactEmailText(contact, c.website), c.recipient, contact.Email)
}

func (c Config) sendEmail(subject string, body string, address string, replyTo string) error {
	if strings.ContainsAny(replyTo, "\r\n") {
		return fmt.Errorf("reply-to address %q contains a line break", replyTo)
	}
	message := fmt.Sprintf("From: %s\r\nTo: %s\r\nReply-To: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		c.sender, address, replyTo, subject, body)
	if c.submissionHostname == "" {
		log.Println("Warning: email host not configured, not sending email")
		log.Println(message)
		return nil
	}
	return smtp.SendMail(fmt.Sprintf("%s:%s", c.submissionHostname, c.port),
		c.auth,
		c.sender, []string{address}, []byte(message))
}
