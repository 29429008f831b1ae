package models

import (
	"errors"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// User-facing validation messages.
const (
	msgNameRequired    = "El nombre es requerido"
	msgNameLength      = "El nombre debe tener entre 2 y 100 caracteres"
	msgEmailRequired   = "El email es requerido"
	msgEmailInvalid    = "Email inválido"
	msgEmailTooLong    = "Email demasiado largo"
	msgMessageRequired = "El mensaje es requerido"
	msgMessageLength   = "El mensaje debe tener entre 10 y 1000 caracteres"
	msgPhoneInvalid    = "Número de teléfono inválido"
)

// Argentine mobile numbers, with optional leading +: 54 9 <area> <8 digits>.
var arMobilePhone = regexp.MustCompile(`^\+?549(11|[2368]\d)\d{8}$`)

var validate = validator.New()

// errSkip ends a field's chain early without rejecting it.
var errSkip = errors.New("skip remaining steps")

// Violation is returned by a Step that rejects a value.
type Violation string

func (v Violation) Error() string { return string(v) }

// Step is one link in a field's rule chain. It either returns a (possibly
// rewritten) value, or an error: a Violation rejects the field and errSkip
// accepts it as-is.
type Step func(value string) (string, error)

// Rule is the ordered chain of steps for one field.
type Rule struct {
	Field string
	Steps []Step
}

// RuleSet is a table of field rules.
type RuleSet []Rule

// Apply runs every rule against fields. Each field stops at its first
// violation; other fields are still checked.
func (rs RuleSet) Apply(fields map[string]string) (map[string]string, ValidationErrors) {
	out := make(map[string]string, len(rs))
	var errs ValidationErrors
	for _, rule := range rs {
		value, err := rule.run(fields[rule.Field])
		var violation Violation
		if errors.As(err, &violation) {
			errs = append(errs, FieldError{Field: rule.Field, Message: string(violation)})
			continue
		}
		out[rule.Field] = value
	}
	return out, errs
}

func (r Rule) run(value string) (string, error) {
	for _, step := range r.Steps {
		next, err := step(value)
		if err == errSkip {
			return next, nil
		}
		if err != nil {
			return value, err
		}
		value = next
	}
	return value, nil
}

// Trim strips surrounding whitespace.
func Trim(value string) (string, error) {
	return strings.TrimSpace(value), nil
}

// Optional accepts an empty value and skips the rest of the chain.
func Optional(value string) (string, error) {
	if value == "" {
		return value, errSkip
	}
	return value, nil
}

// Escape replaces HTML metacharacters with entities.
func Escape(value string) (string, error) {
	return EscapeHTML(value), nil
}

// Normalize rewrites an e-mail address into its canonical form.
func Normalize(value string) (string, error) {
	return NormalizeEmail(value), nil
}

// Check rejects values failing the validator tag (e.g. "required", "email",
// "min=2,max=100") with message.
func Check(tag string, message string) Step {
	return func(value string) (string, error) {
		if err := validate.Var(value, tag); err != nil {
			return value, Violation(message)
		}
		return value, nil
	}
}

// Match rejects values not matching re with message.
func Match(re *regexp.Regexp, message string) Step {
	return func(value string) (string, error) {
		if !re.MatchString(value) {
			return value, Violation(message)
		}
		return value, nil
	}
}

var contactRules = RuleSet{
	{Field: "name", Steps: []Step{
		Trim,
		Check("required", msgNameRequired),
		Check("min=2,max=100", msgNameLength),
		Escape,
	}},
	{Field: "email", Steps: []Step{
		Trim,
		Check("required", msgEmailRequired),
		Check("email", msgEmailInvalid),
		Normalize,
		Check("max=255", msgEmailTooLong),
	}},
	{Field: "message", Steps: []Step{
		Trim,
		Check("required", msgMessageRequired),
		Check("min=10,max=1000", msgMessageLength),
		Escape,
	}},
	{Field: "phone", Steps: []Step{
		Trim,
		Optional,
		Match(arMobilePhone, msgPhoneInvalid),
	}},
}
