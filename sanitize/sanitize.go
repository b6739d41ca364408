// Package sanitize escapes user-supplied fields for HTML output and checks
// single values against a small set of well-known formats.
package sanitize

import (
	"html"
	"regexp"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/go-playground/validator/v10"
)

// Indicator selects the format Check verifies.
type Indicator string

const (
	Phone          Indicator = "phone"
	Email          Indicator = "email"
	PasswordStrong Indicator = "password_strong"
	IP             Indicator = "ip"
	Address        Indicator = "address"
)

var (
	validate = validator.New()

	phonePattern   = regexp.MustCompile(`^\+?\d{9,15}$`)
	addressPattern = regexp.MustCompile(`^[a-zA-Z0-9\s\.,]+$`)
	tagPattern     = regexp.MustCompile(`<[^>]*(>|$)`)

	// RE2 has no lookahead.
	strongPattern = regexp2.MustCompile(`^(?=.*[a-z])(?=.*[A-Z])(?=.*\d)(?=.*[@$!%*?&])[A-Za-z\d@$!%*?&]{8,}$`, regexp2.None)
)

// Scope returns a copy of fields with every value HTML-escaped,
// quotes included.
func Scope(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = html.EscapeString(v)
	}
	return out
}

// Strip removes markup and NUL bytes from value. Quotes are left as is.
func Strip(value string) string {
	value = strings.ReplaceAll(value, "\x00", "")
	return tagPattern.ReplaceAllString(value, "")
}

// Check reports whether value has the format named by ind. Unknown
// indicators never match.
func Check(value string, ind Indicator) bool {
	switch ind {
	case Phone:
		return phonePattern.MatchString(value)
	case Email:
		return validate.Var(value, "required,email") == nil
	case PasswordStrong:
		ok, err := strongPattern.MatchString(value)
		return err == nil && ok
	case IP:
		return validate.Var(value, "required,ip") == nil
	case Address:
		return addressPattern.MatchString(value)
	default:
		return false
	}
}
