package csrf

import (
	"fmt"
	"net/http"
	"strings"
)

// Source names where in a request a token value is read from.
type Source int

const (
	// SourceBody reads url-encoded or multipart form fields of the body.
	SourceBody Source = iota + 1
	// SourceQuery reads the URL query string.
	SourceQuery
	// SourceCookie reads a cookie.
	SourceCookie
	// SourceUnified reads the body, then the query string.
	SourceUnified
)

func (s Source) String() string {
	switch s {
	case SourceBody:
		return "body"
	case SourceQuery:
		return "query"
	case SourceCookie:
		return "cookie"
	case SourceUnified:
		return "unified"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

// ParseSource maps a configuration name to a Source. "post", "get" and
// "request" are accepted as aliases of body, query and unified.
func ParseSource(name string) (Source, error) {
	switch strings.ToLower(name) {
	case "body", "post":
		return SourceBody, nil
	case "query", "get":
		return SourceQuery, nil
	case "cookie":
		return SourceCookie, nil
	case "unified", "request":
		return SourceUnified, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrMalformedSource, name)
	}
}

// Extract returns the value of field from the source. It fails with
// ErrMalformedSource for an unknown source and ErrMissingToken when the
// field is absent or empty.
func (s Source) Extract(r *http.Request, field string) (string, error) {
	var v string
	switch s {
	case SourceBody:
		v = r.PostFormValue(field)
	case SourceQuery:
		v = r.URL.Query().Get(field)
	case SourceCookie:
		if c, err := r.Cookie(field); err == nil {
			v = c.Value
		}
	case SourceUnified:
		// FormValue already prefers body over query
		v = r.FormValue(field)
	default:
		return "", fmt.Errorf("%w: %s", ErrMalformedSource, s)
	}
	if v == "" {
		return "", fmt.Errorf("%w: %s field %q", ErrMissingToken, s, field)
	}
	return v, nil
}
