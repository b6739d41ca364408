package csrf

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// OriginChecker decides whether a request was issued by a page of this
// server. A nil error means same origin.
type OriginChecker interface {
	SameOrigin(r *http.Request) error
}

// OriginRefererChecker prefers the Origin header and falls back to Referer.
// Both scheme and host must match the server. Requests carrying neither
// header are rejected.
type OriginRefererChecker struct {
	// AllowedHost is the host (domain[:port]) considered same-origin;
	// if empty, r.Host is used.
	AllowedHost string
	// TrustForwardedProto takes the server scheme from X-Forwarded-Proto
	// when set by a reverse proxy.
	TrustForwardedProto bool
}

// SameOrigin implements OriginChecker.
func (c OriginRefererChecker) SameOrigin(r *http.Request) error {
	scheme := serverScheme(r, c.TrustForwardedProto)
	host := allowedHost(r, c.AllowedHost)

	if origin := r.Header.Get("Origin"); origin != "" {
		if !sameOrigin(origin, scheme, host) {
			return fmt.Errorf("%w: origin %q", ErrOriginMismatch, origin)
		}
		return nil
	}
	if ref := r.Header.Get("Referer"); ref != "" {
		if !sameOrigin(ref, scheme, host) {
			return fmt.Errorf("%w: referer %q", ErrOriginMismatch, ref)
		}
		return nil
	}
	return ErrNoOriginEvidence
}

// RefererChecker only looks at the Referer header. Requests without one
// are rejected.
type RefererChecker struct {
	AllowedHost         string
	TrustForwardedProto bool
}

// SameOrigin implements OriginChecker.
func (c RefererChecker) SameOrigin(r *http.Request) error {
	ref := r.Header.Get("Referer")
	if ref == "" {
		return ErrNoOriginEvidence
	}
	if !sameOrigin(ref, serverScheme(r, c.TrustForwardedProto), allowedHost(r, c.AllowedHost)) {
		return fmt.Errorf("%w: referer %q", ErrOriginMismatch, ref)
	}
	return nil
}

// HostHeaderChecker compares the host of the Origin header with the Host
// header and accepts requests without Origin. Both values are client
// supplied, so this only stops browsers that send a foreign Origin.
type HostHeaderChecker struct{}

// SameOrigin implements OriginChecker.
func (HostHeaderChecker) SameOrigin(r *http.Request) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil || !strings.EqualFold(u.Host, r.Host) {
		return fmt.Errorf("%w: origin %q", ErrOriginMismatch, origin)
	}
	return nil
}

// ParseOriginChecker maps a configuration name to a checker:
// "origin" (default), "referer" or "host".
func ParseOriginChecker(name, allowedHost string, trustForwardedProto bool) (OriginChecker, error) {
	switch strings.ToLower(name) {
	case "", "origin":
		return OriginRefererChecker{AllowedHost: allowedHost, TrustForwardedProto: trustForwardedProto}, nil
	case "referer":
		return RefererChecker{AllowedHost: allowedHost, TrustForwardedProto: trustForwardedProto}, nil
	case "host":
		return HostHeaderChecker{}, nil
	default:
		return nil, fmt.Errorf("csrf: unknown origin strategy %q", name)
	}
}

func serverScheme(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
			return strings.ToLower(strings.TrimSpace(strings.Split(p, ",")[0]))
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func allowedHost(r *http.Request, allowed string) string {
	if allowed != "" {
		return allowed
	}
	return r.Host
}

// sameOrigin reports whether originOrRef has the given scheme and host.
func sameOrigin(originOrRef, scheme, host string) bool {
	u, err := url.Parse(originOrRef)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Scheme, scheme) && strings.EqualFold(u.Host, host)
}
