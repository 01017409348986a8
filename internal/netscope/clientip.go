package netscope

import (
	"net"
	"net/http"
	"strings"
)

// Header names consulted by IPResolver, in trust order after the test override.
const (
	HeaderClientIP     = "X-Client-IP"
	HeaderForwardedFor = "X-Forwarded-For"
	HeaderRealIP       = "X-Real-IP"
)

type source struct {
	name    string
	extract func(r *http.Request) string
}

// IPResolver derives one client address per request from an ordered list of
// sources. The first source yielding a parseable address wins:
//
//  1. test override header (non-production only)
//  2. X-Client-IP
//  3. left-most X-Forwarded-For entry
//  4. X-Real-IP
//  5. the connection's remote address
type IPResolver struct {
	sources []source
}

// NewIPResolver builds the source list. overrideHeader is ignored in production.
func NewIPResolver(production bool, overrideHeader string) *IPResolver {
	var sources []source
	if !production && strings.TrimSpace(overrideHeader) != "" {
		h := http.CanonicalHeaderKey(strings.TrimSpace(overrideHeader))
		sources = append(sources, source{name: "override", extract: header(h)})
	}
	sources = append(sources,
		source{name: "client_ip", extract: header(HeaderClientIP)},
		source{name: "forwarded_for", extract: firstForwarded},
		source{name: "real_ip", extract: header(HeaderRealIP)},
		source{name: "remote_addr", extract: remoteHost},
	)
	return &IPResolver{sources: sources}
}

// Resolve returns the normalized client address and the name of the source it came from.
// When nothing parses it returns ("", "").
func (r *IPResolver) Resolve(req *http.Request) (ip, from string) {
	for _, s := range r.sources {
		if a, ok := parseAddr(s.extract(req)); ok {
			return a.String(), s.name
		}
	}
	return "", ""
}

// ClientIP is Resolve without the source name.
func (r *IPResolver) ClientIP(req *http.Request) string {
	ip, _ := r.Resolve(req)
	return ip
}

func header(name string) func(*http.Request) string {
	return func(r *http.Request) string { return r.Header.Get(name) }
}

func firstForwarded(r *http.Request) string {
	xff := r.Header.Get(HeaderForwardedFor)
	if xff == "" {
		return ""
	}
	first, _, _ := strings.Cut(xff, ",")
	return strings.TrimSpace(first)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
