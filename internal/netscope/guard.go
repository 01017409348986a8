// Package netscope enforces per-user network origin restrictions.
package netscope

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"factoryauth.org/internal/auth"
)

// Options configures a Guard.
type Options struct {
	// FactoryRanges lists exact addresses ("192.168.1.50"), CIDR prefixes
	// ("10.20.0.0/16") or trailing-wildcard IPv4 patterns ("192.168.1.*").
	FactoryRanges []string
	// Production disables the loopback allowance.
	Production bool
}

type matcher struct {
	raw    string
	addr   netip.Addr
	prefix netip.Prefix
	// wildcard holds the literal text before '*', e.g. "192.168.1."
	wildcard string
}

func (m matcher) match(a netip.Addr) bool {
	switch {
	case m.addr.IsValid():
		return m.addr == a
	case m.prefix.IsValid():
		return m.prefix.Contains(a)
	case m.wildcard != "":
		return a.Is4() && strings.HasPrefix(a.String(), m.wildcard)
	}
	return false
}

// Guard classifies client addresses as factory or external.
type Guard struct {
	ranges     []matcher
	production bool
}

// NewGuard parses the configured ranges.
func NewGuard(opts Options) (*Guard, error) {
	g := &Guard{production: opts.Production}
	for _, raw := range opts.FactoryRanges {
		m, err := parseRange(raw)
		if err != nil {
			return nil, err
		}
		g.ranges = append(g.ranges, m)
	}
	return g, nil
}

func parseRange(raw string) (matcher, error) {
	raw = strings.TrimSpace(raw)
	m := matcher{raw: raw}
	switch {
	case raw == "":
		return m, errors.New("netscope: empty factory range")
	case strings.Contains(raw, "/"):
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return m, fmt.Errorf("netscope: invalid CIDR %q: %w", raw, err)
		}
		m.prefix = p.Masked()
	case strings.HasSuffix(raw, ".*"):
		head := strings.TrimSuffix(raw, "*")
		if strings.Contains(head, "*") || !validOctets(strings.TrimSuffix(head, ".")) {
			return m, fmt.Errorf("netscope: invalid wildcard %q", raw)
		}
		m.wildcard = head
	default:
		a, err := netip.ParseAddr(raw)
		if err != nil {
			return m, fmt.Errorf("netscope: invalid address %q: %w", raw, err)
		}
		m.addr = a.Unmap()
	}
	return m, nil
}

func validOctets(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) == 0 || len(parts) > 3 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return false
		}
		n := 0
		for _, r := range p {
			if r < '0' || r > '9' {
				return false
			}
			n = n*10 + int(r-'0')
		}
		if n > 255 {
			return false
		}
	}
	return true
}

// IsFactory reports whether addr belongs to a configured factory range.
func (g *Guard) IsFactory(addr string) bool {
	a, ok := parseAddr(addr)
	if !ok {
		return false
	}
	for _, m := range g.ranges {
		if m.match(a) {
			return true
		}
	}
	return false
}

// VerifyAccessScope decides whether a user with the given scope may act from
// clientAddress. Root administrators and UNIVERSAL users always pass. An empty
// scope is treated as FACTORY_ONLY. The reason is safe to show to the caller.
func (g *Guard) VerifyAccessScope(isRootAdmin bool, scope auth.AccessScope, clientAddress string) (bool, string) {
	if isRootAdmin {
		return true, ""
	}
	switch scope {
	case auth.ScopeUniversal:
		return true, ""
	case auth.ScopeFactoryOnly, "":
	default:
		return false, fmt.Sprintf("unknown access scope %q", scope)
	}

	a, ok := parseAddr(clientAddress)
	if !ok {
		return false, "client address could not be determined; access is limited to the factory network"
	}
	if !g.production && a.IsLoopback() {
		return true, ""
	}
	for _, m := range g.ranges {
		if m.match(a) {
			return true, ""
		}
	}
	return false, fmt.Sprintf("access is limited to the factory network; request came from %s", a)
}

func parseAddr(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Addr{}, false
	}
	if a, err := netip.ParseAddr(s); err == nil {
		return a.Unmap(), true
	}
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap(), true
	}
	return netip.Addr{}, false
}
