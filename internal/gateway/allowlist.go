package gateway

import (
	"fmt"
	"net/netip"
	"strings"
)

// AllowList matches client addresses against exact IPs and CIDR ranges.
// An empty list allows everyone.
type AllowList struct {
	addrs    map[netip.Addr]struct{}
	prefixes []netip.Prefix
}

// ParseAllowList parses entries such as "10.0.0.1" or "192.168.0.0/16".
func ParseAllowList(entries []string) (*AllowList, error) {
	al := &AllowList{addrs: make(map[netip.Addr]struct{})}
	for _, raw := range entries {
		e := strings.TrimSpace(raw)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("invalid allow-list CIDR %q: %w", e, err)
			}
			al.prefixes = append(al.prefixes, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("invalid allow-list IP %q: %w", e, err)
		}
		al.addrs[a.Unmap()] = struct{}{}
	}
	return al, nil
}

// Empty reports whether no entries are configured.
func (al *AllowList) Empty() bool {
	return al == nil || (len(al.addrs) == 0 && len(al.prefixes) == 0)
}

// Allows reports whether ip may call the webhook.
func (al *AllowList) Allows(ip string) bool {
	if al.Empty() {
		return true
	}
	a, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	a = a.Unmap()
	if _, ok := al.addrs[a]; ok {
		return true
	}
	for _, p := range al.prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}
