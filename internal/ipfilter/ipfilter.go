// Package ipfilter implements the allowlist/blocklist stage of the
// failure-simulation pipeline (spec §4.D.1). Entries may be an exact IP, a
// CIDR range, or a glob pattern; glob patterns are compiled when Compile
// builds a Filter and reused for every Allowed call on that Filter. The
// failure simulator builds a fresh Filter for each request from the
// proxy's current config.
package ipfilter

import (
	"fmt"
	"net"
	"strings"

	"github.com/gobwas/glob"
)

// entry is one compiled allow/block rule: an exact address, a CIDR
// network, or a glob pattern, whichever compile recognized.
type entry struct {
	raw    string
	ip     net.IP
	cidr   *net.IPNet
	glob   glob.Glob
}

func compile(pattern string) (entry, error) {
	if ip := net.ParseIP(pattern); ip != nil {
		return entry{raw: pattern, ip: ip}, nil
	}
	if _, cidr, err := net.ParseCIDR(pattern); err == nil {
		return entry{raw: pattern, cidr: cidr}, nil
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return entry{}, fmt.Errorf("invalid ip filter pattern %q: %w", pattern, err)
	}
	return entry{raw: pattern, glob: g}, nil
}

func (e entry) matches(addr string) bool {
	switch {
	case e.ip != nil:
		ip := net.ParseIP(addr)
		return ip != nil && ip.Equal(e.ip)
	case e.cidr != nil:
		ip := net.ParseIP(addr)
		return ip != nil && e.cidr.Contains(ip)
	case e.glob != nil:
		return e.glob.Match(addr)
	default:
		return false
	}
}

// Filter holds compiled allow/block entries for one proxy's failure
// config. A zero-value Filter blocks nothing and allows everything.
type Filter struct {
	allow []entry
	block []entry
}

// Compile builds a Filter from raw allowlist/blocklist strings (spec §3
// FailureConfig.ip_allowlist / ip_blocklist). Invalid entries are rejected
// with a descriptive error so the management API can reject a bad
// failure-config update before it's persisted.
func Compile(allowlist, blocklist []string) (*Filter, error) {
	f := &Filter{}
	for _, p := range allowlist {
		e, err := compile(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		f.allow = append(f.allow, e)
	}
	for _, p := range blocklist {
		e, err := compile(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		f.block = append(f.block, e)
	}
	return f, nil
}

// Allowed applies spec §4.D.1's ordering: the blocklist is checked first
// (a match rejects unconditionally), then, only if an allowlist is
// configured, the address must match it too.
func (f *Filter) Allowed(addr string) bool {
	if f == nil {
		return true
	}
	for _, e := range f.block {
		if e.matches(addr) {
			return false
		}
	}
	if len(f.allow) == 0 {
		return true
	}
	for _, e := range f.allow {
		if e.matches(addr) {
			return true
		}
	}
	return false
}
