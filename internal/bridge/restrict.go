// restrict.go limits which remote addresses sessions may dial.
//
// An operator can configure an allowlist of IP addresses and CIDR ranges.
// The target host is resolved once and every resolved address must fall
// within the list; the session then dials the resolved address, so a DNS
// answer that changes between the check and the dial cannot bypass it. An
// empty list allows every target.
package bridge

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"

	"github.com/gluk-w/sshbridge/internal/logutil"
)

// ErrTargetRestricted is returned when a target is outside the allowlist.
type ErrTargetRestricted struct {
	Host   string
	IP     string
	Reason string
}

func (e *ErrTargetRestricted) Error() string {
	if e.IP == "" {
		return fmt.Sprintf("target %s is not allowed: %s", e.Host, e.Reason)
	}
	return fmt.Sprintf("target %s (%s) is not allowed: %s", e.Host, e.IP, e.Reason)
}

// TargetRestriction holds parsed IP addresses and CIDR ranges.
type TargetRestriction struct {
	CIDRs []*net.IPNet
	IPs   []net.IP

	// Raw is the comma-separated input, kept for logging.
	Raw string

	// lookup resolves host names. Replaced in tests.
	lookup func(ctx context.Context, host string) ([]net.IP, error)
}

// ParseTargetRestriction parses a comma-separated list of IP addresses and
// CIDR ranges such as "10.0.0.0/8, 192.168.1.20, fd00::/8".
//
// Returns nil if the input is empty (meaning no restriction).
func ParseTargetRestriction(csv string) (*TargetRestriction, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil, nil
	}

	r := &TargetRestriction{Raw: csv}
	for _, entry := range strings.Split(csv, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
			}
			r.CIDRs = append(r.CIDRs, ipNet)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address %q", entry)
		}
		r.IPs = append(r.IPs, ip)
	}

	if len(r.CIDRs) == 0 && len(r.IPs) == 0 {
		return nil, nil
	}
	return r, nil
}

// IsAllowed reports whether ip matches any entry. A nil restriction allows
// everything.
func (r *TargetRestriction) IsAllowed(ip net.IP) bool {
	if r == nil {
		return true
	}
	for _, cidr := range r.CIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	for _, allowed := range r.IPs {
		if allowed.Equal(ip) {
			return true
		}
	}
	return false
}

// Resolve returns the address to dial for host. Every address host
// resolves to must be allowed; the first one is returned.
func (r *TargetRestriction) Resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if !r.IsAllowed(ip) {
			r.logBlocked(host, ip)
			return nil, &ErrTargetRestricted{Host: host, IP: ip.String(), Reason: "not in allowed list"}
		}
		return ip, nil
	}

	lookup := r.lookup
	if lookup == nil {
		lookup = defaultLookup
	}
	ips, err := lookup(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}
	for _, ip := range ips {
		if !r.IsAllowed(ip) {
			r.logBlocked(host, ip)
			return nil, &ErrTargetRestricted{Host: host, IP: ip.String(), Reason: "not in allowed list"}
		}
	}
	return ips[0], nil
}

func (r *TargetRestriction) logBlocked(host string, ip net.IP) {
	log.Printf("[bridge] target restriction: BLOCKED %s (%s), allowed [%s]",
		logutil.SanitizeForLog(host), ip, r.Raw)
}

func defaultLookup(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = a.IP
	}
	return ips, nil
}
