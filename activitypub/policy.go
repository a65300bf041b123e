package activitypub

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var errInstancePolicy = errors.New("instance not allowed")

// Policy decides which instances this one federates with. The local host is
// always allowed.
type Policy struct {
	enabled bool
	local   string
	allowed map[string]struct{}
	blocked map[string]struct{}
}

func NewPolicy(enabled bool, localDomain string, allowed, blocked []string) *Policy {
	return &Policy{
		enabled: enabled,
		local:   strings.ToLower(localDomain),
		allowed: hostSet(allowed),
		blocked: hostSet(blocked),
	}
}

func hostSet(hosts []string) map[string]struct{} {
	set := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			set[h] = struct{}{}
		}
	}
	return set
}

// Check returns an error if raw may not be fetched from or delivered to.
func (p *Policy) Check(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: invalid url %q", errInstancePolicy, raw)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: unsupported scheme %q", errInstancePolicy, u.Scheme)
	}
	return p.CheckHost(u.Host)
}

// CheckHost applies the policy to a bare host. Lists may name the host with
// or without port.
func (p *Policy) CheckHost(host string) error {
	host = strings.ToLower(host)
	if host == "" {
		return fmt.Errorf("%w: empty host", errInstancePolicy)
	}
	if host == p.local {
		return nil
	}
	if !p.enabled {
		return fmt.Errorf("%w: federation is disabled", errInstancePolicy)
	}

	hostname := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostname = h
	}
	if p.listed(p.blocked, host, hostname) {
		return fmt.Errorf("%w: %s is blocked", errInstancePolicy, host)
	}
	if len(p.allowed) > 0 && !p.listed(p.allowed, host, hostname) {
		return fmt.Errorf("%w: %s is not on the allowlist", errInstancePolicy, host)
	}
	return nil
}

func (p *Policy) listed(set map[string]struct{}, host, hostname string) bool {
	if _, ok := set[host]; ok {
		return true
	}
	_, ok := set[hostname]
	return ok
}
