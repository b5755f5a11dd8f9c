// Package scope decides which discovered URLs a crawl may fetch.
package scope

import (
	"fmt"
	"net/url"
	"strings"
)

// Policy admits http(s) URLs whose host is the root host or one of the
// extra allowed hosts. Hosts compare case-insensitively, ports included.
type Policy struct {
	hosts map[string]struct{}
}

// New builds a Policy for rootURL plus extraHosts.
func New(rootURL string, extraHosts ...string) (*Policy, error) {
	u, err := url.Parse(rootURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid root url %q", rootURL)
	}
	p := &Policy{hosts: map[string]struct{}{strings.ToLower(u.Host): {}}}
	for _, h := range extraHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			p.hosts[h] = struct{}{}
		}
	}
	return p, nil
}

// AllowFetch reports whether rawURL is in scope.
func (p *Policy) AllowFetch(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	_, ok := p.hosts[strings.ToLower(u.Host)]
	return ok
}
