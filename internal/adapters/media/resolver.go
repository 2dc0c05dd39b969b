// Package media validates media references attached to chat messages.
package media

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/dkeye/Whisper/internal/core"
	"github.com/dkeye/Whisper/internal/domain"
)

// URLResolver accepts absolute http(s) URLs, optionally limited to a set of hosts.
// Uploads happen elsewhere; the gateway only checks where the client points.
type URLResolver struct {
	hosts map[string]struct{}
}

func NewURLResolver(allowedHosts []string) *URLResolver {
	r := &URLResolver{}
	if len(allowedHosts) > 0 {
		r.hosts = make(map[string]struct{}, len(allowedHosts))
		for _, h := range allowedHosts {
			r.hosts[strings.ToLower(h)] = struct{}{}
		}
	}
	return r
}

func (r *URLResolver) Resolve(_ context.Context, kind domain.MessageKind, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty %s url", core.ErrBadMedia, kind)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrBadMedia, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme %q", core.ErrBadMedia, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", core.ErrBadMedia)
	}
	if r.hosts != nil {
		if _, ok := r.hosts[strings.ToLower(u.Hostname())]; !ok {
			return "", fmt.Errorf("%w: host %s not allowed", core.ErrBadMedia, u.Hostname())
		}
	}
	return u.String(), nil
}
