// Package gextip discovers the node's public IP address
// by asking an external "what is my IP" service.
package gextip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	DefaultURL     = "https://ipinfo.io"
	DefaultTimeout = 5 * time.Second

	// Some lookup services return HTML to browsers and JSON to curl.
	UserAgent = "curl/7.64.1"
)

type Lookup struct {
	client *resty.Client
	url    string
}

type LookupConfig struct {
	URL     string
	Timeout time.Duration
}

func NewLookup(cfg LookupConfig) *Lookup {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Lookup{
		client: resty.New().
			SetTimeout(cfg.Timeout).
			SetHeader("User-Agent", UserAgent).
			SetHeader("Accept", "application/json"),
		url: cfg.URL,
	}
}

type ipInfo struct {
	IP string `json:"ip"`
}

// ExternalIP returns the address reported by the lookup service.
func (l *Lookup) ExternalIP(ctx context.Context) (string, error) {
	var body ipInfo
	resp, err := l.client.R().
		SetContext(ctx).
		SetResult(&body).
		ForceContentType("application/json").
		Get(l.url)
	if err != nil {
		return "", fmt.Errorf("failed to query %s: %w", l.url, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("lookup service %s returned %s", l.url, resp.Status())
	}

	if body.IP == "" {
		return "", errors.New("lookup service response had no ip field")
	}
	if net.ParseIP(body.IP) == nil {
		return "", fmt.Errorf("lookup service returned invalid ip %q", body.IP)
	}

	return body.IP, nil
}
