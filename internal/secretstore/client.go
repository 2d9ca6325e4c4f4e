// Package secretstore talks to the external secret store that backs
// dynamic database/cloud credentials, generated values, and statically
// loaded secrets (spec §6). The transport is adapted directly from
// services/agent.AgentCommunication: an endpoint that may be a unix
// socket or a tcp host, reached through a bearer-token http.Client.
package secretstore

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wafflehacks/wafflemaker/internal/wferrors"
)

// client is the bearer-token HTTP transport shared by every request
// method in this package.
type client struct {
	endpointType string // "unix" or "tcp"
	socketPath   string
	baseURL      string
	token        string
	httpClient   *http.Client
}

// newClient parses an endpoint like "unix:///var/run/secrets.sock" or
// "tcp://vault.internal:8200" and wires a bearer-token http.Client for it.
func newClient(endpoint, token string) (*client, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return nil, wferrors.Wrap(wferrors.KindFatal, "invalid secret store endpoint", err)
	}

	c := &client{token: token}

	switch strings.ToLower(u.Scheme) {
	case "unix":
		if u.Path == "" {
			return nil, wferrors.New(wferrors.KindFatal, "unix secret store endpoint missing socket path")
		}
		c.endpointType = "unix"
		c.socketPath = u.Path
		c.baseURL = "http://secretstore"

		dialer := &net.Dialer{Timeout: 10 * time.Second}
		c.httpClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return dialer.DialContext(ctx, "unix", c.socketPath)
				},
			},
		}

	case "tcp", "http", "https":
		if u.Host == "" {
			return nil, wferrors.New(wferrors.KindFatal, "secret store endpoint missing host:port")
		}
		c.endpointType = "tcp"
		scheme := "http"
		if strings.ToLower(u.Scheme) == "https" {
			scheme = "https"
		}
		c.baseURL = scheme + "://" + u.Host
		c.httpClient = &http.Client{Timeout: 30 * time.Second}

	default:
		return nil, wferrors.New(wferrors.KindFatal, "unsupported secret store endpoint scheme "+u.Scheme)
	}

	return c, nil
}

func (c *client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader *strings.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
