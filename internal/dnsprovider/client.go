// Package dnsprovider talks to the external DNS provider that routes
// web-enabled services (spec §4.6). The transport mirrors
// internal/secretstore's: a unix or tcp endpoint reached through a
// bearer-token http.Client, adapted from
// services/agent.AgentCommunication.
package dnsprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wafflehacks/wafflemaker/internal/wferrors"
)

// Provider is the narrow contract the DNS reconciler talks to.
type Provider interface {
	// Upsert points name at target, creating or replacing the record.
	Upsert(ctx context.Context, name, target string) error
	// Delete removes the record for name, if any.
	Delete(ctx context.Context, name string) error
}

// HTTPProvider is a Provider implementation against a bearer-token HTTP
// DNS management API.
type HTTPProvider struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPProvider builds a Provider from an endpoint ("unix://" or
// "tcp://") and bearer token.
func NewHTTPProvider(endpoint, token string) (*HTTPProvider, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return nil, wferrors.Wrap(wferrors.KindFatal, "invalid dns provider endpoint", err)
	}

	p := &HTTPProvider{token: token}

	switch strings.ToLower(u.Scheme) {
	case "unix":
		if u.Path == "" {
			return nil, wferrors.New(wferrors.KindFatal, "unix dns provider endpoint missing socket path")
		}
		p.baseURL = "http://dnsprovider"
		socketPath := u.Path
		dialer := &net.Dialer{Timeout: 10 * time.Second}
		p.httpClient = &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return dialer.DialContext(ctx, "unix", socketPath)
				},
			},
		}

	case "tcp", "http", "https":
		if u.Host == "" {
			return nil, wferrors.New(wferrors.KindFatal, "dns provider endpoint missing host:port")
		}
		scheme := "http"
		if strings.ToLower(u.Scheme) == "https" {
			scheme = "https"
		}
		p.baseURL = scheme + "://" + u.Host
		p.httpClient = &http.Client{Timeout: 15 * time.Second}

	default:
		return nil, wferrors.New(wferrors.KindFatal, "unsupported dns provider endpoint scheme "+u.Scheme)
	}

	return p, nil
}

func (p *HTTPProvider) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader *strings.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (p *HTTPProvider) Upsert(ctx context.Context, name, target string) error {
	body, err := json.Marshal(map[string]string{"name": name, "target": target})
	if err != nil {
		return wferrors.Wrap(wferrors.KindFatal, "marshal dns upsert", err)
	}
	req, err := p.newRequest(ctx, http.MethodPut, "/records/"+name, body)
	if err != nil {
		return wferrors.Wrap(wferrors.KindUpstream, "build dns upsert request", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return wferrors.Wrap(wferrors.KindTransient, "upsert dns record", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		b, _ := io.ReadAll(resp.Body)
		return wferrors.New(wferrors.KindUpstream, fmt.Sprintf("upsert dns record %s failed (%d): %s", name, resp.StatusCode, string(b)))
	}
	return nil
}

func (p *HTTPProvider) Delete(ctx context.Context, name string) error {
	req, err := p.newRequest(ctx, http.MethodDelete, "/records/"+name, nil)
	if err != nil {
		return wferrors.Wrap(wferrors.KindUpstream, "build dns delete request", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return wferrors.Wrap(wferrors.KindTransient, "delete dns record", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		b, _ := io.ReadAll(resp.Body)
		return wferrors.New(wferrors.KindUpstream, fmt.Sprintf("delete dns record %s failed (%d): %s", name, resp.StatusCode, string(b)))
	}
	return nil
}

var _ Provider = (*HTTPProvider)(nil)
