package secretstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wafflehacks/wafflemaker/internal/wferrors"
)

// DynamicSecret is an issued credential plus its lease bookkeeping
// (spec §3's Lease, §4.4's "issued lease" concept).
type DynamicSecret struct {
	LeaseID string
	TTL     time.Duration
	Data    map[string]string
}

// Store is the narrow contract the SecretResolver and LeaseManager talk
// to (spec §6).
type Store interface {
	// ReadJSON reads a single-key (or multi-key) JSON document at path.
	// Returns a KindNotFound error if the path doesn't exist.
	ReadJSON(ctx context.Context, path string, out interface{}) error
	// WriteJSON writes a JSON document at path, creating or overwriting.
	WriteJSON(ctx context.Context, path string, value interface{}) error
	// Delete removes a single path.
	Delete(ctx context.Context, path string) error
	// DeleteTree removes every path under prefix (spec §3's
	// `services/<id>/*` namespace teardown).
	DeleteTree(ctx context.Context, prefix string) error

	// IssueDynamic requests a new credential from a dynamic secrets
	// engine ("database" or "aws") under role.
	IssueDynamic(ctx context.Context, engine, role string) (DynamicSecret, error)
	// RenewLease extends a lease's expiration, returning its new TTL.
	RenewLease(ctx context.Context, leaseID string) (time.Duration, error)
	// RevokeLease immediately revokes a lease.
	RevokeLease(ctx context.Context, leaseID string) error
	// RenewSelf extends the session behind the bearer token this Store was
	// built with, independent of any lease it tracks on behalf of a
	// service (original_source/src/vault's `renew-self` loop).
	RenewSelf(ctx context.Context) error
}

// HTTPStore is a Store implementation against a Vault-shaped KV +
// dynamic-secrets HTTP API (original_source/src/vault).
type HTTPStore struct {
	c *client
}

// NewHTTPStore builds a Store from an endpoint ("unix://" or "tcp://")
// and bearer token.
func NewHTTPStore(endpoint, token string) (*HTTPStore, error) {
	c, err := newClient(endpoint, token)
	if err != nil {
		return nil, err
	}
	return &HTTPStore{c: c}, nil
}

func (s *HTTPStore) ReadJSON(ctx context.Context, path string, out interface{}) error {
	req, err := s.c.newRequest(ctx, http.MethodGet, "/v1/"+path, nil)
	if err != nil {
		return wferrors.Wrap(wferrors.KindUpstream, "build read request", err)
	}
	resp, err := s.c.httpClient.Do(req)
	if err != nil {
		return wferrors.Wrap(wferrors.KindTransient, "read secret", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return wferrors.New(wferrors.KindNotFound, "secret "+path+" not found")
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return wferrors.New(wferrors.KindUpstream, fmt.Sprintf("read secret %s failed (%d): %s", path, resp.StatusCode, string(b)))
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return wferrors.Wrap(wferrors.KindUpstream, "decode secret envelope", err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return wferrors.Wrap(wferrors.KindUpstream, "decode secret data", err)
	}
	return nil
}

func (s *HTTPStore) WriteJSON(ctx context.Context, path string, value interface{}) error {
	body, err := json.Marshal(struct {
		Data interface{} `json:"data"`
	}{Data: value})
	if err != nil {
		return wferrors.Wrap(wferrors.KindFatal, "marshal secret", err)
	}

	req, err := s.c.newRequest(ctx, http.MethodPut, "/v1/"+path, body)
	if err != nil {
		return wferrors.Wrap(wferrors.KindUpstream, "build write request", err)
	}
	resp, err := s.c.httpClient.Do(req)
	if err != nil {
		return wferrors.Wrap(wferrors.KindTransient, "write secret", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		b, _ := io.ReadAll(resp.Body)
		return wferrors.New(wferrors.KindUpstream, fmt.Sprintf("write secret %s failed (%d): %s", path, resp.StatusCode, string(b)))
	}
	return nil
}

func (s *HTTPStore) Delete(ctx context.Context, path string) error {
	req, err := s.c.newRequest(ctx, http.MethodDelete, "/v1/"+path, nil)
	if err != nil {
		return wferrors.Wrap(wferrors.KindUpstream, "build delete request", err)
	}
	resp, err := s.c.httpClient.Do(req)
	if err != nil {
		return wferrors.Wrap(wferrors.KindTransient, "delete secret", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		b, _ := io.ReadAll(resp.Body)
		return wferrors.New(wferrors.KindUpstream, fmt.Sprintf("delete secret %s failed (%d): %s", path, resp.StatusCode, string(b)))
	}
	return nil
}

func (s *HTTPStore) DeleteTree(ctx context.Context, prefix string) error {
	req, err := s.c.newRequest(ctx, http.MethodDelete, "/v1/"+prefix+"?recursive=true", nil)
	if err != nil {
		return wferrors.Wrap(wferrors.KindUpstream, "build delete-tree request", err)
	}
	resp, err := s.c.httpClient.Do(req)
	if err != nil {
		return wferrors.Wrap(wferrors.KindTransient, "delete secret tree", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		b, _ := io.ReadAll(resp.Body)
		return wferrors.New(wferrors.KindUpstream, fmt.Sprintf("delete secret tree %s failed (%d): %s", prefix, resp.StatusCode, string(b)))
	}
	return nil
}

func (s *HTTPStore) IssueDynamic(ctx context.Context, engine, role string) (DynamicSecret, error) {
	req, err := s.c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/%s/creds/%s", engine, role), nil)
	if err != nil {
		return DynamicSecret{}, wferrors.Wrap(wferrors.KindUpstream, "build issue request", err)
	}
	resp, err := s.c.httpClient.Do(req)
	if err != nil {
		return DynamicSecret{}, wferrors.Wrap(wferrors.KindTransient, "issue dynamic credential", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return DynamicSecret{}, wferrors.New(wferrors.KindUpstream, fmt.Sprintf("issue %s/%s failed (%d): %s", engine, role, resp.StatusCode, string(b)))
	}

	var out struct {
		LeaseID       string            `json:"lease_id"`
		LeaseDuration int               `json:"lease_duration"`
		Data          map[string]string `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return DynamicSecret{}, wferrors.Wrap(wferrors.KindUpstream, "decode dynamic credential", err)
	}

	return DynamicSecret{
		LeaseID: out.LeaseID,
		TTL:     time.Duration(out.LeaseDuration) * time.Second,
		Data:    out.Data,
	}, nil
}

func (s *HTTPStore) RenewLease(ctx context.Context, leaseID string) (time.Duration, error) {
	body, _ := json.Marshal(map[string]string{"lease_id": leaseID})
	req, err := s.c.newRequest(ctx, http.MethodPut, "/v1/sys/leases/renew", body)
	if err != nil {
		return 0, wferrors.Wrap(wferrors.KindUpstream, "build renew request", err)
	}
	resp, err := s.c.httpClient.Do(req)
	if err != nil {
		return 0, wferrors.Wrap(wferrors.KindTransient, "renew lease", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return 0, wferrors.New(wferrors.KindUpstream, fmt.Sprintf("renew lease %s failed (%d): %s", leaseID, resp.StatusCode, string(b)))
	}

	var out struct {
		LeaseDuration int `json:"lease_duration"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, wferrors.Wrap(wferrors.KindUpstream, "decode renew response", err)
	}
	return time.Duration(out.LeaseDuration) * time.Second, nil
}

func (s *HTTPStore) RevokeLease(ctx context.Context, leaseID string) error {
	body, _ := json.Marshal(map[string]string{"lease_id": leaseID})
	req, err := s.c.newRequest(ctx, http.MethodPut, "/v1/sys/leases/revoke", body)
	if err != nil {
		return wferrors.Wrap(wferrors.KindUpstream, "build revoke request", err)
	}
	resp, err := s.c.httpClient.Do(req)
	if err != nil {
		return wferrors.Wrap(wferrors.KindTransient, "revoke lease", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		b, _ := io.ReadAll(resp.Body)
		return wferrors.New(wferrors.KindUpstream, fmt.Sprintf("revoke lease %s failed (%d): %s", leaseID, resp.StatusCode, string(b)))
	}
	return nil
}

func (s *HTTPStore) RenewSelf(ctx context.Context) error {
	req, err := s.c.newRequest(ctx, http.MethodPost, "/v1/auth/token/renew-self", nil)
	if err != nil {
		return wferrors.Wrap(wferrors.KindUpstream, "build renew-self request", err)
	}
	resp, err := s.c.httpClient.Do(req)
	if err != nil {
		return wferrors.Wrap(wferrors.KindTransient, "renew self token", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return wferrors.New(wferrors.KindUpstream, fmt.Sprintf("renew-self failed (%d): %s", resp.StatusCode, string(b)))
	}
	return nil
}

var _ Store = (*HTTPStore)(nil)
