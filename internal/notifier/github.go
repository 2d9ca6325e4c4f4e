package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	kitlog "github.com/go-kit/kit/log"
)

// GitHubSink posts a commit status for deployment events, a narrowed
// port of original_source/src/notifier/services/github.rs: the Rust
// source authenticates as a GitHub App (JWT + installation token); this
// sink authenticates with a long-lived personal access token instead,
// since the daemon's other bearer-token clients (secretstore,
// dnsprovider) each use a single bearer token already and a second
// credential kind for one notifier is not worth the added config
// surface.
type GitHubSink struct {
	owner, repository string
	token             string
	client            *http.Client
	logger            kitlog.Logger
}

// NewGitHubSink builds a GitHubSink posting commit statuses to
// owner/repository.
func NewGitHubSink(owner, repository, token string, logger kitlog.Logger) *GitHubSink {
	return &GitHubSink{
		owner:      owner,
		repository: repository,
		token:      token,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

type githubStatusRequest struct {
	State       string `json:"state"`
	Context     string `json:"context"`
	Description string `json:"description,omitempty"`
}

// Notify only acts on KindDeployment events; service-level events have
// no associated commit to attach a status to.
func (g *GitHubSink) Notify(ctx context.Context, event Event) {
	if event.Kind != KindDeployment {
		return
	}

	req := githubStatusRequest{
		State:   githubState(event.State),
		Context: "wafflemaker/deployment",
	}
	if event.State == StateFailure && event.Err != nil {
		req.Description = event.Err.Error()
	}

	body, err := json.Marshal(req)
	if err != nil {
		g.logger.Log("notifier", "github", "err", err)
		return
	}

	url := "https://api.github.com/repos/" + g.owner + "/" + g.repository + "/statuses/" + event.Commit
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		g.logger.Log("notifier", "github", "err", err)
		return
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.token)
	httpReq.Header.Set("Accept", "application/vnd.github+json")
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		g.logger.Log("notifier", "github", "err", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		g.logger.Log("notifier", "github", "status", resp.StatusCode)
	}
}

func githubState(s State) string {
	switch s {
	case StateSuccess:
		return "success"
	case StateFailure:
		return "failure"
	default:
		return "pending"
	}
}

var _ Sink = (*GitHubSink)(nil)
