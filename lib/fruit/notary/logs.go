package notary

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/cachetsign/cachet/internal/httperror"
)

type logLocationResponse struct {
	Data struct {
		Attributes struct {
			DeveloperLogURL string `json:"developerLogUrl"`
		} `json:"attributes"`
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"data"`
}

// GetSubmissionLogs retrieves the developer log of a finished submission.
// The caller must close the returned stream.
func (c *Client) GetSubmissionLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	// The API responds with a short-lived URL holding the actual log
	destURL, err := c.submissionURL(id)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, destURL+"/logs", nil)
	if err != nil {
		return nil, err
	}
	var logsResp logLocationResponse
	if err := c.do(req, &logsResp); err != nil {
		return nil, fmt.Errorf("retrieving log location for %s: %w", id, err)
	}
	logURL := logsResp.Data.Attributes.DeveloperLogURL
	if logURL == "" {
		return nil, fmt.Errorf("missing log URL for submission %s", id)
	}

	// The log URL is pre-signed, so fetch it without the bearer token
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, logURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching logs: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching logs: %w", httperror.FromResponse(resp))
	}
	return resp.Body, nil
}
