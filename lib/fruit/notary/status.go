package notary

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type StatusCode string

const (
	StatusInProgress StatusCode = "In Progress"
	StatusAccepted   StatusCode = "Accepted"
	StatusRejected   StatusCode = "Rejected"
)

// Terminal reports whether the submission has finished evaluating.
func (s StatusCode) Terminal() bool {
	return s != "" && s != StatusInProgress
}

type SubmissionStatus struct {
	Attributes struct {
		CreatedDate time.Time  `json:"createdDate"`
		Name        string     `json:"name"`
		Status      StatusCode `json:"status"`
	} `json:"attributes"`
	ID   string `json:"id"`
	Type string `json:"type"`
}

// submissionURL validates that id looks like a submission ID before
// splicing it into a request path.
func (c *Client) submissionURL(id string) (string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("invalid submission ID %q: %w", id, err)
	}
	return c.baseURL + "/submissions/" + parsed.String(), nil
}

func (c *Client) GetSubmissionStatus(ctx context.Context, id string) (*SubmissionStatus, error) {
	destURL, err := c.submissionURL(id)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, destURL, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Data SubmissionStatus `json:"data"`
	}
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}
