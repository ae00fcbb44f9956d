package notary

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// NewSubmissionResponse describes a submission the service has agreed to
// accept, including where to put the file itself.
type NewSubmissionResponse struct {
	Attributes UploadAttributes `json:"attributes"`
	ID         string           `json:"id"`
	Type       string           `json:"type"`
}

// UploadAttributes carry the one-time credentials for uploading a
// submission's contents.
type UploadAttributes struct {
	AWSAccessKeyID     string `json:"awsAccessKeyId"`
	AWSSecretAccessKey string `json:"awsSecretAccessKey"`
	AWSSessionToken    string `json:"awsSessionToken"`
	Bucket             string `json:"bucket"`
	Object             string `json:"object"`
}

// Validate reports every field the service left blank.
func (a *UploadAttributes) Validate() error {
	var missing []error
	for _, f := range []struct{ value, name string }{
		{a.AWSAccessKeyID, "awsAccessKeyId"},
		{a.AWSSecretAccessKey, "awsSecretAccessKey"},
		{a.AWSSessionToken, "awsSessionToken"},
		{a.Bucket, "bucket"},
		{a.Object, "object"},
	} {
		if f.value == "" {
			missing = append(missing, errors.New("missing "+f.name))
		}
	}
	return errors.Join(missing...)
}

type newSubmissionRequest struct {
	SHA256         string `json:"sha256"`
	SubmissionName string `json:"submissionName"`
}

// NewSubmission initiates a submission for the given file and returns
// attributes used to upload it for evaluation.
func (c *Client) NewSubmission(ctx context.Context, name, sha256sum string) (*NewSubmissionResponse, error) {
	body, err := json.Marshal(newSubmissionRequest{
		SHA256:         sha256sum,
		SubmissionName: name,
	})
	if err != nil {
		return nil, fmt.Errorf("building submission request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/submissions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building submission request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp struct {
		Data NewSubmissionResponse `json:"data"`
	}
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// SubmitFile initiates a submission and uploads its contents without waiting
// for it to finish. Returns the ID of the submission.
func (c *Client) SubmitFile(ctx context.Context, name string, f io.ReadSeeker) (string, error) {
	digest := sha256.New()
	if _, err := io.Copy(digest, f); err != nil {
		return "", fmt.Errorf("digesting %s: %w", name, err)
	}
	// rewind for the upload
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	submission, err := c.NewSubmission(ctx, name, hex.EncodeToString(digest.Sum(nil)))
	if err != nil {
		return "", fmt.Errorf("submitting %q: %w", name, err)
	}
	if err := c.Upload(ctx, &submission.Attributes, f); err != nil {
		return "", fmt.Errorf("uploading %q: %w", name, err)
	}
	return submission.ID, nil
}
