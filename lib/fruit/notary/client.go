// Package notary submits artifacts to the App Store Connect notary service
// and retrieves the tickets it issues.
package notary

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/cachetsign/cachet/config"
	"github.com/cachetsign/cachet/internal/httperror"
	"golang.org/x/oauth2"
)

// Client calls the notary API on behalf of a configured App Store Connect
// key. Methods that hit the network honor their context.
type Client struct {
	Logger *log.Logger

	cli     *http.Client
	baseURL string
	region  string
}

// NewClient validates cfg and returns a client holding the bearer-token
// transport for it.
func NewClient(cfg *config.NotaryConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("notary config: %w", err)
	}
	auth, err := newConnectTokenSource(cfg.APIKeyPath, cfg.APIKeyID, cfg.APIIssuerID)
	if err != nil {
		return nil, fmt.Errorf("configuring notary auth: %w", err)
	}
	return &Client{
		Logger:  log.Default(),
		cli:     oauth2.NewClient(context.Background(), auth),
		baseURL: strings.TrimSuffix(cfg.NotaryURL, "/"),
		region:  cfg.SubmissionRegion,
	}, nil
}

func (c *Client) do(req *http.Request, respBody any) error {
	return doJSON(c.cli, req, respBody)
}

// doJSON executes req and parses a JSON response body into respBody.
// Non-200 statuses become errors carrying the server's explanation.
func doJSON(cli *http.Client, req *http.Request, respBody any) error {
	resp, err := cli.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httperror.FromResponse(resp)
	}
	const maxBody = 100e3
	blob, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("%s %s: reading response: %w", req.Method, req.URL, err)
	}
	if err := json.Unmarshal(blob, respBody); err != nil {
		return fmt.Errorf("%s %s: parsing response: %w", req.Method, req.URL, err)
	}
	return nil
}
