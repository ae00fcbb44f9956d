package notary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// DefaultTicketURL is the public endpoint where issued notarization tickets
// are published for retrieval.
const DefaultTicketURL = "https://api.apple-cloudkit.com/database/1/com.apple.gk.ticket-delivery/production/public/records/lookup"

// ErrTicketNotFound means no ticket has been published for the artifact,
// usually because it was never notarized or evaluation has not finished.
var ErrTicketNotFound = errors.New("no notarization ticket found")

// TicketClient retrieves published notarization tickets. Lookups are
// anonymous, so the zero value works without any App Store Connect
// credentials.
type TicketClient struct {
	// HTTPClient overrides http.DefaultClient
	HTTPClient *http.Client
	// LookupURL overrides DefaultTicketURL
	LookupURL string
}

type ticketLookupRequest struct {
	Records []ticketRecordRef `json:"records"`
}

type ticketRecordRef struct {
	RecordName string `json:"recordName"`
}

type ticketLookupResponse struct {
	Records []struct {
		ServerErrorCode string `json:"serverErrorCode"`
		Fields          struct {
			SignedTicket struct {
				Value []byte `json:"value"`
			} `json:"signedTicket"`
		} `json:"fields"`
	} `json:"records"`
}

// Lookup fetches the ticket published under a record name, as derived by
// the TicketRecordName method of the artifact's format. Returns
// ErrTicketNotFound when the service holds no record by that name.
func (t *TicketClient) Lookup(ctx context.Context, recordName string) ([]byte, error) {
	body, err := json.Marshal(ticketLookupRequest{
		Records: []ticketRecordRef{{RecordName: recordName}},
	})
	if err != nil {
		return nil, err
	}
	destURL := t.LookupURL
	if destURL == "" {
		destURL = DefaultTicketURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	cli := t.HTTPClient
	if cli == nil {
		cli = http.DefaultClient
	}
	var resp ticketLookupResponse
	if err := doJSON(cli, req, &resp); err != nil {
		return nil, fmt.Errorf("looking up ticket %s: %w", recordName, err)
	}
	if len(resp.Records) == 0 {
		return nil, fmt.Errorf("looking up ticket %s: empty result", recordName)
	}
	record := resp.Records[0]
	switch {
	case record.ServerErrorCode == "NOT_FOUND":
		return nil, fmt.Errorf("%w for record %s", ErrTicketNotFound, recordName)
	case record.ServerErrorCode != "":
		return nil, fmt.Errorf("looking up ticket %s: %s", recordName, record.ServerErrorCode)
	case len(record.Fields.SignedTicket.Value) == 0:
		return nil, fmt.Errorf("looking up ticket %s: record holds no ticket data", recordName)
	}
	return record.Fields.SignedTicket.Value, nil
}
