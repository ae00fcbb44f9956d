package notary

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachetsign/cachet/config"
)

const testIssuer = "57246542-96fe-1a63-e053-0824d011072a"

func writeConnectKey(t *testing.T, key *ecdsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "AuthKey_TESTKEY99.p8")
	blob := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	require.NoError(t, os.WriteFile(path, blob, 0o600))
	return path
}

func TestConnectTokenSource(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	src, err := newConnectTokenSource(writeConnectKey(t, key), "TESTKEY99", testIssuer)
	require.NoError(t, err)

	tok, err := src.Token()
	require.NoError(t, err)
	require.NotEmpty(t, tok.AccessToken)
	assert.WithinDuration(t, time.Now().Add(tokenExpiry), tok.Expiry, time.Minute)

	parsed, err := jwt.ParseSigned(tok.AccessToken, []jose.SignatureAlgorithm{jose.ES256})
	require.NoError(t, err)
	require.Len(t, parsed.Headers, 1)
	assert.Equal(t, "TESTKEY99", parsed.Headers[0].KeyID)
	var claims jwt.Claims
	require.NoError(t, parsed.Claims(key.Public(), &claims))
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, jwt.Audience{"appstoreconnect-v1"}, claims.Audience)
}

func TestConnectTokenSourceBadKey(t *testing.T) {
	dir := t.TempDir()
	_, err := newConnectTokenSource(filepath.Join(dir, "missing.p8"), "k", testIssuer)
	assert.Error(t, err)

	notPKCS8 := filepath.Join(dir, "sec1.p8")
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	blob := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	require.NoError(t, os.WriteFile(notPKCS8, blob, 0o600))
	_, err = newConnectTokenSource(notPKCS8, "k", testIssuer)
	assert.ErrorContains(t, err, "expected PRIVATE KEY")

	wrongAlg := filepath.Join(dir, "rsa.p8")
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err = x509.MarshalPKCS8PrivateKey(rsaKey)
	require.NoError(t, err)
	blob = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	require.NoError(t, os.WriteFile(wrongAlg, blob, 0o600))
	_, err = newConnectTokenSource(wrongAlg, "k", testIssuer)
	assert.ErrorContains(t, err, "expected ECDSA P-256")
}

// newTestClient builds a client with real bearer-token auth pointed at a
// local server.
func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	cli, err := NewClient(&config.NotaryConfig{
		APIIssuerID: testIssuer,
		APIKeyID:    "TESTKEY99",
		APIKeyPath:  writeConnectKey(t, key),
		NotaryURL:   srv.URL + "/",
	})
	require.NoError(t, err)
	return cli
}

func requireBearer(t *testing.T, r *http.Request) {
	t.Helper()
	auth := r.Header.Get("Authorization")
	if assert.True(t, strings.HasPrefix(auth, "Bearer "), "missing bearer token") {
		assert.Len(t, strings.Split(auth, "."), 3)
	}
}

func TestNewClientConfig(t *testing.T) {
	_, err := NewClient(&config.NotaryConfig{})
	assert.ErrorContains(t, err, "notary config")
	assert.ErrorContains(t, err, "API Key ID is required")

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	cli, err := NewClient(&config.NotaryConfig{
		APIIssuerID: testIssuer,
		APIKeyID:    "TESTKEY99",
		APIKeyPath:  writeConnectKey(t, key),
		NotaryURL:   "https://example.test/notary/v2/",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://example.test/notary/v2", cli.baseURL)
	// default submission region applied by validation
	assert.Equal(t, "us-west-2", cli.region)
}

func TestNewSubmission(t *testing.T) {
	const id = "b014d72f-17b6-45ac-abb1-5c18ff354cb4"
	mux := http.NewServeMux()
	mux.HandleFunc("/submissions", func(w http.ResponseWriter, r *http.Request) {
		requireBearer(t, r)
		assert.Equal(t, http.MethodPost, r.Method)
		var req newSubmissionRequest
		if assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			assert.Equal(t, "app.zip", req.SubmissionName)
			assert.Len(t, req.SHA256, 64)
		}
		fmt.Fprintf(w, `{"data":{"type":"newSubmissions","id":%q,"attributes":{
			"awsAccessKeyId":"AKIATEST","awsSecretAccessKey":"secret",
			"awsSessionToken":"token","bucket":"notary-submissions","object":"prod/%s"}}}`, id, id)
	})
	cli := newTestClient(t, mux)

	resp, err := cli.NewSubmission(context.Background(), "app.zip", strings.Repeat("ab", 32))
	require.NoError(t, err)
	assert.Equal(t, id, resp.ID)
	require.NoError(t, resp.Attributes.Validate())
	assert.Equal(t, "notary-submissions", resp.Attributes.Bucket)
}

func TestUploadAttributesValidate(t *testing.T) {
	err := new(UploadAttributes).Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "missing awsAccessKeyId")
	assert.ErrorContains(t, err, "missing bucket")
	assert.ErrorContains(t, err, "missing object")
}

func TestSubmissionStatus(t *testing.T) {
	const id = "b014d72f-17b6-45ac-abb1-5c18ff354cb4"
	mux := http.NewServeMux()
	mux.HandleFunc("/submissions/"+id, func(w http.ResponseWriter, r *http.Request) {
		requireBearer(t, r)
		fmt.Fprintf(w, `{"data":{"type":"submissions","id":%q,"attributes":{
			"createdDate":"2026-08-24T10:00:00Z","name":"app.zip","status":"Accepted"}}}`, id)
	})
	cli := newTestClient(t, mux)

	status, err := cli.GetSubmissionStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, status.ID)
	assert.Equal(t, "app.zip", status.Attributes.Name)
	assert.Equal(t, StatusAccepted, status.Attributes.Status)
	assert.True(t, status.Attributes.Status.Terminal())
	assert.False(t, StatusInProgress.Terminal())

	// IDs are validated before building a request path from them
	_, err = cli.GetSubmissionStatus(context.Background(), "../jobs")
	assert.ErrorContains(t, err, "invalid submission ID")
}

func TestSubmissionStatusError(t *testing.T) {
	cli := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":[{"title":"NOT_FOUND"}]}`, http.StatusNotFound)
	}))
	_, err := cli.GetSubmissionStatus(context.Background(), "b014d72f-17b6-45ac-abb1-5c18ff354cb4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestSubmissionLogs(t *testing.T) {
	const id = "b014d72f-17b6-45ac-abb1-5c18ff354cb4"
	const logBody = `{"logFormatVersion":1,"issues":[]}`
	mux := http.NewServeMux()
	var srvURL string
	mux.HandleFunc("/submissions/"+id+"/logs", func(w http.ResponseWriter, r *http.Request) {
		requireBearer(t, r)
		fmt.Fprintf(w, `{"data":{"type":"submissionsLog","id":%q,"attributes":{"developerLogUrl":%q}}}`,
			id, srvURL+"/devlog")
	})
	mux.HandleFunc("/devlog", func(w http.ResponseWriter, r *http.Request) {
		// pre-signed URL, no credentials expected
		assert.Empty(t, r.Header.Get("Authorization"))
		fmt.Fprint(w, logBody)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	srvURL = srv.URL
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	cli, err := NewClient(&config.NotaryConfig{
		APIIssuerID: testIssuer,
		APIKeyID:    "TESTKEY99",
		APIKeyPath:  writeConnectKey(t, key),
		NotaryURL:   srv.URL,
	})
	require.NoError(t, err)

	logs, err := cli.GetSubmissionLogs(context.Background(), id)
	require.NoError(t, err)
	defer logs.Close()
	blob, err := io.ReadAll(logs)
	require.NoError(t, err)
	assert.Equal(t, logBody, string(blob))
}

func TestLookupTicket(t *testing.T) {
	const recordName = "2/2/69cdf46648d86f0d0ad2f0236b826c46bbfd93bf"
	ticket := []byte("signed ticket bytes")
	mux := http.NewServeMux()
	mux.HandleFunc("/lookup", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req ticketLookupRequest
		if assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) && assert.Len(t, req.Records, 1) {
			assert.Equal(t, recordName, req.Records[0].RecordName)
		}
		fmt.Fprintf(w, `{"records":[{"recordName":%q,"fields":{"signedTicket":{"value":%q,"type":"BYTES"}}}]}`,
			recordName, base64.StdEncoding.EncodeToString(ticket))
	})
	mux.HandleFunc("/notfound", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"records":[{"recordName":"nope","serverErrorCode":"NOT_FOUND","reason":"Record not found"}]}`)
	})
	mux.HandleFunc("/throttled", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"records":[{"recordName":"nope","serverErrorCode":"THROTTLED"}]}`)
	})
	mux.HandleFunc("/empty", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"records":[]}`)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	ctx := context.Background()

	cli := &TicketClient{HTTPClient: srv.Client(), LookupURL: srv.URL + "/lookup"}
	got, err := cli.Lookup(ctx, recordName)
	require.NoError(t, err)
	assert.Equal(t, ticket, got)

	cli.LookupURL = srv.URL + "/notfound"
	_, err = cli.Lookup(ctx, recordName)
	assert.ErrorIs(t, err, ErrTicketNotFound)

	cli.LookupURL = srv.URL + "/throttled"
	_, err = cli.Lookup(ctx, recordName)
	assert.ErrorContains(t, err, "THROTTLED")

	cli.LookupURL = srv.URL + "/empty"
	_, err = cli.Lookup(ctx, recordName)
	assert.ErrorContains(t, err, "empty result")

	cli.LookupURL = srv.URL + "/broken"
	_, err = cli.Lookup(ctx, recordName)
	assert.ErrorContains(t, err, "500")
}
