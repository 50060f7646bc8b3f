// Package opentok is a small client for the OpenTok REST API covering the
// calls the event lifecycle needs: sessions, client tokens, archives and
// live broadcasts. Every call takes the tenant's API key and secret because
// credentials are per domain.
package opentok

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// HeaderAuth carries the project JWT on every REST request.
	HeaderAuth = "X-OPENTOK-AUTH"

	projectTokenTTL = 3 * time.Minute
	maxErrorBody    = 4 << 10
)

var (
	// ErrArchiveNotActive is returned when stopping an archive that is not recording.
	ErrArchiveNotActive = errors.New("archive is not active")
	// ErrBroadcastNotActive is returned when stopping a broadcast that already ended.
	ErrBroadcastNotActive = errors.New("broadcast is not active")
)

// APIError is a non-2xx response from the provider.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("opentok %s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// Credentials identify a provider project.
type Credentials struct {
	APIKey string
	Secret string
}

// Broadcast describes a started live broadcast.
type Broadcast struct {
	ID     string
	HLSURL string
}

// Client talks to the OpenTok REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokenTTL   time.Duration
	now        func() time.Time
}

// NewClient creates a client. timeout bounds each HTTP round trip; callers
// may bound whole operations tighter through the context.
func NewClient(baseURL string, timeout, tokenTTL time.Duration) *Client {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		tokenTTL:   tokenTTL,
		now:        time.Now,
	}
}

// CreateSession creates a routed session with manual archiving.
func (c *Client) CreateSession(ctx context.Context, creds Credentials) (string, error) {
	form := url.Values{}
	form.Set("archiveMode", "manual")
	form.Set("p2p.preference", "disabled")

	req, err := c.newRequest(ctx, creds, http.MethodPost, "/session/create", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var sessions []struct {
		SessionID string `json:"session_id"`
	}
	if err := c.do(req, "create session", &sessions); err != nil {
		return "", err
	}
	if len(sessions) == 0 || sessions[0].SessionID == "" {
		return "", fmt.Errorf("opentok create session: empty response")
	}
	return sessions[0].SessionID, nil
}

// StartArchive starts recording a session. Uncomposed archives record each
// stream individually.
func (c *Client) StartArchive(ctx context.Context, creds Credentials, sessionID, name string, uncomposed bool) (string, error) {
	outputMode := "composed"
	if uncomposed {
		outputMode = "individual"
	}
	body := map[string]string{
		"sessionId":  sessionID,
		"name":       name,
		"outputMode": outputMode,
	}

	req, err := c.newJSONRequest(ctx, creds, "/v2/project/"+url.PathEscape(creds.APIKey)+"/archive", body)
	if err != nil {
		return "", err
	}

	var archive struct {
		ID string `json:"id"`
	}
	if err := c.do(req, "start archive", &archive); err != nil {
		return "", err
	}
	return archive.ID, nil
}

// StopArchive stops a recording. A 409 means the archive is not recording
// and is reported as ErrArchiveNotActive.
func (c *Client) StopArchive(ctx context.Context, creds Credentials, archiveID string) error {
	path := "/v2/project/" + url.PathEscape(creds.APIKey) + "/archive/" + url.PathEscape(archiveID) + "/stop"
	req, err := c.newRequest(ctx, creds, http.MethodPost, path, nil)
	if err != nil {
		return err
	}

	err = c.do(req, "stop archive", nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		return ErrArchiveNotActive
	}
	return err
}

type broadcastOutputs struct {
	HLS  *struct{}        `json:"hls,omitempty"`
	RTMP []rtmpOutputSpec `json:"rtmp,omitempty"`
}

type rtmpOutputSpec struct {
	ID         string `json:"id"`
	ServerURL  string `json:"serverUrl"`
	StreamName string `json:"streamName"`
}

// StartBroadcast starts a live output of a session to HLS, an RTMP relay,
// or both.
func (c *Client) StartBroadcast(ctx context.Context, creds Credentials, sessionID, rtmpURL string, hlsEnabled bool) (*Broadcast, error) {
	outputs := broadcastOutputs{}
	if hlsEnabled {
		outputs.HLS = &struct{}{}
	}
	if rtmpURL != "" {
		server, stream, err := SplitRTMPURL(rtmpURL)
		if err != nil {
			return nil, err
		}
		outputs.RTMP = []rtmpOutputSpec{{ID: "relay", ServerURL: server, StreamName: stream}}
	}
	if outputs.HLS == nil && outputs.RTMP == nil {
		return nil, fmt.Errorf("opentok start broadcast: no output requested")
	}

	body := map[string]interface{}{
		"sessionId": sessionID,
		"outputs":   outputs,
	}
	req, err := c.newJSONRequest(ctx, creds, "/v2/project/"+url.PathEscape(creds.APIKey)+"/broadcast", body)
	if err != nil {
		return nil, err
	}

	var resp struct {
		ID            string `json:"id"`
		BroadcastURLs struct {
			HLS string `json:"hls"`
		} `json:"broadcastUrls"`
	}
	if err := c.do(req, "start broadcast", &resp); err != nil {
		return nil, err
	}
	return &Broadcast{ID: resp.ID, HLSURL: resp.BroadcastURLs.HLS}, nil
}

// StopBroadcast stops a live broadcast. Stopping one that already ended
// is reported as ErrBroadcastNotActive.
func (c *Client) StopBroadcast(ctx context.Context, creds Credentials, broadcastID string) error {
	path := "/v2/project/" + url.PathEscape(creds.APIKey) + "/broadcast/" + url.PathEscape(broadcastID) + "/stop"
	req, err := c.newRequest(ctx, creds, http.MethodPost, path, nil)
	if err != nil {
		return err
	}

	err = c.do(req, "stop broadcast", nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusConflict || apiErr.StatusCode == http.StatusNotFound) {
		return ErrBroadcastNotActive
	}
	return err
}

// SplitRTMPURL splits an RTMP target into the server URL and stream name at
// the last path separator.
func SplitRTMPURL(rtmpURL string) (server, stream string, err error) {
	i := strings.LastIndex(rtmpURL, "/")
	if i <= 0 || i == len(rtmpURL)-1 {
		return "", "", fmt.Errorf("invalid rtmp url %q", rtmpURL)
	}
	return rtmpURL[:i], rtmpURL[i+1:], nil
}

func (c *Client) newJSONRequest(ctx context.Context, creds Credentials, path string, body interface{}) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := c.newRequest(ctx, creds, http.MethodPost, path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) newRequest(ctx context.Context, creds Credentials, method, path string, body io.Reader) (*http.Request, error) {
	auth, err := c.projectToken(creds)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(HeaderAuth, auth)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, op string, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("opentok %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("opentok %s: decode response: %w", op, err)
	}
	return nil
}

// projectClaims authenticate REST calls on behalf of a project.
type projectClaims struct {
	jwt.RegisteredClaims
	IssuerType string `json:"ist"`
}

func (c *Client) projectToken(creds Credentials) (string, error) {
	now := c.now()
	claims := projectClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    creds.APIKey,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(projectTokenTTL)),
			ID:        uuid.NewString(),
		},
		IssuerType: "project",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(creds.Secret))
	if err != nil {
		return "", fmt.Errorf("sign project token: %w", err)
	}
	return signed, nil
}
