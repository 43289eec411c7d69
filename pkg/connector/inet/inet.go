package inet

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

	"github.com/niports/tracking-relay/internal/log"
	"github.com/niports/tracking-relay/pkg/connector"
	"github.com/niports/tracking-relay/pkg/protocol"
)

const (
	// DefaultBaseURL is the GPS51 open API endpoint.
	DefaultBaseURL = "https://api.gps51.com/openapi"
	// DefaultUserAgent mimics a browser; the upstream rejects some non-browser agents.
	DefaultUserAgent = "Mozilla/5.0"

	actionLogin        = "login"
	actionLastPosition = "lastposition"
)

func ReadWithContext(ctx context.Context, r io.Reader, p []byte) ([]byte, error) {
	bytesRead := 0
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		n, err := r.Read(p[bytesRead:])
		bytesRead += n
		if err == io.EOF {
			return p[:bytesRead], nil
		}
		if err != nil {
			return p[:bytesRead], err
		}
		if bytesRead == len(p) {
			return p[:bytesRead], nil
		}
	}
}

type HttpError struct {
	Code    int
	Message string
}

func (e *HttpError) Error() string {
	if e.Message == "" {
		return http.StatusText(e.Code)
	}
	return e.Message
}

func (e *HttpError) Temporary() bool {
	return e.Code == http.StatusServiceUnavailable ||
		e.Code == http.StatusGatewayTimeout ||
		e.Code == http.StatusRequestTimeout ||
		e.Code == http.StatusBadGateway ||
		e.Code == http.StatusTooManyRequests
}

// statusResponse is the envelope the upstream wraps around most replies. Status 0 means success.
type statusResponse struct {
	Status *int   `json:"status"`
	Cause  string `json:"cause"`
}

// Connection implements connector.Upstream against the GPS51 open API.
type Connection struct {
	UserAgent string
	baseURL   string
	client    http.Client
}

// NewConnection creates a Connection. An empty baseURL selects DefaultBaseURL.
func NewConnection(baseURL, userAgent string) *Connection {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Connection{
		UserAgent: userAgent,
		baseURL:   baseURL,
	}
}

func (c *Connection) endpoint(action string, params url.Values) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid upstream url %q: %w", c.baseURL, err)
	}
	q := u.Query()
	q.Set("action", action)
	for k, v := range params {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// do sends request and returns the body of a 200 response.
func (c *Connection) do(ctx context.Context, request *http.Request) ([]byte, error) {
	request.Header.Set("User-Agent", c.UserAgent)
	request.Header.Set("Accept", "application/json")

	result, err := c.client.Do(request)
	if err != nil {
		return nil, &protocol.RelayError{Err: err, PossibleTemporary: true}
	}
	defer result.Body.Close()

	body := make([]byte, connector.MaxResponseLength+1)
	body, err = ReadWithContext(ctx, result.Body, body)
	if err != nil {
		return nil, &protocol.RelayError{Err: err, PossibleTemporary: true}
	}
	if len(body) == connector.MaxResponseLength+1 {
		return nil, protocol.NewError("response exceeds maximum length", false)
	}

	log.Debug("Upstream returned %d: %s: %d bytes", result.StatusCode, http.StatusText(result.StatusCode), len(body))
	if result.StatusCode != http.StatusOK {
		return nil, &HttpError{Code: result.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return body, nil
}

// decodeServerID accepts either a JSON string or number; accounts differ.
func decodeServerID(raw json.RawMessage) string {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Login posts credentials to the login action.
func (c *Connection) Login(ctx context.Context, req connector.LoginRequest) (connector.LoginResponse, error) {
	var response connector.LoginResponse
	endpoint, err := c.endpoint(actionLogin, nil)
	if err != nil {
		return response, err
	}
	body, err := json.Marshal(&req)
	if err != nil {
		return response, err
	}
	log.Debug("Sending login request for %s to %s", req.Username, endpoint)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return response, err
	}
	request.Header.Set("Content-Type", "application/json")

	body, err = c.do(ctx, request)
	if err != nil {
		return response, err
	}

	var reply struct {
		statusResponse
		Token    string          `json:"token"`
		ServerID json.RawMessage `json:"serverid"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		log.Debug("Invalid login response (%d bytes): %s", len(body), body)
		return response, fmt.Errorf("%w: %s", protocol.ErrBadResponse, err)
	}
	response.Token = reply.Token
	response.ServerID = decodeServerID(reply.ServerID)
	response.Cause = reply.Cause
	if reply.Status != nil {
		response.Status = *reply.Status
	}
	return response, nil
}

// LastPosition fetches the fleet snapshot. A non-zero upstream status with a cause mentioning the
// token is reported as protocol.ErrTokenRejected.
func (c *Connection) LastPosition(ctx context.Context, token, serverID string, deviceIDs []string) ([]protocol.Position, error) {
	params := url.Values{
		"token":    {token},
		"serverid": {serverID},
	}
	if len(deviceIDs) > 0 {
		params.Set("deviceid", strings.Join(deviceIDs, ","))
	}
	endpoint, err := c.endpoint(actionLastPosition, params)
	if err != nil {
		return nil, err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	body, err := c.do(ctx, request)
	if err != nil {
		return nil, err
	}
	log.Debug("Fetched last positions in %s", time.Since(started))

	if err := checkStatus(body); err != nil {
		return nil, err
	}
	positions, err := protocol.DecodePositions(body)
	if err != nil {
		log.Debug("Invalid lastposition response (%d bytes): %.512s", len(body), body)
		return nil, fmt.Errorf("%w: %s", protocol.ErrBadResponse, err)
	}
	return positions, nil
}

func checkStatus(body []byte) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	var status statusResponse
	if err := json.Unmarshal(trimmed, &status); err != nil {
		// Leave it to the position decoder to describe the problem.
		return nil
	}
	if status.Status == nil || *status.Status == 0 {
		return nil
	}
	if strings.Contains(strings.ToLower(status.Cause), "token") {
		return fmt.Errorf("%w: %s", protocol.ErrTokenRejected, status.Cause)
	}
	return &HttpError{Code: http.StatusOK, Message: fmt.Sprintf("upstream status %d: %s", *status.Status, status.Cause)}
}

// IsTokenRejected returns true if err indicates the session must be re-established.
func IsTokenRejected(err error) bool {
	var httpErr *HttpError
	if errors.As(err, &httpErr) && (httpErr.Code == http.StatusUnauthorized || httpErr.Code == http.StatusForbidden) {
		return true
	}
	return errors.Is(err, protocol.ErrTokenRejected)
}
