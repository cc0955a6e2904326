package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	relayerrors "github.com/alexjbarnes/chat-relay/internal/errors"
)

const defaultTimeout = 30 * time.Second

// Client talks to the relay's HTTP API: authentication, the roster
// snapshot, durable message history, and attachment upload.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates an API client for the relay at baseURL.
// If httpClient is nil, a default client with a 30s timeout is used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
	}
}

// statusError is a non-2xx response from the relay. Detail carries the
// relay's reason string verbatim so it can be shown to the user.
type statusError struct {
	endpoint string
	status   int
	detail   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("API %s (%d): %s", e.endpoint, e.status, e.detail)
}

// do sends the request and decodes the response into result. Non-2xx
// responses become *statusError values carrying the relay's "detail"
// reason.
func (c *Client) do(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", req.URL.Path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := string(respBody)

		var apiErr APIError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Detail != "" {
			detail = apiErr.Detail
		}

		return &statusError{endpoint: req.URL.Path, status: resp.StatusCode, detail: detail}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", req.URL.Path, err)
		}
	}

	return nil
}

// post sends a JSON POST request and decodes the response into result.
func (c *Client) post(ctx context.Context, endpoint string, body, result interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, result)
}

// get sends a GET request and decodes the response into result.
func (c *Client) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	return c.do(req, result)
}

// Login authenticates an existing identity. A 401 is reported as
// ErrInvalidCredentials with the relay's reason attached verbatim.
func (c *Client) Login(ctx context.Context, username, password string) (*AuthResponse, error) {
	req := AuthRequest{Username: username, Password: password}

	var resp AuthResponse
	if err := c.post(ctx, "/login", req, &resp); err != nil {
		var se *statusError
		if errors.As(err, &se) && se.status == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %s", relayerrors.ErrInvalidCredentials, se.detail)
		}
		return nil, fmt.Errorf("logging in: %w", err)
	}

	return &resp, nil
}

// Signup creates a new identity. A 400 means the relay rejected the
// request, in practice because the username is already taken.
func (c *Client) Signup(ctx context.Context, username, password string) (*AuthResponse, error) {
	req := AuthRequest{Username: username, Password: password}

	var resp AuthResponse
	if err := c.post(ctx, "/signup", req, &resp); err != nil {
		var se *statusError
		if errors.As(err, &se) && se.status == http.StatusBadRequest {
			return nil, fmt.Errorf("%w: %s", relayerrors.ErrUserExists, se.detail)
		}
		return nil, fmt.Errorf("signing up: %w", err)
	}

	return &resp, nil
}

// ListUsers fetches the roster snapshot for the bulk load: every known
// identity except currentUser, with its current online status.
func (c *Client) ListUsers(ctx context.Context, currentUser string) ([]User, error) {
	endpoint := "/users?current_user=" + url.QueryEscape(currentUser)

	var resp UserListResponse
	if err := c.get(ctx, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	return resp.Users, nil
}

// History fetches the durable message history between self and peer,
// in the relay's order.
func (c *Client) History(ctx context.Context, self, peer string) ([]Message, error) {
	endpoint := "/messages/" + url.PathEscape(self) + "/" + url.PathEscape(peer)

	var resp HistoryResponse
	if err := c.get(ctx, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("fetching history with %s: %w", peer, err)
	}

	return resp.Messages, nil
}

// Upload sends raw attachment bytes to the relay's storage endpoint and
// returns the transportable textual form. The encoding itself happens
// server-side; the client only carries the result through the message.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (*Attachment, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreatePart(fileHeader(name))
	if err != nil {
		return nil, fmt.Errorf("creating multipart field: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("copying attachment payload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", &buf)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var att Attachment
	if err := c.do(req, &att); err != nil {
		return nil, fmt.Errorf("uploading %s: %w", name, err)
	}

	return &att, nil
}

// fileHeader builds the MIME header for the upload's "file" field. The
// part carries its own Content-Type so the relay can echo it back as
// file_type.
func fileHeader(name string) textproto.MIMEHeader {
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(name)))
	h.Set("Content-Type", contentType)

	return h
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
