package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// APIError is a non-2xx answer from the Graph API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whatsapp api: status %d: %s", e.Status, e.Body)
}

// Client calls the WhatsApp Cloud (Graph) API with a bearer access token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a Graph API client. httpClient may be nil.
func NewClient(baseURL, token string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: baseURL, token: token, http: httpClient, logger: logger}
}

func (c *Client) do(ctx context.Context, method, rawURL string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Status: resp.StatusCode, Body: string(msg)}
	}
	return resp, nil
}

type sendTextRequest struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		Body string `json:"body"`
	} `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendText sends a text message from the business number and returns the provider message id.
func (c *Client) SendText(ctx context.Context, phoneNumberID, to, body string) (string, error) {
	reqBody := sendTextRequest{MessagingProduct: "whatsapp", To: to, Type: "text"}
	reqBody.Text.Body = body
	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/"+url.PathEscape(phoneNumberID)+"/messages", reqBody)
	if err != nil {
		return "", fmt.Errorf("send text: %w", err)
	}
	defer resp.Body.Close()
	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode send response: %w", err)
	}
	if len(out.Messages) == 0 {
		return "", fmt.Errorf("send text: empty response")
	}
	return out.Messages[0].ID, nil
}

// MediaInfo is the Graph API description of an uploaded media object.
type MediaInfo struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

// MediaURL resolves a media id to its short-lived download URL.
func (c *Client) MediaURL(ctx context.Context, mediaID string) (*MediaInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/"+url.PathEscape(mediaID), nil)
	if err != nil {
		return nil, fmt.Errorf("media url: %w", err)
	}
	defer resp.Body.Close()
	var info MediaInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode media info: %w", err)
	}
	if info.URL == "" {
		return nil, fmt.Errorf("media url: empty url for %s", mediaID)
	}
	return &info, nil
}

// Download streams a media URL. Caller must close the body.
func (c *Client) Download(ctx context.Context, mediaURL string) (io.ReadCloser, string, int64, error) {
	resp, err := c.do(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", 0, fmt.Errorf("download: %w", err)
	}
	return resp.Body, resp.Header.Get("Content-Type"), resp.ContentLength, nil
}
