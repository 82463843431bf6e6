// Package apiclient is a typed HTTP client for the sheetbase boundary, used
// by external tooling and the integration tests.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dicetable/sheetbase/internal/sheets"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s (%s)", e.StatusCode, e.Message, e.Code)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

func (c *Client) ImportSheet(ctx context.Context, doc map[string]any) (sheets.Sheet, error) {
	var out struct {
		Sheet sheets.Sheet `json:"sheet"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/v1/sheets", doc, &out)
	return out.Sheet, err
}

func (c *Client) GetSheet(ctx context.Context, name string) (sheets.Sheet, error) {
	var out struct {
		Sheet sheets.Sheet `json:"sheet"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/sheets/"+url.PathEscape(name), nil, &out)
	return out.Sheet, err
}

func (c *Client) DeleteSheet(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/sheets/"+url.PathEscape(name), nil, nil)
}

func (c *Client) QuerySheets(ctx context.Context, name string, types []string, isTemplate *bool) ([]sheets.Sheet, error) {
	q := url.Values{}
	if strings.TrimSpace(name) != "" {
		q.Set("name", strings.TrimSpace(name))
	}
	if len(types) > 0 {
		q.Set("type", strings.Join(types, ","))
	}
	if isTemplate != nil {
		q.Set("template", fmt.Sprintf("%t", *isTemplate))
	}
	path := "/v1/sheets"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out struct {
		Sheets []sheets.Sheet `json:"sheets"`
	}
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out.Sheets, err
}

// Link binds the sheet to the user in the channel; an empty userID unlinks
// the sheet there.
func (c *Client) Link(ctx context.Context, channelID, sheetName, userID string) error {
	body := map[string]string{
		"sheetName": sheetName,
		"userId":    userID,
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/channels/"+url.PathEscape(channelID)+"/links", body, nil)
}

func (c *Client) Links(ctx context.Context, channelID string) (map[string]string, error) {
	var out struct {
		Links map[string]string `json:"links"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/channels/"+url.PathEscape(channelID)+"/links", nil, &out)
	return out.Links, err
}

func (c *Client) ResolveSheet(ctx context.Context, channelID, userID string) (sheets.Sheet, error) {
	var out struct {
		Sheet sheets.Sheet `json:"sheet"`
	}
	path := "/v1/channels/" + url.PathEscape(channelID) + "/members/" + url.PathEscape(userID) + "/sheet"
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out.Sheet, err
}

// WriteField sets one field on the user's linked sheet and reports whether
// the value changed.
func (c *Client) WriteField(ctx context.Context, channelID, userID, key string, value any) (bool, error) {
	body := map[string]any{
		"key":   key,
		"value": value,
	}
	var out struct {
		Changed bool `json:"changed"`
	}
	path := "/v1/channels/" + url.PathEscape(channelID) + "/members/" + url.PathEscape(userID) + "/sheet/fields"
	err := c.doJSON(ctx, http.MethodPut, path, body, &out)
	return out.Changed, err
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return nil
		}
		return json.Unmarshal(payload, out)
	}
	httpErr := &HTTPError{StatusCode: resp.StatusCode}
	var detail struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(payload, &detail) == nil {
		httpErr.Code = detail.Code
		httpErr.Message = detail.Message
	}
	return httpErr
}
