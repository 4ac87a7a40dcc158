package httptpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/CZERTAINLY/Courier/internal/transfer"
)

// Client reads the listing of a running service.
type Client struct {
	listURL *url.URL
	client  *http.Client
}

func NewClient(serverURL string) (*Client, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the server url with a scheme and without path, e.g. `http://localhost:8080`")
	}
	parsedURL.Path = ListPath

	return &Client{
		listURL: parsedURL,
		client:  &http.Client{},
	}, nil
}

func listQuery(f transfer.Filter, order transfer.SortOrder) url.Values {
	q := url.Values{}
	for k, v := range map[string]string{
		"pool":      f.Pool,
		"host":      f.Host,
		"local":     f.LocalPath,
		"remote":    f.RemotePath,
		"direction": string(f.Direction),
		"ip":        f.IPFamily,
		"sort":      string(order),
	} {
		if v != "" {
			q.Set(k, v)
		}
	}
	return q
}

func (c *Client) List(ctx context.Context, f transfer.Filter, order transfer.SortOrder) (transfer.Listing, error) {
	u := *c.listURL
	u.RawQuery = listQuery(f, order).Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return transfer.Listing{}, err
	}
	req.Header.Set("Accept", contentTypeJSON)

	resp, err := c.client.Do(req)
	if err != nil {
		return transfer.Listing{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return decodeListResponse(resp)
}

func decodeListResponse(resp *http.Response) (transfer.Listing, error) {
	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return transfer.Listing{}, fmt.Errorf("failed to parse response content type header: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		if contentType != contentTypeJSON {
			return transfer.Listing{}, fmt.Errorf("expected `%s` content type, got: %s", contentTypeJSON, contentType)
		}
		var listing transfer.Listing
		if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
			return transfer.Listing{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		return listing, nil
	case http.StatusBadRequest:
		if contentType != contentTypeProblem {
			return transfer.Listing{}, fmt.Errorf("expected `%s` content type, got: %s", contentTypeProblem, contentType)
		}
		var p problem
		if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
			return transfer.Listing{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		return transfer.Listing{}, fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, p.Detail)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return transfer.Listing{}, err
	}
	return transfer.Listing{}, fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
}
