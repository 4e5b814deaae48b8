package telematics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var _ Client = &HTTPClient{}

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "pg-telemetry-ingest/1.0"
	apiKeyHeader     = "X-Api-Key"
	maxErrorBody     = 512
)

// StatusError is returned when the API answers with a non 2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("telematics api: http status %d", e.StatusCode)
	}
	return fmt.Sprintf("telematics api: http status %d: %s", e.StatusCode, e.Body)
}

type HTTPClientOptions struct {
	BaseURL    string
	APIKey     string
	UserAgent  string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPClient talks JSON to the telematics API.
//
//	GET {base}/events?sinceToken=...                     -> EventPage
//	GET {base}/events/range?startTime=...&endTime=...     -> {"events":[...],"nextPageToken":"..."}
//	GET {base}/drivers | /vehicles | /event-types         -> [...] or {"items":[...]}
type HTTPClient struct {
	baseURL   string
	apiKey    string
	userAgent string
	client    *http.Client
}

func NewHTTPClient(opts HTTPClientOptions) (*HTTPClient, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("telematics base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid telematics base url: %w", err)
	}

	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}

	return &HTTPClient{
		baseURL:   strings.TrimRight(base, "/"),
		apiKey:    opts.APIKey,
		userAgent: ua,
		client:    client,
	}, nil
}

func (c *HTTPClient) FetchEvents(ctx context.Context, sinceToken string) (*EventPage, error) {
	q := url.Values{}
	q.Set("sinceToken", sinceToken)

	var page EventPage
	if err := c.getJSON(ctx, "/events", q, &page); err != nil {
		return nil, err
	}

	return &page, nil
}

func (c *HTTPClient) FetchEventsBetween(ctx context.Context, from, to time.Time) ([]Event, error) {
	var events []Event
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("startTime", from.UTC().Format(time.RFC3339))
		q.Set("endTime", to.UTC().Format(time.RFC3339))
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var page struct {
			Events        []Event `json:"events"`
			NextPageToken string  `json:"nextPageToken"`
		}
		if err := c.getJSON(ctx, "/events/range", q, &page); err != nil {
			return nil, err
		}
		events = append(events, page.Events...)

		if page.NextPageToken == "" || page.NextPageToken == pageToken {
			return events, nil
		}
		pageToken = page.NextPageToken
	}
}

func (c *HTTPClient) FetchDrivers(ctx context.Context) ([]Driver, error) {
	var drivers []Driver
	if err := c.getCollection(ctx, "/drivers", &drivers); err != nil {
		return nil, err
	}
	return drivers, nil
}

func (c *HTTPClient) FetchVehicles(ctx context.Context) ([]Vehicle, error) {
	var vehicles []Vehicle
	if err := c.getCollection(ctx, "/vehicles", &vehicles); err != nil {
		return nil, err
	}
	return vehicles, nil
}

func (c *HTTPClient) FetchEventTypes(ctx context.Context) ([]EventType, error) {
	var eventTypes []EventType
	if err := c.getCollection(ctx, "/event-types", &eventTypes); err != nil {
		return nil, err
	}
	return eventTypes, nil
}

// getCollection accepts both bare arrays and {"items": [...]} payloads.
func (c *HTTPClient) getCollection(ctx context.Context, path string, dest any) error {
	body, err := c.get(ctx, path, nil)
	if err != nil {
		return err
	}

	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(body, dest); err != nil {
			return fmt.Errorf("decoding %s: %w", path, err)
		}
		return nil
	}

	var wrapped struct {
		Items json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	if len(wrapped.Items) == 0 {
		return nil
	}
	if err := json.Unmarshal(wrapped.Items, dest); err != nil {
		return fmt.Errorf("decoding %s items: %w", path, err)
	}

	return nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, query url.Values, dest any) error {
	body, err := c.get(ctx, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

func (c *HTTPClient) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: snippet}
	}

	return body, nil
}
