// Package gmail is a client for the Gmail REST API covering the two
// operations the receipt pipeline needs: listing message headers for a
// date window and fetching a full message body.
package gmail

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"

	"github.com/budgetly/mailsync/internal/model"
	"github.com/budgetly/mailsync/internal/resilience"
)

const defaultBaseURL = "https://gmail.googleapis.com/gmail/v1"

// Credentials carries one user's OAuth tokens. Expiry may be zero when
// unknown; refresh then happens lazily on rejection.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// ListOptions bounds a header listing.
type ListOptions struct {
	After      time.Time
	Before     time.Time
	Query      string // extra query terms appended to the date window
	MaxResults int
}

// Client defines the mailbox operations used by the pipeline.
type Client interface {
	ListHeaders(ctx context.Context, creds Credentials, opts ListOptions) ([]model.EmailHeader, error)
	GetMessage(ctx context.Context, creds Credentials, id string) (*model.EmailMessage, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient overrides the base http.Client used beneath the OAuth
// transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit overrides the API call budget per second.
func WithRateLimit(perSec float64) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
	}
}

// WithPageSize overrides the per-page listing size.
func WithPageSize(n int) Option {
	return func(c *httpClient) {
		c.pageSize = n
	}
}

type httpClient struct {
	oauthCfg *oauth2.Config
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
	pageSize int
}

// NewClient creates a Gmail API client for the given OAuth application.
func NewClient(clientID, clientSecret string, opts ...Option) Client {
	c := &httpClient{
		oauthCfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
		},
		baseURL:  defaultBaseURL,
		http:     &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(10), 1),
		pageSize: 500,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type messageList struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	NextPageToken string `json:"nextPageToken"`
}

type messagePayload struct {
	MimeType string `json:"mimeType"`
	Headers  []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"headers"`
	Body struct {
		Data string `json:"data"`
		Size int    `json:"size"`
	} `json:"body"`
	Parts []messagePayload `json:"parts"`
}

type message struct {
	ID      string         `json:"id"`
	Snippet string         `json:"snippet"`
	Payload messagePayload `json:"payload"`
}

// ListHeaders lists message ids in the date window and fetches each
// message's metadata headers. A message whose metadata fetch fails is
// logged and skipped rather than failing the listing.
func (c *httpClient) ListHeaders(ctx context.Context, creds Credentials, opts ListOptions) ([]model.EmailHeader, error) {
	max := opts.MaxResults
	if max <= 0 {
		max = 100
	}
	query := BuildQuery(opts)

	var ids []string
	pageToken := ""
	for len(ids) < max {
		pageSize := c.pageSize
		if remaining := max - len(ids); remaining < pageSize {
			pageSize = remaining
		}

		params := url.Values{}
		params.Set("q", query)
		params.Set("maxResults", strconv.Itoa(pageSize))
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		var page messageList
		if err := c.get(ctx, creds, "/users/me/messages?"+params.Encode(), &page); err != nil {
			return nil, err
		}
		for _, m := range page.Messages {
			ids = append(ids, m.ID)
		}
		if page.NextPageToken == "" || len(page.Messages) == 0 {
			break
		}
		pageToken = page.NextPageToken
	}
	if len(ids) > max {
		ids = ids[:max]
	}

	headers := make([]model.EmailHeader, 0, len(ids))
	for _, id := range ids {
		var msg message
		path := "/users/me/messages/" + id + "?format=metadata&metadataHeaders=Subject&metadataHeaders=From&metadataHeaders=Date"
		if err := c.get(ctx, creds, path, &msg); err != nil {
			zap.L().Warn("skipping message with failed metadata fetch",
				zap.String("message_id", id),
				zap.Error(err),
			)
			continue
		}
		h := model.EmailHeader{ID: msg.ID, Snippet: msg.Snippet}
		for _, hdr := range msg.Payload.Headers {
			switch hdr.Name {
			case "Subject":
				h.Subject = hdr.Value
			case "From":
				h.From = hdr.Value
			case "Date":
				h.Date = hdr.Value
			}
		}
		headers = append(headers, h)
	}
	return headers, nil
}

// GetMessage fetches one message in full and extracts its plain-text body.
func (c *httpClient) GetMessage(ctx context.Context, creds Credentials, id string) (*model.EmailMessage, error) {
	var msg message
	if err := c.get(ctx, creds, "/users/me/messages/"+id+"?format=full", &msg); err != nil {
		return nil, err
	}

	out := &model.EmailMessage{
		ID:      msg.ID,
		Snippet: msg.Snippet,
		Body:    extractBody(msg.Payload),
	}
	for _, hdr := range msg.Payload.Headers {
		switch hdr.Name {
		case "Subject":
			out.Subject = hdr.Value
		case "From":
			out.From = hdr.Value
		case "Date":
			out.Date = hdr.Value
		}
	}
	return out, nil
}

func (c *httpClient) get(ctx context.Context, creds Credentials, path string, dst any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "gmail: rate limit wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return eris.Wrap(err, "gmail: create request")
	}

	resp, err := c.authClient(ctx, creds).Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "gmail: send request"))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "gmail: read response")
	}
	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("gmail: unexpected status %d: %s", resp.StatusCode, string(body))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err)
		}
		return err
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return eris.Wrap(err, "gmail: unmarshal response")
	}
	return nil
}

// authClient wraps the base client with an auto-refreshing OAuth transport
// for this user's tokens.
func (c *httpClient) authClient(ctx context.Context, creds Credentials) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	src := c.oauthCfg.TokenSource(ctx, &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		Expiry:       creds.Expiry,
	})
	return oauth2.NewClient(ctx, src)
}

// BuildQuery renders the Gmail search query for a listing: the date window
// plus spam/trash exclusion, with any extra terms appended.
func BuildQuery(opts ListOptions) string {
	q := ""
	if !opts.After.IsZero() {
		q += fmt.Sprintf("after:%d/%d/%d ", opts.After.Year(), int(opts.After.Month()), opts.After.Day())
	}
	if !opts.Before.IsZero() {
		q += fmt.Sprintf("before:%d/%d/%d ", opts.Before.Year(), int(opts.Before.Month()), opts.Before.Day())
	}
	if opts.Query != "" {
		q += opts.Query + " "
	}
	return q + "-in:spam -in:trash"
}

// BuildReceiptQuery returns an OR-query of receipt keywords for probing a
// mailbox without AI triage.
func BuildReceiptQuery() string {
	return `subject:(receipt OR "order confirmation" OR "payment confirmation" OR invoice OR "your order")`
}
