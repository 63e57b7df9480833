package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildQuery(t *testing.T) {
	after := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	before := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)

	q := BuildQuery(ListOptions{After: after, Before: before})
	assert.Equal(t, "after:2026/7/1 before:2026/8/15 -in:spam -in:trash", q)

	assert.Equal(t, "-in:spam -in:trash", BuildQuery(ListOptions{}))

	withExtra := BuildQuery(ListOptions{After: after, Query: "from:shopee"})
	assert.Equal(t, "after:2026/7/1 from:shopee -in:spam -in:trash", withExtra)
}

func encodePart(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func TestListHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer access-token", r.Header.Get("Authorization"))

		switch {
		case r.URL.Path == "/users/me/messages":
			assert.Contains(t, r.URL.Query().Get("q"), "-in:spam -in:trash")
			json.NewEncoder(w).Encode(map[string]any{
				"messages": []map[string]string{{"id": "m1"}, {"id": "m2"}},
			})
		case strings.HasPrefix(r.URL.Path, "/users/me/messages/m1"):
			json.NewEncoder(w).Encode(map[string]any{
				"id":      "m1",
				"snippet": "Your receipt...",
				"payload": map[string]any{
					"headers": []map[string]string{
						{"name": "Subject", "value": "Your GrabFood receipt"},
						{"name": "From", "value": "no-reply@grab.com"},
						{"name": "Date", "value": "Wed, 12 Aug 2026 09:00:00 +0000"},
					},
				},
			})
		case strings.HasPrefix(r.URL.Path, "/users/me/messages/m2"):
			// Metadata fetch failure: the message is skipped, not fatal.
			http.Error(w, "boom", http.StatusNotFound)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewClient("cid", "secret", WithBaseURL(srv.URL), WithRateLimit(1000))
	headers, err := c.ListHeaders(context.Background(), Credentials{AccessToken: "access-token"}, ListOptions{MaxResults: 10})
	require.NoError(t, err)
	require.Len(t, headers, 1)
	assert.Equal(t, "m1", headers[0].ID)
	assert.Equal(t, "Your GrabFood receipt", headers[0].Subject)
	assert.Equal(t, "no-reply@grab.com", headers[0].From)
	assert.Equal(t, "Your receipt...", headers[0].Snippet)
}

func TestListHeadersHonorsCap(t *testing.T) {
	listCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/users/me/messages" {
			listCalls++
			assert.Equal(t, "2", r.URL.Query().Get("maxResults"))
			json.NewEncoder(w).Encode(map[string]any{
				"messages": []map[string]string{{"id": "a"}, {"id": "b"}},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": strings.TrimPrefix(r.URL.Path, "/users/me/messages/")})
	}))
	defer srv.Close()

	c := NewClient("cid", "secret", WithBaseURL(srv.URL), WithRateLimit(1000), WithPageSize(2))
	headers, err := c.ListHeaders(context.Background(), Credentials{AccessToken: "tok"}, ListOptions{MaxResults: 2})
	require.NoError(t, err)
	assert.Len(t, headers, 2)
	assert.Equal(t, 1, listCalls)
}

func TestGetMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/me/messages/m1", r.URL.Path)
		assert.Equal(t, "full", r.URL.Query().Get("format"))
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "m1",
			"snippet": "snippet",
			"payload": map[string]any{
				"mimeType": "multipart/alternative",
				"headers": []map[string]string{
					{"name": "Subject", "value": "Receipt"},
					{"name": "From", "value": "shop@example.com"},
				},
				"parts": []map[string]any{
					{
						"mimeType": "text/plain",
						"body":     map[string]any{"data": encodePart(strings.Repeat("order details ", 50))},
					},
				},
			},
		})
	}))
	defer srv.Close()

	c := NewClient("cid", "secret", WithBaseURL(srv.URL), WithRateLimit(1000))
	msg, err := c.GetMessage(context.Background(), Credentials{AccessToken: "tok"}, "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "Receipt", msg.Subject)
	assert.Contains(t, msg.Body, "order details")
}
