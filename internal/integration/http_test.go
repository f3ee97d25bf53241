package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porticohq/portico/pkg/types"
)

func newHTTPTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient([]types.IntegrationConfig{{ID: "crm", URL: srv.URL}})
}

func TestHTTPClientFetchSuccess(t *testing.T) {
	var gotQuery string
	c := newHTTPTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"accounts":[{"id":"a1"}]}`))
	})

	res, err := c.Fetch(context.Background(), "crm", map[string]string{"since": "2026-01-01"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"accounts":[{"id":"a1"}]}`, string(res.Data))
	assert.NotEmpty(t, res.SchemaHash)
	assert.Equal(t, "since=2026-01-01", gotQuery)
}

func TestHTTPClientClassifiesStatusCodes(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		category types.FailureCategory
	}{
		{"server error is transient", http.StatusBadGateway, types.FailureTransient},
		{"auth failure is permanent", http.StatusUnauthorized, types.FailurePermanent},
		{"throttle is rate limited", http.StatusTooManyRequests, types.FailureRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newHTTPTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			_, err := c.Fetch(context.Background(), "crm", nil)
			require.Error(t, err)
			assert.Equal(t, tt.category, AsError(err).Category)
		})
	}
}

func TestHTTPClientHonorsRetryAfter(t *testing.T) {
	c := newHTTPTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Fetch(context.Background(), "crm", nil)
	require.Error(t, err)
	assert.Equal(t, 2*time.Minute, AsError(err).RetryAfter)
}

func TestHTTPClientUnknownIntegration(t *testing.T) {
	c := NewHTTPClient(nil)
	_, err := c.Fetch(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.Equal(t, types.FailurePermanent, AsError(err).Category)
}

func TestRetryAfterParsing(t *testing.T) {
	assert.Equal(t, time.Minute, retryAfter(""))
	assert.Equal(t, 45*time.Second, retryAfter("45"))
	assert.Equal(t, time.Minute, retryAfter("garbage"))
}
