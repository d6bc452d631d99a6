package collyfetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const detailPage = `<!DOCTYPE html>
<html><body>
<div class="card-body">
  <h1>Community Grant</h1>
  <p>Funding for neighbourhood projects.</p>
  <a href="/apply">Apply now</a>
  <a href="https://example.org/terms">Terms</a>
</div>
</body></html>`

func TestFetchDetailExtractsCardBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(detailPage))
	}))
	defer srv.Close()

	f := New(Config{DetailSelector: "div.card-body"})
	detail, err := f.FetchDetail(context.Background(), srv.URL+"/grants/1")
	require.NoError(t, err)

	assert.Equal(t, srv.URL+"/grants/1", detail.URL)
	assert.Contains(t, detail.CardBodyHTML, "<h1>Community Grant</h1>")
	assert.Contains(t, detail.CardBodyText, "Funding for neighbourhood projects.")
	require.Len(t, detail.Links, 2)
	assert.Equal(t, srv.URL+"/apply", detail.Links[0])
	assert.Equal(t, "https://example.org/terms", detail.Links[1])
}

// TestFetchDetailSameURLTwice covers re-analysis of a grant that was already
// fetched: the collector must not remember the URL as visited.
func TestFetchDetailSameURLTwice(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(detailPage))
	}))
	defer srv.Close()

	f := New(Config{})
	for i := 0; i < 2; i++ {
		detail, err := f.FetchDetail(context.Background(), srv.URL+"/grants/7")
		require.NoError(t, err)
		assert.Contains(t, detail.CardBodyText, "Community Grant")
	}
}

func TestFetchDetailMissingSelector(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html><body><p>nothing here</p></body></html>"))
	}))
	defer srv.Close()

	f := New(Config{})
	_, err := f.FetchDetail(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no \"div.card-body\" element")
}

func TestFetchDetailServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New(Config{})
	_, err := f.FetchDetail(context.Background(), srv.URL)
	assert.Error(t, err)
}

func TestFetchDetailHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = w.Write([]byte(detailPage))
	}))
	defer srv.Close()
	defer close(release)

	f := New(Config{Timeout: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.FetchDetail(ctx, srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimiterThrottlesPerDomain(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(detailPage))
	}))
	defer srv.Close()

	f := New(Config{QPS: 20, Burst: 1})
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := f.FetchDetail(context.Background(), srv.URL)
		require.NoError(t, err)
	}
	// Burst of 1 at 20 QPS means the 2nd and 3rd fetch each wait ~50ms.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}
