package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitops/ingestd/internal/httpclient"
	"github.com/transitops/ingestd/model"
)

// testSaferClient disables SSRF protection so tests can target httptest's
// localhost servers.
func testSaferClient() *httpclient.SaferClient {
	return httpclient.WrapClient(&http.Client{})
}

// fakeMeter always allows requests unless denied is set.
type fakeMeter struct {
	denied bool
}

func (f *fakeMeter) Precheck(ctx context.Context) (bool, error) {
	return !f.denied, nil
}

// fakeLogger records every ApiCallLog written, for assertions.
type fakeLogger struct {
	mu      sync.Mutex
	entries []model.ApiCallLog
}

func (f *fakeLogger) LogApiCall(ctx context.Context, entry model.ApiCallLog) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return int64(len(f.entries)), nil
}

func (f *fakeLogger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func TestClient_Request_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<body><route tag="N" title="N-Judah"/></body>`))
	}))
	defer srv.Close()

	log := &fakeLogger{}
	c, err := New(Config{APIURL: srv.URL}, &fakeMeter{}, log, testSaferClient())
	require.NoError(t, err)

	elements, entry, err := c.Request(context.Background(), Params{"command": {"routeList"}}, "route", model.SourceRouteRefresh)
	require.NoError(t, err)
	require.Len(t, elements, 1)
	assert.Equal(t, 200, entry.Status)
	assert.Equal(t, 1, log.count())
}

func TestClient_Request_FatalUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<body><Error shouldRetry="false">bad agency</Error></body>`))
	}))
	defer srv.Close()

	log := &fakeLogger{}
	c, err := New(Config{APIURL: srv.URL}, &fakeMeter{}, log, testSaferClient())
	require.NoError(t, err)

	_, entry, err := c.Request(context.Background(), Params{"command": {"routeList"}}, "route", model.SourceRouteRefresh)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamFatal)
	require.NotNil(t, entry.Error)
	assert.Equal(t, 1, log.count())
}

func TestClient_Request_TransientErrorReturnsNilElements(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<body><Error shouldRetry="true">try again</Error></body>`))
	}))
	defer srv.Close()

	log := &fakeLogger{}
	c, err := New(Config{APIURL: srv.URL}, &fakeMeter{}, log, testSaferClient())
	require.NoError(t, err)

	elements, _, err := c.Request(context.Background(), Params{"command": {"routeList"}}, "route", model.SourceRouteRefresh)
	require.NoError(t, err)
	assert.Nil(t, elements)
}

func TestClient_Request_QuotaExhausted(t *testing.T) {
	log := &fakeLogger{}
	c, err := New(Config{APIURL: "http://unused.test"}, &fakeMeter{denied: true}, log, testSaferClient())
	require.NoError(t, err)

	_, _, err = c.Request(context.Background(), Params{"command": {"routeList"}}, "route", model.SourceRouteRefresh)
	require.Error(t, err)
	assert.Equal(t, 0, log.count())
}

func TestClient_AsyncRequest_PreservesOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tag := r.URL.Query().Get("r")
		w.Write([]byte(`<body><route tag="` + tag + `"/></body>`))
	}))
	defer srv.Close()

	log := &fakeLogger{}
	c, err := New(Config{APIURL: srv.URL, MaxConcurrentRequests: 4}, &fakeMeter{}, log, testSaferClient())
	require.NoError(t, err)

	items := []BatchItem{
		{Params: Params{"r": {"N"}}, TagName: "route", Source: model.SourceRouteRefresh},
		{Params: Params{"r": {"J"}}, TagName: "route", Source: model.SourceRouteRefresh},
		{Params: Params{"r": {"K"}}, TagName: "route", Source: model.SourceRouteRefresh},
	}
	results := c.AsyncRequest(context.Background(), items)

	require.Len(t, results, 3)
	for i, want := range []string{"N", "J", "K"} {
		require.NoError(t, results[i].Err)
		require.Len(t, results[i].Elements, 1)
		tag, _ := results[i].Elements[0].Attr("tag")
		assert.Equal(t, want, tag)
	}
}
