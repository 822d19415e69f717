// Package upstream implements UpstreamClient (spec §4.3): single and
// batched/concurrent GET requests against the upstream transit feed, with
// quota accounting, XML parsing, and permanent-vs-transient error mapping.
package upstream

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/transitops/ingestd/errors"
	"github.com/transitops/ingestd/internal/httpclient"
	"github.com/transitops/ingestd/model"
	"github.com/transitops/ingestd/quota"
)

// ErrUpstreamFatal is raised for an API error whose shouldRetry attribute is
// false (spec §7).
var ErrUpstreamFatal = errors.New("upstream fatal error")

// Params are the query parameters sent with a single request. A key may
// carry more than one value, emitted as repeated query params (e.g.
// predictionsForMultiStops's repeated "stops" key, spec §6) rather than a
// single joined/escaped value.
type Params map[string][]string

// ApiCallLogger persists one ApiCallLog row per upstream call. Implemented
// by store.Store; declared narrowly here so this package doesn't import the
// store package.
type ApiCallLogger interface {
	LogApiCall(ctx context.Context, entry model.ApiCallLog) (int64, error)
}

// Meter is the QuotaMeter contract this client consults before every call.
type Meter interface {
	Precheck(ctx context.Context) (bool, error)
}

// Client issues requests against the upstream feed.
type Client struct {
	httpClient *httpclient.SaferClient
	apiURL     string
	meter      Meter
	log        ApiCallLogger
	limiter    *rate.Limiter
	maxFanOut  int
}

// Config configures a new Client.
type Config struct {
	APIURL string
	// MaxConcurrentRequests bounds the fan-out of AsyncRequest (default 50,
	// per spec §6's feed limits).
	MaxConcurrentRequests int
	// RequestsPerSecond bounds this client's own local request rate as
	// defense-in-depth alongside the SQL-backed Meter, which bounds bytes,
	// not requests. Zero disables the limiter.
	RequestsPerSecond float64
}

// New constructs a Client. meter and log are required; safer may be nil to
// use httpclient.NewSaferClient with a 30-second timeout.
func New(cfg Config, meter Meter, log ApiCallLogger, safer *httpclient.SaferClient) (*Client, error) {
	if cfg.APIURL == "" {
		return nil, errors.New("upstream: APIURL is required")
	}
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = 50
	}
	if safer == nil {
		safer = httpclient.NewSaferClient(30 * time.Second)
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.MaxConcurrentRequests)
	}

	return &Client{
		httpClient: safer,
		apiURL:     cfg.APIURL,
		meter:      meter,
		log:        log,
		limiter:    limiter,
		maxFanOut:  cfg.MaxConcurrentRequests,
	}, nil
}

// Request issues one GET request for params, looking for elements named
// tagName in the response. It returns (nil, log) on connection error,
// non-200 status, or a retryable API error (spec's UpstreamTransient); it
// returns an error wrapping ErrUpstreamFatal for a non-retryable API error;
// it returns an error wrapping quota.ErrQuotaExhausted if the meter refuses.
func (c *Client) Request(ctx context.Context, params Params, tagName string, source model.ApiCallSource) ([]Element, model.ApiCallLog, error) {
	ok, err := c.meter.Precheck(ctx)
	if err != nil {
		return nil, model.ApiCallLog{}, errors.Wrap(err, "quota precheck")
	}
	if !ok {
		return nil, model.ApiCallLog{}, errors.WithHint(quota.ErrQuotaExhausted, "wait for the quota window to drain before retrying")
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, model.ApiCallLog{}, errors.Wrap(err, "rate limiter wait")
		}
	}

	reqURL := c.buildURL(params)
	entry := model.ApiCallLog{URL: reqURL, Params: encodeParams(params), Source: source}

	var elements []Element
	body, status, size, requestErr := c.doGet(ctx, reqURL)
	entry.Status = status
	if size >= 0 {
		sz := int64(size)
		entry.Size = &sz
	}

	var fatalErr error
	switch {
	case requestErr != nil:
		msg := requestErr.Error()
		entry.Error = &msg
		elements = nil
	case status != http.StatusOK:
		msg := fmt.Sprintf("unexpected status %d", status)
		entry.Error = &msg
		elements = nil
	default:
		present, shouldRetry, message := topLevelError(body)
		if present {
			entry.Error = &message
			if shouldRetry {
				elements = nil
			} else {
				fatalErr = errors.Wrapf(ErrUpstreamFatal, "upstream error: %s", message)
			}
		} else {
			elements = body.FindAll(tagName)
		}
	}

	id, logErr := c.log.LogApiCall(ctx, entry)
	if logErr != nil {
		return nil, entry, errors.Wrap(logErr, "record api call log")
	}
	entry.ID = id

	if fatalErr != nil {
		return nil, entry, fatalErr
	}
	return elements, entry, nil
}

// BatchItem is one (params, tagName) pair dispatched by AsyncRequest.
type BatchItem struct {
	Params  Params
	TagName string
	Source  model.ApiCallSource
}

// BatchResult is the per-item outcome of AsyncRequest, in input order.
type BatchResult struct {
	Elements []Element
	Log      model.ApiCallLog
	Err      error
}

// AsyncRequest issues a batch of requests concurrently, bounded by the
// client's configured fan-out cap. Results are returned in the same order
// as items. The native concurrency primitive here is a buffered channel
// used as a counting semaphore plus a WaitGroup (spec §9: "implemented on
// the platform's native concurrency primitive").
func (c *Client) AsyncRequest(ctx context.Context, items []BatchItem) []BatchResult {
	results := make([]BatchResult, len(items))
	sem := make(chan struct{}, c.maxFanOut)
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		go func(i int, item BatchItem) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			elements, entry, err := c.Request(ctx, item.Params, item.TagName, item.Source)
			results[i] = BatchResult{Elements: elements, Log: entry, Err: err}
		}(i, item)
	}
	wg.Wait()

	return results
}

func (c *Client) buildURL(params Params) string {
	return c.apiURL + "?" + url.Values(params).Encode()
}

func (c *Client) doGet(ctx context.Context, reqURL string) (body Element, status int, size int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Element{}, 0, -1, errors.Wrap(err, "build request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network failure: no bytes were drawn, recorded as size 0.
		return Element{}, 0, 0, errors.Wrap(err, "http request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Element{}, resp.StatusCode, -1, errors.Wrap(err, "read response body")
	}

	var decoded Element
	if decodeErr := xml.Unmarshal(data, &decoded); decodeErr != nil {
		return Element{}, resp.StatusCode, len(data), errors.Wrap(decodeErr, "parse xml response")
	}

	return decoded, resp.StatusCode, len(data), nil
}

func encodeParams(params Params) string {
	data, err := json.Marshal(params)
	if err != nil {
		// Params is a map[string][]string; marshaling cannot fail.
		return "{}"
	}
	return string(data)
}
