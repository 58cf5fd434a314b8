// Package report talks to the upstream report API: it submits a generation
// job and polls the two asynchronous stages until the report is available.
//
// Both poll cycles share one retry.Policy. Only "still pending" answers are
// retried; transport failures, non-2xx answers and unparsable bodies end the
// cycle at once.
package report

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

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"reportetl/internal/etlerr"
	"reportetl/internal/logging"
	"reportetl/internal/metrics"
	"reportetl/internal/retry"
)

// Upstream status values.
const (
	StatusSuccess  = "SUCCESS"
	StatusNotFound = "NOT_FOUND"
)

// Endpoint paths relative to the API base URL.
const (
	pathGenerate  = "generate_report"
	pathReport    = "get_report"
	pathIncrement = "get_increment"
)

// maxBody bounds how much of a response is read.
const maxBody = 8 << 20

// Request is a submitted generation job.
type Request struct {
	TaskID string
}

// Handle is the resolved report. Paths maps extract keys to CSV URIs.
// From AwaitCompletion they are the full-report keys ("<table>"); from
// FetchReportMetadata the increment keys ("<table>_inc").
type Handle struct {
	Status      string
	ReportID    string
	IncrementID string
	Paths       map[string]string
}

// Doer is the subset of *http.Client the client uses.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a Client.
type Options struct {
	// Endpoint is the API base URL.
	Endpoint string
	// Headers are sent unchanged with every request (API key, caller identity).
	Headers http.Header
	// Policy paces both poll cycles. Retryable is overridden to retry pending answers only.
	Policy retry.Policy
	// HTTP defaults to an *http.Client with a 60s timeout.
	HTTP   Doer
	Logger *zap.Logger
}

// Client is safe for concurrent use.
type Client struct {
	base    *url.URL
	headers http.Header
	policy  retry.Policy
	http    Doer
	log     *zap.Logger
}

// New validates opts and builds a Client.
func New(opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(opts.Endpoint, "/") + "/")
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("report: invalid endpoint %q", opts.Endpoint)
	}

	hc := opts.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	p := opts.Policy
	p.Retryable = func(err error) bool { return errors.Is(err, retry.ErrPending) }

	return &Client{
		base:    u,
		headers: opts.Headers.Clone(),
		policy:  p,
		http:    hc,
		log:     log.Named("report"),
	}, nil
}

type generateResponse struct {
	TaskID string `json:"task_id"`
}

type statusResponse struct {
	Status string `json:"status"`
	Data   struct {
		ReportID    string            `json:"report_id"`
		IncrementID string            `json:"increment_id"`
		Paths       map[string]string `json:"s3_path"`
	} `json:"data"`
}

// Submit asks the API to generate a report.
func (c *Client) Submit(ctx context.Context) (Request, error) {
	const op = "report.submit"

	var resp generateResponse
	if err := c.call(ctx, http.MethodPost, pathGenerate, nil, &resp); err != nil {
		return Request{}, etlerr.Upstream(op, err)
	}
	if strings.TrimSpace(resp.TaskID) == "" {
		return Request{}, etlerr.Newf(etlerr.KindUpstream, op, "response has no task_id")
	}

	c.log.Info("report requested", zap.String(logging.FieldTaskID, resp.TaskID))
	return Request{TaskID: resp.TaskID}, nil
}

// AwaitCompletion polls the task until the report exists.
// Any status other than SUCCESS, including NOT_FOUND, counts as still pending here.
func (c *Client) AwaitCompletion(ctx context.Context, req Request) (Handle, error) {
	const op = "report.await_completion"

	q := url.Values{"task_id": {req.TaskID}}
	h, err := c.poll(ctx, pathReport, q, false, zap.String(logging.FieldTaskID, req.TaskID))
	if err != nil {
		return Handle{}, etlerr.Upstream(op, err)
	}
	if h.ReportID == "" {
		return Handle{}, etlerr.Newf(etlerr.KindUpstream, op, "task %s succeeded without report_id", req.TaskID)
	}

	c.log.Info("report ready", zap.String(logging.FieldTaskID, req.TaskID), zap.String(logging.FieldReportID, h.ReportID))
	return h, nil
}

// FetchReportMetadata polls the increment of h for midnight of asOf.
// NOT_FOUND ends the cycle immediately.
func (c *Client) FetchReportMetadata(ctx context.Context, h Handle, asOf time.Time) (Handle, error) {
	const op = "report.fetch_metadata"

	q := url.Values{
		"report_id": {h.ReportID},
		"date":      {asOf.Format("2006-01-02") + "T00:00:00"},
	}
	inc, err := c.poll(ctx, pathIncrement, q, true, zap.String(logging.FieldReportID, h.ReportID))
	if err != nil {
		return Handle{}, etlerr.Upstream(op, err)
	}
	inc.ReportID = h.ReportID

	c.log.Info("increment ready",
		zap.String(logging.FieldReportID, h.ReportID),
		zap.String("increment_id", inc.IncrementID),
		zap.Int("extracts", len(inc.Paths)))
	return inc, nil
}

// errNotFound stops the second poll cycle.
var errNotFound = errors.New("report not found")

func (c *Client) poll(ctx context.Context, path string, q url.Values, notFoundFatal bool, ident zap.Field) (Handle, error) {
	var last Handle

	p := c.policy
	p.OnRetry = func(attempt int, err error, wait time.Duration) {
		c.log.Info("report not ready",
			ident,
			zap.String(logging.FieldStep, path),
			zap.Int(logging.FieldAttempt, attempt),
			zap.String(logging.FieldStatus, last.Status),
			zap.Duration("retry_in", wait))
	}

	err := p.Do(ctx, func(ctx context.Context, attempt int) error {
		var resp statusResponse
		if err := c.call(ctx, http.MethodGet, path, q, &resp); err != nil {
			metrics.RecordPoll(path, "error")
			c.log.Warn("poll attempt failed", ident, zap.String(logging.FieldStep, path), zap.Int(logging.FieldAttempt, attempt), zap.Error(err))
			return err
		}

		status := normalizeStatus(resp.Status)
		metrics.RecordPoll(path, status)
		last = Handle{
			Status:      status,
			ReportID:    resp.Data.ReportID,
			IncrementID: resp.Data.IncrementID,
			Paths:       resp.Data.Paths,
		}

		switch {
		case status == StatusSuccess:
			return nil
		case status == StatusNotFound && notFoundFatal:
			return errors.Wrapf(errNotFound, "%s answered %s on attempt %d", path, StatusNotFound, attempt)
		default:
			return retry.Pending(status)
		}
	})
	if err != nil {
		return Handle{}, err
	}
	return last, nil
}

// normalizeStatus upper-cases and maps "NOT FOUND" to NOT_FOUND.
func normalizeStatus(s string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), " ", "_")
}

// call performs one request and decodes a 2xx JSON body into out.
func (c *Client) call(ctx context.Context, method, path string, q url.Values, out any) error {
	u := c.base.JoinPath(path)
	if q != nil {
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordHTTP(path, 0, time.Since(start))
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	metrics.RecordHTTP(path, resp.StatusCode, time.Since(start))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return errors.Wrapf(err, "%s %s: read body", method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Newf("%s %s: http %d: %s", method, path, resp.StatusCode, summarizeBody(resp.Header.Get("Content-Type"), body))
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(out); err != nil {
		return errors.Wrapf(err, "%s %s: decode response (%s)", method, path, summarizeBody(resp.Header.Get("Content-Type"), body))
	}
	return nil
}
