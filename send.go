package restsync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/restsync/restsync/internal/logging"
	"github.com/restsync/restsync/internal/models"
	"github.com/restsync/restsync/internal/scheduler"
)

// Send issues the request directly while the network is reachable, and
// otherwise persists it and returns a deferred-acceptance response: a
// synthesized 202 whose JSON body carries the queue identity. A direct
// attempt that fails in transit or answers with a 5xx is also queued
// for replay, and the 202 is returned in place of the failure.
//
// The returned response's body must be closed by the caller. Send
// returns an error only when the request can be neither sent nor
// persisted; replay outcomes surface as events, not as errors, because
// the original call has already resolved with the 202.
func (c *Client) Send(ctx context.Context, method, url string, opts *SendOptions) (*http.Response, error) {
	if opts == nil {
		opts = &SendOptions{}
	}

	normMethod, err := models.NormalizeMethod(method)
	if err != nil {
		return nil, err
	}
	headers, err := models.NormalizeHeaders(opts.Headers)
	if err != nil {
		return nil, err
	}
	body, err := models.NormalizeBody(opts.Body)
	if err != nil {
		return nil, err
	}

	if c.monitor.IsReachable() {
		resp, err := c.sendDirect(ctx, normMethod, url, headers, body)
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}
		// Transport failure or server error: queue for replay and
		// answer with the deferred acceptance instead.
		if err != nil {
			logging.Warn("direct send failed, queueing for replay", map[string]any{
				"method": normMethod, "url": url, "error": err.Error(),
			})
		} else {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			logging.Warn("server error, queueing for replay", map[string]any{
				"method": normMethod, "url": url, "status": resp.StatusCode,
			})
		}
		return c.enqueue(ctx, normMethod, url, headers, body, opts, false)
	}

	return c.enqueue(ctx, normMethod, url, headers, body, opts, true)
}

// sendDirect performs the platform call with the queue-only options
// already stripped.
func (c *Client) sendDirect(ctx context.Context, method, url string, headers map[string]string, body models.Body) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body.Reader())
	if err != nil {
		return nil, err
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	if ct, ok := body.ContentType(); ok && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", ct)
	}
	return c.httpClient.Do(req)
}

// enqueue persists the request and synthesizes the 202. offline marks
// whether the queue entry exists because connectivity was absent (as
// opposed to the server-error fallback); only then is background
// replay registered, since the fallback path already has a reachable
// network and the scheduler's periodic drain will pick it up.
func (c *Client) enqueue(ctx context.Context, method, url string, headers map[string]string, body models.Body, opts *SendOptions, offline bool) (*http.Response, error) {
	item := &models.QueuedRequest{
		ID:       opts.ID,
		URL:      url,
		Method:   method,
		Headers:  headers,
		Body:     body,
		Priority: opts.Priority,
	}

	id, err := c.queue.Enqueue(ctx, item)
	if err != nil {
		// No persistence means no replay promise; the caller must
		// see the failure.
		return nil, err
	}

	if offline {
		c.sched.Register(scheduler.DefaultTag)
	}

	return queuedResponse(id), nil
}

type queuedEnvelope struct {
	Status  string `json:"status"`
	Offline bool   `json:"offline"`
	ID      string `json:"id"`
}

// queuedResponse synthesizes the deferred-acceptance response.
func queuedResponse(id string) *http.Response {
	payload, _ := json.Marshal(queuedEnvelope{Status: "queued", Offline: true, ID: id})

	header := http.Header{}
	header.Set("Content-Type", "application/json")

	return &http.Response{
		Status:        "202 Accepted",
		StatusCode:    http.StatusAccepted,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(payload)),
		ContentLength: int64(len(payload)),
	}
}
