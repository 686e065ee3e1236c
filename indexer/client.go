// Package indexer is the HTTP client of the indexing service. It implements
// [pipeline.Indexer].
package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strings"

	"github.com/indexerqueue/worker/pipeline"
	"github.com/slackmgr/types"
)

const bearerPrefix = "Bearer "

// Envelope is the JSON body of an index request.
type Envelope struct {
	MessageID  string            `json:"messageId"`
	Data       string            `json:"data"`
	Attributes map[string]string `json:"attributes"`
}

// Client posts change notifications to the indexing service.
//
// Create a Client with [New]. A Client is safe for concurrent use.
type Client struct {
	indexURL   string
	reindexURL string
	httpClient *http.Client
	opts       *Options
	logger     types.Logger
}

// New creates a Client that sends index requests to indexURL and reindex
// requests to reindexURL.
func New(indexURL, reindexURL string, logger types.Logger, opts ...Option) (*Client, error) {
	if indexURL == "" {
		return nil, errors.New("index URL cannot be empty")
	}

	if reindexURL == "" {
		return nil, errors.New("reindex URL cannot be empty")
	}

	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	options := newOptions()

	for _, o := range opts {
		o(options)
	}

	if err := options.validate(); err != nil {
		return nil, fmt.Errorf("invalid indexer options: %w", err)
	}

	reindex, err := url.Parse(reindexURL)
	if err != nil {
		return nil, fmt.Errorf("invalid reindex URL: %w", err)
	}

	q := reindex.Query()
	q.Set("force_clean", "false")
	reindex.RawQuery = q.Encode()

	httpClient := options.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: options.requestTimeout}
	}

	return &Client{
		indexURL:   indexURL,
		reindexURL: reindex.String(),
		httpClient: httpClient,
		opts:       options,
		logger:     logger.WithField("component", "indexer"),
	}, nil
}

// Index wraps the message in an [Envelope] and posts it to the index URL.
// The authorization attribute is sent as a header only.
func (c *Client) Index(ctx context.Context, msg *pipeline.Message) error {
	attrs := maps.Clone(msg.Attributes)
	if attrs == nil {
		attrs = map[string]string{}
	}

	delete(attrs, pipeline.AttrAuthorization)

	body, err := json.Marshal(&Envelope{
		MessageID:  msg.ID,
		Data:       msg.Body,
		Attributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal index envelope: %w", err)
	}

	req, err := c.newRequest(ctx, c.indexURL, body, msg)
	if err != nil {
		return err
	}

	return c.do(req, msg)
}

// Reindex posts the raw message body to the reindex URL. The cursor, kind
// and user attributes travel as headers.
func (c *Client) Reindex(ctx context.Context, msg *pipeline.Message) error {
	req, err := c.newRequest(ctx, c.reindexURL, []byte(msg.Body), msg)
	if err != nil {
		return err
	}

	setIfPresent(req.Header, "reindex-cursor", msg.Attr(pipeline.AttrReindexCursor))
	setIfPresent(req.Header, "kind", msg.Attr(pipeline.AttrKind))

	return c.do(req, msg)
}

func (c *Client) newRequest(ctx context.Context, target string, body []byte, msg *pipeline.Message) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", BearerToken(msg.Attr(pipeline.AttrAuthorization)))
	req.Header.Set("User-Agent", c.opts.userAgent)

	setIfPresent(req.Header, "data-partition-id", msg.DataPartitionID())
	setIfPresent(req.Header, "correlation-id", msg.Attr(pipeline.AttrCorrelationID))

	if user := msg.Attr(pipeline.AttrUser); user != "" {
		req.Header.Set("user", user)
		req.Header.Set("x-user-id", user)
	}

	return req, nil
}

func (c *Client) do(req *http.Request, msg *pipeline.Message) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post to %s: %w", req.URL.Redacted(), err)
	}

	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)

		c.logger.WithField("message_id", msg.ID).WithField("status", resp.StatusCode).Debugf("Message posted to %s", req.URL.Path)

		return nil
	}

	errBody, _ := io.ReadAll(io.LimitReader(resp.Body, c.opts.maxErrorBodyLen))
	_, _ = io.Copy(io.Discard, resp.Body)

	return &StatusError{
		StatusCode: resp.StatusCode,
		URL:        req.URL.Redacted(),
		Body:       strings.TrimSpace(string(errBody)),
	}
}

// BearerToken returns the Authorization header value for token. A token
// that already carries the Bearer scheme is not prefixed again.
func BearerToken(token string) string {
	token = strings.TrimSpace(token)

	if len(token) >= len(bearerPrefix) && strings.EqualFold(token[:len(bearerPrefix)], bearerPrefix) {
		token = strings.TrimSpace(token[len(bearerPrefix):])
	}

	return bearerPrefix + token
}

func setIfPresent(h http.Header, key, value string) {
	if value != "" {
		h.Set(key, value)
	}
}
