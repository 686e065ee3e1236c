package indexer

import (
	"errors"
	"net/http"
	"time"
)

// Option is a functional option for configuring a [Client].
type Option func(*Options)

// Options holds the resolved configuration for a [Client].
type Options struct {
	httpClient      *http.Client
	requestTimeout  time.Duration
	maxErrorBodyLen int64
	userAgent       string
}

func newOptions() *Options {
	return &Options{
		requestTimeout:  60 * time.Second,
		maxErrorBodyLen: 4096,
		userAgent:       "indexer-queue-worker",
	}
}

func (o *Options) validate() error {
	if o.requestTimeout < time.Second || o.requestTimeout > 10*time.Minute {
		return errors.New("request timeout must be between 1 second and 10 minutes")
	}

	if o.maxErrorBodyLen < 0 {
		return errors.New("max error body length must be non-negative")
	}

	return nil
}

// WithHTTPClient replaces the default HTTP client. The request timeout
// option is ignored when a client is supplied.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Options) {
		o.httpClient = c
	}
}

// WithRequestTimeout sets the transport-level timeout of the default HTTP
// client. The pipeline enforces its own, usually shorter, processing
// deadline on top of this. Must be between 1 second and 10 minutes.
// Default: 60 seconds.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.requestTimeout = d
	}
}

// WithMaxErrorBodyLength sets how many bytes of a non-2xx response body are
// kept in the returned [StatusError]. Default: 4096.
func WithMaxErrorBodyLength(n int64) Option {
	return func(o *Options) {
		o.maxErrorBodyLen = n
	}
}

// WithUserAgent sets the User-Agent header. Default: "indexer-queue-worker".
func WithUserAgent(ua string) Option {
	return func(o *Options) {
		o.userAgent = ua
	}
}
