package statusapi

import (
	"errors"
	"time"
)

// Option is a functional option for configuring a [Server].
type Option func(*Options)

// Options holds the configuration for a [Server].
type Options struct {
	addr            string
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
}

func newOptions() *Options {
	return &Options{
		addr:            ":8080",
		readTimeout:     10 * time.Second,
		writeTimeout:    10 * time.Second,
		shutdownTimeout: 5 * time.Second,
	}
}

func (o *Options) validate() error {
	if o.addr == "" {
		return errors.New("listen address cannot be empty")
	}

	if o.readTimeout <= 0 {
		return errors.New("read timeout must be greater than zero")
	}

	if o.writeTimeout <= 0 {
		return errors.New("write timeout must be greater than zero")
	}

	if o.shutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be greater than zero")
	}

	return nil
}

// WithAddr sets the listen address. The default is ":8080".
func WithAddr(addr string) Option {
	return func(o *Options) {
		o.addr = addr
	}
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.readTimeout = d
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.writeTimeout = d
	}
}

// WithShutdownTimeout bounds the graceful shutdown once the run context is
// cancelled. The default is 5 seconds.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.shutdownTimeout = d
	}
}
