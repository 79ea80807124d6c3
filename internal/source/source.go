// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package source implements the upstream readers: one worker per
// side, polling its HTTP endpoint and publishing the identities it
// extracts until the upstream signals end of stream.
package source

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4/catacomb"

	"github.com/canonical/streampair/core/correlation"
)

var logger = loggo.GetLogger("streampair.source")

// Config holds the dependencies and parameters of a Reader.
type Config struct {
	// Side selects the upstream endpoint and payload format.
	Side correlation.Side
	// BaseURL is the scheme://host:port prefix of the upstream.
	BaseURL string
	// HTTPClient performs the polling requests. It must be safe for
	// concurrent use.
	HTTPClient *http.Client
	// Clock provides the poll and error-retry delays.
	Clock clock.Clock
	// PollInterval is the delay between successful polls.
	PollInterval time.Duration
	// ErrorDelay is the delay before re-polling after a transport
	// error.
	ErrorDelay time.Duration
}

// Validate returns an error if the config is not usable.
func (config Config) Validate() error {
	if err := config.Side.Validate(); err != nil {
		return errors.Trace(err)
	}
	if config.BaseURL == "" {
		return errors.NotValidf("empty BaseURL")
	}
	if config.HTTPClient == nil {
		return errors.NotValidf("nil HTTPClient")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.ErrorDelay <= 0 {
		return errors.NotValidf("non-positive ErrorDelay")
	}
	return nil
}

// Reader polls one upstream source and publishes extracted
// identities. Malformed payloads are dropped, transport errors are
// absorbed with a delay, and the end sentinel closes the output
// channel and completes the worker.
type Reader struct {
	catacomb catacomb.Catacomb
	config   Config
	extract  extractor
	out      chan string
}

// NewReader starts a reader for the configured side.
func NewReader(config Config) (*Reader, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	r := &Reader{
		config:  config,
		extract: extractorFor(config.Side),
		out:     make(chan string),
	}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &r.catacomb,
		Work: r.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return r, nil
}

// Kill is part of the worker.Worker interface.
func (r *Reader) Kill() {
	r.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (r *Reader) Wait() error {
	return r.catacomb.Wait()
}

// Identities returns the stream of extracted identities. It is closed
// once the upstream's end sentinel has been seen, or when the reader
// is killed.
func (r *Reader) Identities() <-chan string {
	return r.out
}

func (r *Reader) loop() error {
	defer close(r.out)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-r.catacomb.Dying()
		cancel()
	}()

	url := r.config.BaseURL + "/source/" + string(r.config.Side)
	for {
		payload, err := r.poll(ctx, url)
		if err != nil {
			select {
			case <-r.catacomb.Dying():
				return r.catacomb.ErrDying()
			default:
			}
			logger.Warningf("source %s: %v", r.config.Side, err)
			if err := r.sleep(r.config.ErrorDelay); err != nil {
				return errors.Trace(err)
			}
			continue
		}
		ids, done := r.extract(payload)
		for _, id := range ids {
			select {
			case r.out <- id:
			case <-r.catacomb.Dying():
				return r.catacomb.ErrDying()
			}
		}
		if done {
			logger.Infof("source %s: end of stream", r.config.Side)
			return nil
		}
		if err := r.sleep(r.config.PollInterval); err != nil {
			return errors.Trace(err)
		}
	}
}

func (r *Reader) poll(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errors.Trace(err)
	}
	resp, err := r.config.HTTPClient.Do(req)
	if err != nil {
		return "", errors.Trace(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Trace(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errors.Errorf("upstream returned %s", resp.Status)
	}
	return string(body), nil
}

func (r *Reader) sleep(d time.Duration) error {
	if d <= 0 {
		select {
		case <-r.catacomb.Dying():
			return r.catacomb.ErrDying()
		default:
			return nil
		}
	}
	select {
	case <-r.config.Clock.After(d):
		return nil
	case <-r.catacomb.Dying():
		return r.catacomb.ErrDying()
	}
}
