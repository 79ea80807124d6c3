// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sink

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"golang.org/x/sync/semaphore"

	"github.com/canonical/streampair/core/correlation"
)

// Deliverer is the transport a Submitter delivers through.
type Deliverer interface {
	Submit(ctx context.Context, cl correlation.Classification) error
}

// SubmitterConfig holds the dependencies and policy of a Submitter.
type SubmitterConfig struct {
	// Deliverer performs a single delivery attempt.
	Deliverer Deliverer
	// Clock times the retry backoff.
	Clock clock.Clock
	// RetryDelay is the initial backoff; it doubles per attempt.
	RetryDelay time.Duration
	// MaxAttempts is the total number of delivery attempts per
	// classification.
	MaxAttempts int
	// Concurrency caps in-flight submissions across all callers.
	Concurrency int64
	// Metrics may be nil.
	Metrics *Metrics
}

// Validate returns an error if the config is not usable.
func (config SubmitterConfig) Validate() error {
	if config.Deliverer == nil {
		return errors.NotValidf("nil Deliverer")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.RetryDelay <= 0 {
		return errors.NotValidf("non-positive RetryDelay")
	}
	if config.MaxAttempts < 1 {
		return errors.NotValidf("MaxAttempts < 1")
	}
	if config.Concurrency < 1 {
		return errors.NotValidf("Concurrency < 1")
	}
	return nil
}

// Submitter delivers classifications with bounded concurrency and
// bounded retry. It is stateless apart from the in-flight cap and is
// safe for concurrent use by every emitter in the pipeline.
type Submitter struct {
	config SubmitterConfig
	slots  *semaphore.Weighted
}

// NewSubmitter returns a submitter with the configured policy.
func NewSubmitter(config SubmitterConfig) (*Submitter, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Submitter{
		config: config,
		slots:  semaphore.NewWeighted(config.Concurrency),
	}, nil
}

// Submit delivers one classification, retrying transient failures
// with doubling backoff. Exhausting the attempts drops the
// classification with a warning and reports success to the caller;
// losing a rare classification is preferred over stalling the
// pipeline on one stuck identity. A non-nil error means the wait was
// abandoned because stop fired.
func (s *Submitter) Submit(stop <-chan struct{}, cl correlation.Classification) error {
	if err := s.acquire(stop); err != nil {
		return errors.Trace(err)
	}
	defer s.slots.Release(1)

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return s.config.Deliverer.Submit(context.Background(), cl)
		},
		NotifyFunc: func(lastError error, attempt int) {
			s.config.Metrics.retried()
			logger.Debugf("submit %s %q attempt %d failed: %v", cl.Kind, cl.ID, attempt, lastError)
		},
		Attempts:    s.config.MaxAttempts,
		Delay:       s.config.RetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       s.config.Clock,
		Stop:        stop,
	})
	switch {
	case err == nil:
		s.config.Metrics.delivered(cl.Kind)
		return nil
	case retry.IsAttemptsExceeded(err):
		logger.Warningf("dropping %s classification for %q after %d attempts: %v",
			cl.Kind, cl.ID, s.config.MaxAttempts, retry.LastError(err))
		s.config.Metrics.droppedOne(cl.Kind)
		return nil
	case retry.IsRetryStopped(err):
		return errors.Annotatef(err, "submitting %s classification for %q", cl.Kind, cl.ID)
	default:
		return errors.Trace(err)
	}
}

// acquire waits for a submission slot, or for stop.
func (s *Submitter) acquire(stop <-chan struct{}) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return errors.Annotate(err, "waiting for a submission slot")
	}
	return nil
}
