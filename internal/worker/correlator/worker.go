// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package correlator implements the per-side decision loop: every
// identity read from one upstream is run through the pending table's
// atomic decide primitive, and a cross-side match emits the joined
// classification.
package correlator

import (
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/canonical/streampair/core/correlation"
)

var logger = loggo.GetLogger("streampair.worker.correlator")

// Stream produces one side's identities. The correlator owns its
// lifetime; the channel closing signals the upstream's end of stream.
type Stream interface {
	worker.Worker
	Identities() <-chan string
}

// Submitter delivers classifications downstream.
type Submitter interface {
	Submit(stop <-chan struct{}, cl correlation.Classification) error
}

// Config holds the dependencies of a correlator worker.
type Config struct {
	// Side is the side every observation from Stream is recorded
	// under.
	Side correlation.Side
	// Stream is the side's reader; it dies with the correlator.
	Stream Stream
	// Table is the shared pending table.
	Table *correlation.PendingTable
	// Submitter receives joined classifications, and orphaned ones
	// for capacity evictions.
	Submitter Submitter
	// Clock timestamps first sightings.
	Clock clock.Clock
	// MaxPending is the soft cap on the pending table; zero or less
	// means unlimited. Oldest entries beyond the cap are evicted as
	// orphans.
	MaxPending int
}

// Validate returns an error if the config is not usable.
func (config Config) Validate() error {
	if err := config.Side.Validate(); err != nil {
		return errors.Trace(err)
	}
	if config.Stream == nil {
		return errors.NotValidf("nil Stream")
	}
	if config.Table == nil {
		return errors.NotValidf("nil Table")
	}
	if config.Submitter == nil {
		return errors.NotValidf("nil Submitter")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Worker consumes one side's identity stream and acts on each decide
// outcome. It completes with a nil error when the stream ends.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
}

// NewWorker starts a correlator over the configured stream.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{config: config}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
		Init: []worker.Worker{config.Stream},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

func (w *Worker) loop() error {
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case id, ok := <-w.config.Stream.Identities():
			if !ok {
				return nil
			}
			if err := w.observe(id); err != nil {
				return errors.Trace(err)
			}
		}
	}
}

func (w *Worker) observe(id string) error {
	now := w.config.Clock.Now()
	switch outcome := w.config.Table.Decide(id, w.config.Side, now); outcome {
	case correlation.Matched:
		return errors.Trace(w.submit(correlation.Classification{
			ID:   id,
			Kind: correlation.Joined,
		}))
	case correlation.Stored:
		for _, evicted := range w.config.Table.TrimOldest(w.config.MaxPending) {
			logger.Warningf("pending table over capacity, evicting %q as orphaned", evicted)
			err := w.submit(correlation.Classification{
				ID:   evicted,
				Kind: correlation.Orphaned,
			})
			if err != nil {
				return errors.Trace(err)
			}
		}
	case correlation.IgnoredDuplicate:
		logger.Debugf("duplicate sighting of %q on side %s", id, w.config.Side)
	}
	return nil
}

func (w *Worker) submit(cl correlation.Classification) error {
	if err := w.config.Submitter.Submit(w.catacomb.Dying(), cl); err != nil {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		default:
			return errors.Trace(err)
		}
	}
	return nil
}
