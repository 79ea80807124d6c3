// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package orphanflusher implements the periodic expiry scan: entries
// pending longer than the orphan timeout are removed from the table
// and emitted as orphaned classifications.
package orphanflusher

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4/catacomb"

	"github.com/canonical/streampair/core/correlation"
)

var logger = loggo.GetLogger("streampair.worker.orphanflusher")

// Submitter delivers classifications downstream.
type Submitter interface {
	Submit(stop <-chan struct{}, cl correlation.Classification) error
}

// Config holds the dependencies of a flusher worker.
type Config struct {
	// Table is the shared pending table.
	Table *correlation.PendingTable
	// Submitter receives the orphaned classifications.
	Submitter Submitter
	// Clock drives the tick timer and supplies expiry "now".
	Clock clock.Clock
	// FlushInterval is the scan cadence.
	FlushInterval time.Duration
	// OrphanTimeout is the pending age at which an entry becomes
	// orphaned.
	OrphanTimeout time.Duration
}

// Validate returns an error if the config is not usable.
func (config Config) Validate() error {
	if config.Table == nil {
		return errors.NotValidf("nil Table")
	}
	if config.Submitter == nil {
		return errors.NotValidf("nil Submitter")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.FlushInterval <= 0 {
		return errors.NotValidf("non-positive FlushInterval")
	}
	if config.OrphanTimeout <= 0 {
		return errors.NotValidf("non-positive OrphanTimeout")
	}
	return nil
}

// Worker periodically expires aged pending entries. It is cancellable
// at tick boundaries; a tick's fan-out is joined before the next tick
// is scheduled.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
}

// NewWorker starts a flusher over the configured table.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{config: config}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
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
	timer := w.config.Clock.NewTimer(w.config.FlushInterval)
	defer timer.Stop()
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-timer.Chan():
			w.flush()
			timer.Reset(w.config.FlushInterval)
		}
	}
}

func (w *Worker) flush() {
	now := w.config.Clock.Now()
	expired := w.config.Table.Expire(now, w.config.OrphanTimeout)
	if len(expired) == 0 {
		return
	}
	logger.Debugf("flushing %d orphaned identities", len(expired))
	var wg sync.WaitGroup
	for _, id := range expired {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := w.config.Submitter.Submit(w.catacomb.Dying(), correlation.Classification{
				ID:   id,
				Kind: correlation.Orphaned,
			})
			if err != nil {
				logger.Warningf("abandoning orphan submission for %q: %v", id, err)
			}
		}(id)
	}
	wg.Wait()
}
