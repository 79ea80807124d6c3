// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package pipeline implements the lifecycle coordinator: it owns the
// pending table, runs the two reader/correlator pairs and the orphan
// flusher, and on completion or kill runs the terminal drain that
// classifies every still-pending identity as orphaned within a
// bounded deadline.
package pipeline

import (
	"net/http"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/canonical/streampair/core/correlation"
	"github.com/canonical/streampair/internal/source"
	"github.com/canonical/streampair/internal/worker/correlator"
	"github.com/canonical/streampair/internal/worker/orphanflusher"
)

var logger = loggo.GetLogger("streampair.worker.pipeline")

// ErrDrainTimeout reports that the terminal drain's deadline expired
// with classifications still unsent.
var ErrDrainTimeout = errors.New("terminal drain deadline exceeded")

// Submitter delivers classifications downstream.
type Submitter interface {
	Submit(stop <-chan struct{}, cl correlation.Classification) error
}

// Config holds the dependencies and policy of the coordinator.
type Config struct {
	// BaseURL is the scheme://host:port prefix shared by both
	// upstreams.
	BaseURL string
	// HTTPClient performs the upstream polls.
	HTTPClient *http.Client
	// Submitter receives every classification the pipeline emits.
	Submitter Submitter
	// Clock drives polling, expiry and the drain deadline.
	Clock clock.Clock
	// Table may be set to share or observe the pending table; when
	// nil the coordinator creates its own.
	Table *correlation.PendingTable
	// PollInterval is the delay between successful upstream polls.
	PollInterval time.Duration
	// PollErrorDelay is the delay before re-polling a failed
	// upstream.
	PollErrorDelay time.Duration
	// FlushInterval is the orphan flusher cadence.
	FlushInterval time.Duration
	// OrphanTimeout is the pending age at which an entry becomes
	// orphaned.
	OrphanTimeout time.Duration
	// MaxPending is the soft cap on pending entries; zero or less
	// means unlimited.
	MaxPending int
	// ShutdownDeadline caps the terminal drain.
	ShutdownDeadline time.Duration
}

// Validate returns an error if the config is not usable.
func (config Config) Validate() error {
	if config.BaseURL == "" {
		return errors.NotValidf("empty BaseURL")
	}
	if config.HTTPClient == nil {
		return errors.NotValidf("nil HTTPClient")
	}
	if config.Submitter == nil {
		return errors.NotValidf("nil Submitter")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.PollErrorDelay <= 0 {
		return errors.NotValidf("non-positive PollErrorDelay")
	}
	if config.FlushInterval <= 0 {
		return errors.NotValidf("non-positive FlushInterval")
	}
	if config.OrphanTimeout <= 0 {
		return errors.NotValidf("non-positive OrphanTimeout")
	}
	if config.ShutdownDeadline <= 0 {
		return errors.NotValidf("non-positive ShutdownDeadline")
	}
	return nil
}

// Worker is the coordinator. Its Wait error is the process outcome:
// nil for a clean run, ErrDrainTimeout when the drain deadline fired
// with work unsent.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
	table    *correlation.PendingTable
}

// NewWorker starts the pipeline.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{
		config: config,
		table:  config.Table,
	}
	if w.table == nil {
		w.table = correlation.NewPendingTable()
	}
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
	corrA, err := w.startSide(correlation.SideA)
	if err != nil {
		return errors.Trace(err)
	}
	corrB, err := w.startSide(correlation.SideB)
	if err != nil {
		return errors.Trace(err)
	}
	flusher, err := orphanflusher.NewWorker(orphanflusher.Config{
		Table:         w.table,
		Submitter:     w.config.Submitter,
		Clock:         w.config.Clock,
		FlushInterval: w.config.FlushInterval,
		OrphanTimeout: w.config.OrphanTimeout,
	})
	if err != nil {
		return errors.Trace(err)
	}
	if err := w.catacomb.Add(flusher); err != nil {
		return errors.Trace(err)
	}

	// Both correlators complete with nil when their upstream ends,
	// which leaves the catacomb alive; a kill from outside (or a
	// correlator failure) makes the catacomb dying, which kills the
	// correlators, and they stop promptly. Waiting for both before
	// stopping the flusher guarantees the terminal drain is the sole
	// remaining mutator of the table.
	doneA, doneB := waitOn(corrA), waitOn(corrB)
	dying := w.catacomb.Dying()
	for doneA != nil || doneB != nil {
		select {
		case <-dying:
			dying = nil
		case <-doneA:
			doneA = nil
		case <-doneB:
			doneB = nil
		}
	}
	if err := worker.Stop(flusher); err != nil && !w.dying() {
		return errors.Trace(err)
	}
	return w.drain()
}

func (w *Worker) startSide(side correlation.Side) (*correlator.Worker, error) {
	reader, err := source.NewReader(source.Config{
		Side:         side,
		BaseURL:      w.config.BaseURL,
		HTTPClient:   w.config.HTTPClient,
		Clock:        w.config.Clock,
		PollInterval: w.config.PollInterval,
		ErrorDelay:   w.config.PollErrorDelay,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	corr, err := correlator.NewWorker(correlator.Config{
		Side:       side,
		Stream:     reader,
		Table:      w.table,
		Submitter:  w.config.Submitter,
		Clock:      w.config.Clock,
		MaxPending: w.config.MaxPending,
	})
	if err != nil {
		_ = worker.Stop(reader)
		return nil, errors.Trace(err)
	}
	if err := w.catacomb.Add(corr); err != nil {
		return nil, errors.Trace(err)
	}
	return corr, nil
}

// drain removes every remaining pending entry and submits it as
// orphaned. The whole fan-out runs under the shutdown deadline;
// submissions still waiting for a slot or sleeping in backoff when
// the deadline fires are abandoned.
func (w *Worker) drain() error {
	ids := w.table.Drain()
	if len(ids) == 0 {
		return w.exitErr()
	}
	logger.Infof("draining %d pending identities as orphaned", len(ids))

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				err := w.config.Submitter.Submit(stop, correlation.Classification{
					ID:   id,
					Kind: correlation.Orphaned,
				})
				if err != nil {
					logger.Warningf("abandoning drain submission for %q: %v", id, err)
				}
			}(id)
		}
		wg.Wait()
	}()

	timer := w.config.Clock.NewTimer(w.config.ShutdownDeadline)
	defer timer.Stop()
	select {
	case <-done:
		return w.exitErr()
	case <-timer.Chan():
		close(stop)
		<-done
		return ErrDrainTimeout
	}
}

// exitErr preserves the kill reason when the drain ran because the
// catacomb was dying.
func (w *Worker) exitErr() error {
	if w.dying() {
		return w.catacomb.ErrDying()
	}
	return nil
}

func (w *Worker) dying() bool {
	select {
	case <-w.catacomb.Dying():
		return true
	default:
		return false
	}
}

func waitOn(wk worker.Worker) chan struct{} {
	ch := make(chan struct{})
	go func() {
		_ = wk.Wait()
		close(ch)
	}()
	return ch
}
