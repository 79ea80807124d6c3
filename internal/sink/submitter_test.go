// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sink_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/streampair/core/correlation"
	"github.com/canonical/streampair/internal/sink"
)

const longWait = 10 * time.Second

type submitterSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&submitterSuite{})

// scriptedSink answers each POST with the next scripted status,
// repeating the final one, and records the decoded bodies.
type scriptedSink struct {
	mu       sync.Mutex
	statuses []int
	attempts int
	bodies   []correlation.Classification
}

func (f *scriptedSink) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var cl correlation.Classification
	_ = json.NewDecoder(req.Body).Decode(&cl)
	f.mu.Lock()
	i := f.attempts
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.attempts++
	f.bodies = append(f.bodies, cl)
	status := f.statuses[i]
	f.mu.Unlock()
	w.WriteHeader(status)
}

func (f *scriptedSink) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (s *submitterSuite) newSubmitter(c *gc.C, handler http.Handler, tweak func(*sink.SubmitterConfig)) *sink.Submitter {
	server := httptest.NewServer(handler)
	s.AddCleanup(func(*gc.C) { server.Close() })
	config := sink.SubmitterConfig{
		Deliverer:   sink.NewClient(server.URL, server.Client()),
		Clock:       clock.WallClock,
		RetryDelay:  time.Millisecond,
		MaxAttempts: 3,
		Concurrency: 4,
		Metrics:     sink.NewMetrics(),
	}
	if tweak != nil {
		tweak(&config)
	}
	submitter, err := sink.NewSubmitter(config)
	c.Assert(err, jc.ErrorIsNil)
	return submitter
}

func (s *submitterSuite) TestDeliversFirstTime(c *gc.C) {
	fake := &scriptedSink{statuses: []int{http.StatusOK}}
	submitter := s.newSubmitter(c, fake, nil)
	err := submitter.Submit(nil, correlation.Classification{ID: "x", Kind: correlation.Joined})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(fake.attemptCount(), gc.Equals, 1)
	c.Assert(fake.bodies[0], gc.DeepEquals, correlation.Classification{ID: "x", Kind: correlation.Joined})
}

func (s *submitterSuite) TestRetriesBackpressureThenSucceeds(c *gc.C) {
	fake := &scriptedSink{statuses: []int{
		http.StatusNotAcceptable,
		http.StatusNotAcceptable,
		http.StatusOK,
	}}
	submitter := s.newSubmitter(c, fake, nil)
	err := submitter.Submit(nil, correlation.Classification{ID: "x", Kind: correlation.Joined})
	c.Assert(err, jc.ErrorIsNil)
	// Two transient refusals then a success is one logical delivery
	// in exactly three attempts.
	c.Assert(fake.attemptCount(), gc.Equals, 3)
}

func (s *submitterSuite) TestRetriesOtherFailures(c *gc.C) {
	fake := &scriptedSink{statuses: []int{
		http.StatusInternalServerError,
		http.StatusOK,
	}}
	submitter := s.newSubmitter(c, fake, nil)
	err := submitter.Submit(nil, correlation.Classification{ID: "x", Kind: correlation.Orphaned})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(fake.attemptCount(), gc.Equals, 2)
}

func (s *submitterSuite) TestDropsAfterExhaustingAttempts(c *gc.C) {
	fake := &scriptedSink{statuses: []int{http.StatusNotAcceptable}}
	submitter := s.newSubmitter(c, fake, nil)
	err := submitter.Submit(nil, correlation.Classification{ID: "x", Kind: correlation.Joined})
	// The drop is absorbed; the pipeline must keep flowing.
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(fake.attemptCount(), gc.Equals, 3)
}

func (s *submitterSuite) TestStopAbandonsBackoff(c *gc.C) {
	fake := &scriptedSink{statuses: []int{http.StatusNotAcceptable}}
	stop := make(chan struct{})
	close(stop)
	submitter := s.newSubmitter(c, fake, func(config *sink.SubmitterConfig) {
		config.RetryDelay = time.Hour
	})
	done := make(chan error, 1)
	go func() {
		done <- submitter.Submit(stop, correlation.Classification{ID: "x", Kind: correlation.Orphaned})
	}()
	select {
	case err := <-done:
		c.Assert(err, gc.NotNil)
	case <-time.After(longWait):
		c.Fatalf("submitter did not honour stop during backoff")
	}
	c.Assert(fake.attemptCount() <= 1, jc.IsTrue)
}

func (s *submitterSuite) TestBoundsInFlightSubmissions(c *gc.C) {
	var inFlight, peak int64
	handler := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		w.WriteHeader(http.StatusOK)
	})
	submitter := s.newSubmitter(c, handler, func(config *sink.SubmitterConfig) {
		config.Concurrency = 2
	})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := submitter.Submit(nil, correlation.Classification{ID: "x", Kind: correlation.Joined})
			c.Check(err, jc.ErrorIsNil)
		}()
	}
	wg.Wait()
	c.Assert(atomic.LoadInt64(&peak) <= 2, jc.IsTrue)
}

func (s *submitterSuite) TestValidate(c *gc.C) {
	_, err := sink.NewSubmitter(sink.SubmitterConfig{})
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}
