// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package source

import (
	"github.com/juju/testing"
	gc "gopkg.in/check.v1"
)

type extractSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&extractSuite{})

func (s *extractSuite) TestExtractAValidPayload(c *gc.C) {
	ids, done := extractA(`{"status": "ok", "id": "alpha"}`)
	c.Assert(ids, gc.DeepEquals, []string{"alpha"})
	c.Assert(done, gc.Equals, false)
}

func (s *extractSuite) TestExtractATakesFirstID(c *gc.C) {
	ids, _ := extractA(`{"status": "ok", "id": "first", "id": "second"}`)
	c.Assert(ids, gc.DeepEquals, []string{"first"})
}

func (s *extractSuite) TestExtractAFragmentGuided(c *gc.C) {
	// The upstream contract is fragment-based, so a payload that is
	// not well-formed JSON still contributes its identity.
	ids, done := extractA(`garbage "status": "ok" garbage "id": "alpha"`)
	c.Assert(ids, gc.DeepEquals, []string{"alpha"})
	c.Assert(done, gc.Equals, false)
}

func (s *extractSuite) TestExtractADropsMalformed(c *gc.C) {
	for _, payload := range []string{
		`{"status": "error"}`,
		`{"id": "alpha"}`,
		``,
		`not even close`,
	} {
		ids, done := extractA(payload)
		c.Check(ids, gc.HasLen, 0, gc.Commentf("payload %q", payload))
		c.Check(done, gc.Equals, false, gc.Commentf("payload %q", payload))
	}
}

func (s *extractSuite) TestExtractADropsOKWithoutID(c *gc.C) {
	ids, done := extractA(`{"status": "ok"}`)
	c.Assert(ids, gc.HasLen, 0)
	c.Assert(done, gc.Equals, false)
}

func (s *extractSuite) TestExtractAEndSentinel(c *gc.C) {
	ids, done := extractA(`{"status": "done"}`)
	c.Assert(ids, gc.HasLen, 0)
	c.Assert(done, gc.Equals, true)
}

func (s *extractSuite) TestExtractBValues(c *gc.C) {
	ids, done := extractB(`<msg><record value="r1"/><record value="r2"/></msg>`)
	c.Assert(ids, gc.DeepEquals, []string{"r1", "r2"})
	c.Assert(done, gc.Equals, false)
}

func (s *extractSuite) TestExtractBDoneTagEndsRound(c *gc.C) {
	// Values after the done tag belong to no round and are ignored.
	ids, done := extractB(`<msg><record value="r1"/><done/><record value="late"/></msg>`)
	c.Assert(ids, gc.DeepEquals, []string{"r1"})
	c.Assert(done, gc.Equals, false)
}

func (s *extractSuite) TestExtractBEmptyRound(c *gc.C) {
	ids, done := extractB(`<done/>`)
	c.Assert(ids, gc.HasLen, 0)
	c.Assert(done, gc.Equals, false)
}

func (s *extractSuite) TestExtractBStreamSentinel(c *gc.C) {
	ids, done := extractB("nothing else at the moment")
	c.Assert(ids, gc.HasLen, 0)
	c.Assert(done, gc.Equals, true)
}

func (s *extractSuite) TestExtractBDropsMalformed(c *gc.C) {
	ids, done := extractB(`<msg>no values here</msg>`)
	c.Assert(ids, gc.HasLen, 0)
	c.Assert(done, gc.Equals, false)
}
