// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package correlation holds the identity-matching data model: the two
// stream sides, the classification kinds, and the pending table whose
// atomic decision primitive the rest of the pipeline is built on.
package correlation

import (
	"github.com/juju/errors"
)

// Side identifies which upstream an observation came from.
type Side string

const (
	// SideA is the JSON-flavoured upstream.
	SideA Side = "a"
	// SideB is the XML-flavoured upstream.
	SideB Side = "b"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideA {
		return SideB
	}
	return SideA
}

// Validate returns an error if the side is not one of the two known
// sides.
func (s Side) Validate() error {
	if s != SideA && s != SideB {
		return errors.NotValidf("side %q", string(s))
	}
	return nil
}

// Kind is the outcome class assigned to an identity.
type Kind string

const (
	// Joined marks an identity observed on both sides.
	Joined Kind = "joined"
	// Orphaned marks an identity observed on only one side by the
	// time of expiry or the terminal drain.
	Orphaned Kind = "orphaned"
)

// Classification pairs an identity with its outcome. It is the unit
// handed to the sink, and its wire form is the sink's request body.
type Classification struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
}
