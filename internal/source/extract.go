// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package source

import (
	"regexp"
	"strings"

	"github.com/canonical/streampair/core/correlation"
)

// The upstreams define validity by literal payload fragments rather
// than by well-formed documents, so extraction is fragment-guided:
// a payload that is not valid JSON or XML but carries the fragments
// still yields identities.
const (
	jsonOKFragment   = `"status": "ok"`
	jsonDoneFragment = `"status": "done"`
	xmlDoneTag       = "<done/>"
	xmlStreamEnd     = "nothing else at the moment"
)

var (
	jsonIDPattern   = regexp.MustCompile(`"id"\s*:\s*"([^"]+)"`)
	xmlValuePattern = regexp.MustCompile(`value="([^"]+)"`)
)

// extractor parses one raw upstream payload, returning the identities
// it carries and whether the payload terminates the stream.
type extractor func(payload string) (ids []string, done bool)

func extractorFor(side correlation.Side) extractor {
	if side == correlation.SideA {
		return extractA
	}
	return extractB
}

// extractA handles source A payloads. A payload carrying the ok
// fragment contributes the value of its first id field; the done
// fragment ends the stream; anything else is malformed and dropped.
func extractA(payload string) ([]string, bool) {
	if strings.Contains(payload, jsonDoneFragment) {
		return nil, true
	}
	if !strings.Contains(payload, jsonOKFragment) {
		logger.Warningf("source a: dropping malformed payload %s", snippet(payload))
		return nil, false
	}
	m := jsonIDPattern.FindStringSubmatch(payload)
	if m == nil {
		logger.Warningf("source a: dropping ok payload without id %s", snippet(payload))
		return nil, false
	}
	return []string{m[1]}, false
}

// extractB handles source B payloads. Identities are the value
// attributes in the payload; a done tag ends the polling round and
// anything after it is ignored; the stream-end sentinel terminates
// the sequence entirely.
func extractB(payload string) ([]string, bool) {
	if strings.TrimSpace(payload) == xmlStreamEnd {
		return nil, true
	}
	round := payload
	roundDone := false
	if i := strings.Index(payload, xmlDoneTag); i >= 0 {
		round = payload[:i]
		roundDone = true
	}
	matches := xmlValuePattern.FindAllStringSubmatch(round, -1)
	if len(matches) == 0 {
		if !roundDone && strings.TrimSpace(round) != "" {
			logger.Warningf("source b: dropping malformed payload %s", snippet(payload))
		}
		return nil, false
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m[1])
	}
	return ids, false
}

// snippet bounds payload excerpts quoted in log messages.
func snippet(payload string) string {
	const max = 120
	payload = strings.TrimSpace(payload)
	if len(payload) > max {
		payload = payload[:max] + "..."
	}
	return "\"" + payload + "\""
}
