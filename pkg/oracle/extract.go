package oracle

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoria/pkg/model"
)

// maxCandidates bounds how many '{' positions are tried in one reply
const maxCandidates = 64

// decodeReply finds the JSON object in text that validates against schema
// and unmarshals it into T.
//
// Only top-level objects are candidates: once a '{' starts a complete JSON
// value, every brace inside that value is skipped, so an object nested in a
// rejected reply is never picked up on its own. Candidates are decoded with
// a streaming decoder, so braces inside string literals and prose around the
// object do not affect where the object ends. Two different valid
// candidates make the reply ambiguous and it is rejected.
func decodeReply[T any](text string, schema *jsonschema.Resolved) (*T, error) {
	var (
		lastErr error
		chosen  json.RawMessage
		tried   int
	)

	for offset := 0; offset < len(text) && tried < maxCandidates; {
		idx := strings.IndexByte(text[offset:], '{')
		if idx < 0 {
			break
		}
		start := offset + idx
		offset = start + 1
		tried++

		var raw json.RawMessage
		dec := json.NewDecoder(strings.NewReader(text[start:]))
		if err := dec.Decode(&raw); err != nil {
			lastErr = goerr.Wrap(err, "failed to decode JSON object", goerr.V("offset", start))
			continue
		}
		offset = start + int(dec.InputOffset())

		var instance any
		if err := json.Unmarshal(raw, &instance); err != nil {
			lastErr = goerr.Wrap(err, "failed to decode JSON object", goerr.V("offset", start))
			continue
		}
		if err := schema.Validate(instance); err != nil {
			lastErr = goerr.Wrap(err, "JSON object does not match schema", goerr.V("offset", start))
			continue
		}

		if chosen == nil {
			chosen = raw
			continue
		}
		if !sameJSON(chosen, raw) {
			return nil, goerr.Wrap(model.ErrOracleProtocol, "oracle reply holds more than one matching JSON object",
				goerr.V("offset", start),
				goerr.V("reply", truncate(text, 512)))
		}
	}

	if chosen != nil {
		var out T
		if err := json.Unmarshal(chosen, &out); err != nil {
			return nil, goerr.Wrap(model.ErrOracleProtocol, "failed to unmarshal JSON object",
				goerr.V("cause", err.Error()),
				goerr.V("reply", truncate(text, 512)))
		}
		return &out, nil
	}

	if lastErr == nil {
		return nil, goerr.Wrap(model.ErrOracleProtocol, "no JSON object in oracle reply",
			goerr.V("reply", truncate(text, 512)))
	}
	return nil, goerr.Wrap(model.ErrOracleProtocol, lastErr.Error(),
		goerr.V("reply", truncate(text, 512)))
}

// sameJSON reports whether a and b encode the same value apart from whitespace
func sameJSON(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return false
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
