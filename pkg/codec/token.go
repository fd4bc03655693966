package codec

import (
	"github.com/tidwall/gjson"
)

// JSONToken returns a function reading the correlation token found at
// `path` (gjson syntax) in a raw JSON payload.
//
// It does not need the payload to match any Go type, so a response which
// fails to decode can still be routed to its caller.
func JSONToken(path string) func(payload []byte) (string, bool) {
	return func(payload []byte) (string, bool) {
		if !gjson.ValidBytes(payload) {
			return "", false
		}
		res := gjson.GetBytes(payload, path)
		if res.Type != gjson.String {
			return "", false
		}
		return res.Str, true
	}
}
