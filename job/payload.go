package job

import "encoding/json"

// EmptyPayload is the payload substituted when serialization fails and
// the fail-open policy is in effect.
var EmptyPayload = []byte("{}")

// EncodePayload serializes v to JSON. When strict is false and
// serialization fails, it returns EmptyPayload and the error: the caller
// may enqueue the job anyway, on the theory that losing the job is worse
// than losing payload fidelity. When strict is true the error is fatal
// and no payload is returned.
func EncodePayload(v any, strict bool) ([]byte, error) {
	if v == nil {
		return EmptyPayload, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		if strict {
			return nil, err
		}
		return EmptyPayload, err
	}
	return data, nil
}

// DecodePayload interprets raw as a JSON object. The engine never
// inspects payload contents, but it must not drop a job it cannot
// decode: on failure the original bytes are preserved inside a
// diagnostic wrapper instead of surfacing an error:
//
//	{"raw": "<original bytes>", "decode_error": "<message>"}
//
// Empty input decodes to an empty map.
func DecodePayload(raw []byte) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{
			"raw":          string(raw),
			"decode_error": err.Error(),
		}
	}
	if m == nil {
		m = map[string]any{}
	}
	return m
}
