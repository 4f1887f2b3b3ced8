package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"mime"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Content types accepted in request bodies and produced in responses.
const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("server: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em

	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("server: failed to create CBOR dec mode: %v", err))
	}
	cborDecMode = dm
}

func mediaType(header string) string {
	if header == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(header))
	}
	return mt
}

// wantsCBOR reports whether an Accept header prefers CBOR.
func wantsCBOR(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		if mediaType(part) == ContentTypeCBOR {
			return true
		}
	}
	return false
}

// decodeArgs turns a request body into a JSON array of positional
// arguments. An empty body means no arguments, an array is spread, and
// any other value becomes the only argument.
func decodeArgs(contentType string, body []byte) (json.RawMessage, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return json.RawMessage("[]"), nil
	}

	if mediaType(contentType) == ContentTypeCBOR {
		var v interface{}
		if err := cborDecMode.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("invalid CBOR body: %w", err)
		}
		if _, ok := v.([]interface{}); !ok {
			v = []interface{}{v}
		}
		out, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("CBOR body has no JSON form: %w", err)
		}
		return out, nil
	}

	body = bytes.TrimSpace(body)
	if !json.Valid(body) {
		return nil, fmt.Errorf("invalid JSON body")
	}
	if body[0] == '[' {
		return json.RawMessage(body), nil
	}
	out := make([]byte, 0, len(body)+2)
	out = append(out, '[')
	out = append(out, body...)
	out = append(out, ']')
	return out, nil
}

// encodeCBOR converts a JSON value to canonical CBOR. Integral numbers are
// encoded as CBOR integers.
func encodeCBOR(value json.RawMessage) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(value, &v); err != nil {
		return nil, err
	}
	return cborEncMode.Marshal(integers(v))
}

func integers(v interface{}) interface{} {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && math.Abs(x) <= 1<<53 {
			return int64(x)
		}
		return x
	case []interface{}:
		for i := range x {
			x[i] = integers(x[i])
		}
		return x
	case map[string]interface{}:
		for k := range x {
			x[k] = integers(x[k])
		}
		return x
	}
	return v
}
