package csblob

import (
	"encoding/asn1"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"howett.net/plist"
)

// EntitlementsDER converts an entitlements plist to the DER form that newer
// kernels check. Both representations ride in the signature, each under its
// own slot.
func EntitlementsDER(entitlements []byte) ([]byte, error) {
	var values map[string]interface{}
	if _, err := plist.Unmarshal(entitlements, &values); err != nil {
		return nil, fmt.Errorf("parsing entitlements: %w", err)
	}
	dict, err := derDict(values)
	if err != nil {
		return nil, err
	}
	version, err := asn1.Marshal(1)
	if err != nil {
		return nil, err
	}
	// application 16 envelope holding a version number and the top-level dict
	return derWrap(0x70, append(version, dict...)), nil
}

func derDict(values map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var body []byte
	for _, k := range keys {
		value, err := derValue(values[k])
		if err != nil {
			return nil, fmt.Errorf("entitlement %q: %w", k, err)
		}
		pair := append(derString(k), value...)
		body = append(body, derWrap(0x30, pair)...)
	}
	// context 16, pairs sorted by key
	return derWrap(0xb0, body), nil
}

func derValue(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case bool:
		return asn1.Marshal(v)
	case string:
		return derString(v), nil
	case int:
		return asn1.Marshal(v)
	case int64:
		return asn1.Marshal(v)
	case uint64:
		if v > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d out of range", v)
		}
		return asn1.Marshal(int64(v))
	case []interface{}:
		var body []byte
		for _, item := range v {
			der, err := derValue(item)
			if err != nil {
				return nil, err
			}
			body = append(body, der...)
		}
		return derWrap(0x30, body), nil
	case map[string]interface{}:
		return derDict(v)
	case float32, float64:
		return nil, errors.New("real values are not allowed in entitlements")
	case time.Time:
		return nil, errors.New("date values are not allowed in entitlements")
	case []byte:
		return nil, errors.New("data values are not allowed in entitlements")
	case plist.UID:
		return nil, errors.New("UID values are not allowed in entitlements")
	default:
		return nil, fmt.Errorf("values of type %T are not allowed in entitlements", value)
	}
}

func derString(s string) []byte {
	return derWrap(0x0c, []byte(s))
}

// derWrap frames a payload with a tag byte and a DER length.
func derWrap(tag byte, body []byte) []byte {
	n := len(body)
	var out []byte
	switch {
	case n < 0x80:
		out = append(out, tag, byte(n))
	case n <= 0xff:
		out = append(out, tag, 0x81, byte(n))
	case n <= 0xffff:
		out = append(out, tag, 0x82, byte(n>>8), byte(n))
	case n <= 0xffffff:
		out = append(out, tag, 0x83, byte(n>>16), byte(n>>8), byte(n))
	default:
		out = append(out, tag, 0x84, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	}
	return append(out, body...)
}
