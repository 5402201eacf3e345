package blocks

import (
	"bytes"
	"encoding/json"
	"math/big"
	"reflect"

	"github.com/bytedance/sonic"
)

// numberPreserving keeps JSON numbers as their literal text so integers beyond
// float64 precision survive decoding.
var numberPreserving = sonic.Config{
	UseNumber:      true,
	CopyString:     true,
	ValidateString: true,
}.Froze()

// canonicalNumber is the exact rational value of a JSON number in lowest terms.
// It is a distinct type so a number never equals a string with the same text.
type canonicalNumber string

// ContentEqual reports whether two payloads describe the same JSON value. Object keys
// are compared without regard to order, arrays element by element, numbers by exact value.
// Payloads that fail to decode are compared byte for byte.
func ContentEqual(a, b Content) bool {
	if bytes.Equal(a, b) {
		return true
	}
	left, leftErr := decodeContent(a)
	right, rightErr := decodeContent(b)
	if leftErr != nil || rightErr != nil {
		return false
	}
	return reflect.DeepEqual(left, right)
}

func decodeContent(content Content) (any, error) {
	if len(content) == 0 {
		return nil, nil
	}
	var value any
	if err := numberPreserving.Unmarshal(content, &value); err != nil {
		return nil, err
	}
	return canonicalize(value), nil
}

// canonicalize rewrites every json.Number in a decoded tree to its exact value, so
// 1, 1.0 and 1e0 compare equal while 9007199254740993 and 9007199254740992 do not.
func canonicalize(value any) any {
	switch typed := value.(type) {
	case json.Number:
		exact, ok := new(big.Rat).SetString(typed.String())
		if !ok {
			return canonicalNumber(typed.String())
		}
		return canonicalNumber(exact.RatString())
	case map[string]any:
		for key, element := range typed {
			typed[key] = canonicalize(element)
		}
		return typed
	case []any:
		for index, element := range typed {
			typed[index] = canonicalize(element)
		}
		return typed
	default:
		return value
	}
}
