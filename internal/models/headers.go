package models

import (
	"fmt"
	"net/http"
)

// NormalizeHeaders flattens the accepted header input shapes into a plain
// name-to-value map. Accepted shapes: map[string]string, http.Header
// (first value per name), and ordered [name, value] pairs. A nil input
// yields an empty map.
func NormalizeHeaders(input any) (map[string]string, error) {
	switch v := input.(type) {
	case nil:
		return map[string]string{}, nil
	case map[string]string:
		out := make(map[string]string, len(v))
		for name, value := range v {
			out[name] = value
		}
		return out, nil
	case http.Header:
		out := make(map[string]string, len(v))
		for name, values := range v {
			if len(values) > 0 {
				out[name] = values[0]
			}
		}
		return out, nil
	case [][2]string:
		out := make(map[string]string, len(v))
		for _, pair := range v {
			out[pair[0]] = pair[1]
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported header shape %T", input)
	}
}
