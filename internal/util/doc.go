package util

import (
	"encoding/hex"
	"fmt"
	"strconv"
)

// ToString renders a source identifier as an index document id.
func ToString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return hex.EncodeToString(t)
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case interface{ Hex() string }:
		return t.Hex()
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Project copies the top level fields of doc, keeping only include (when
// non-empty) and dropping exclude. The source document is not modified.
func Project(doc map[string]any, include, exclude []string) map[string]any {
	if doc == nil {
		return nil
	}
	out := make(map[string]any, len(doc))
	if len(include) > 0 {
		for _, k := range include {
			if v, ok := doc[k]; ok {
				out[k] = v
			}
		}
	} else {
		for k, v := range doc {
			out[k] = v
		}
	}
	for _, k := range exclude {
		delete(out, k)
	}
	return out
}
