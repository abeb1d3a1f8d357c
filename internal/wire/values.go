package wire

import "github.com/neovim/go-client/nvim"

// Int converts any decoded integer value to int64. Neovim handles count as
// integers as well.
func Int(v any) (int64, bool) {
	switch v := v.(type) {
	case int64:
		return v, true
	case uint64:
		if v > 1<<63-1 {
			return 0, false
		}
		return int64(v), true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case uint32:
		return int64(v), true
	case nvim.Buffer:
		return int64(v), true
	case nvim.Window:
		return int64(v), true
	case nvim.Tabpage:
		return int64(v), true
	default:
		return 0, false
	}
}

// Uint converts a decoded non-negative integer to uint64.
func Uint(v any) (uint64, bool) {
	switch v := v.(type) {
	case uint64:
		return v, true
	default:
		n, ok := Int(v)
		if !ok || n < 0 {
			return 0, false
		}
		return uint64(n), true
	}
}

// String accepts msgpack str and bin values.
func String(v any) (string, bool) {
	switch v := v.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	default:
		return "", false
	}
}

// Strings converts a decoded array of strings.
func Strings(v any) ([]string, bool) {
	items, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			return ss, true
		}
		return nil, false
	}
	out := make([]string, len(items))
	for i, item := range items {
		s, ok := String(item)
		if !ok {
			return nil, false
		}
		out[i] = s
	}
	return out, true
}

// Bool accepts msgpack booleans and integers.
func Bool(v any) (bool, bool) {
	switch v := v.(type) {
	case bool:
		return v, true
	default:
		n, ok := Int(v)
		if !ok {
			return false, false
		}
		return n != 0, true
	}
}
