package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mbd888/agentgate/internal/apperr"
)

var errInvalidArgument = apperr.New(apperr.InvalidArgument, "invalid argument")

// Args are the arguments of one tool call. Numbers arrive as json.Number.
type Args map[string]any

// Has reports whether key is present and not null.
func (a Args) Has(key string) bool {
	v, ok := a[key]
	return ok && v != nil
}

// String returns the trimmed string argument, or "" when absent.
func (a Args) String(key string) (string, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", errInvalidArgument, key)
	}
	return strings.TrimSpace(s), nil
}

// Int64 returns an integer argument. ok is false when the key is absent.
// Integral floats and numeric strings are accepted; fractions are not.
func (a Args) Int64(key string) (n int64, ok bool, err error) {
	v, present := a[key]
	if !present || v == nil {
		return 0, false, nil
	}
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, true, nil
		}
		f, err := x.Float64()
		if err != nil {
			return 0, true, fmt.Errorf("%w: %s must be an integer", errInvalidArgument, key)
		}
		return floatToInt(key, f)
	case float64:
		return floatToInt(key, x)
	case int:
		return int64(x), true, nil
	case int64:
		return x, true, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, true, fmt.Errorf("%w: %s must be an integer", errInvalidArgument, key)
		}
		return n, true, nil
	default:
		return 0, true, fmt.Errorf("%w: %s must be an integer", errInvalidArgument, key)
	}
}

func floatToInt(key string, f float64) (int64, bool, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.Abs(f) > 1<<53 {
		return 0, true, fmt.Errorf("%w: %s must be an integer", errInvalidArgument, key)
	}
	return int64(f), true, nil
}

// PositiveInt returns a required integer argument greater than zero.
func (a Args) PositiveInt(key string) (int, error) {
	n, ok, err := a.Int64(key)
	if err != nil {
		return 0, err
	}
	if !ok || n <= 0 || n > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", errInvalidArgument, key)
	}
	return int(n), nil
}

// Limit returns an optional page size, zero when absent.
func (a Args) Limit() (int, error) {
	n, ok, err := a.Int64("limit")
	if err != nil || !ok {
		return 0, err
	}
	if n <= 0 || n > 500 {
		return 0, fmt.Errorf("%w: limit must be between 1 and 500", errInvalidArgument)
	}
	return int(n), nil
}

// Bool returns an optional boolean argument.
func (a Args) Bool(key string) (bool, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return false, nil
	}
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(x)
		if err != nil {
			return false, fmt.Errorf("%w: %s must be a boolean", errInvalidArgument, key)
		}
		return b, nil
	default:
		return false, fmt.Errorf("%w: %s must be a boolean", errInvalidArgument, key)
	}
}

// missing returns the required keys that are absent or empty.
func (a Args) missing(required []string) []string {
	var out []string
	for _, key := range required {
		v, ok := a[key]
		if !ok || v == nil {
			out = append(out, key)
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			out = append(out, key)
		}
	}
	return out
}
