// Package parameters parses user configuration strings, like "word_dim=100,mlp_dim=200,checkpoint=~/model",
// into Params, and converts its values to the types of the defaults they override.
package parameters

import (
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Params maps configuration keys to their unparsed values.
type Params map[string]string

// NewFromConfigString creates Params from a comma-separated list of "key=value" entries.
// An entry without "=" is set to the empty string (which, for bool parameters, means true).
// Empty entries are ignored.
func NewFromConfigString(config string) Params {
	params := make(Params)
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		params[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return params
}

// Value is the set of types a parameter can be parsed to.
type Value interface {
	bool | int | float32 | float64 | string
}

// GetParamOr parses the parameter key to the type of defaultValue, or returns defaultValue if
// the key is not set. Numeric parameters set to an empty value also return the defaultValue.
func GetParamOr[T Value](params Params, key string, defaultValue T) (T, error) {
	value, found := params[key]
	if !found {
		return defaultValue, nil
	}
	var parsed any
	var err error
	switch any(defaultValue).(type) {
	case string:
		parsed = value
	case bool:
		switch strings.ToLower(value) {
		case "", "true", "1", "yes":
			parsed = true
		case "false", "0", "no":
			parsed = false
		default:
			err = errors.Errorf("failed to parse configuration %s=%q to bool", key, value)
		}
	case int:
		if value == "" {
			return defaultValue, nil
		}
		parsed, err = strconv.Atoi(value)
		err = errors.Wrapf(err, "failed to parse configuration %s=%q to int", key, value)
	case float32:
		if value == "" {
			return defaultValue, nil
		}
		var f float64
		f, err = strconv.ParseFloat(value, 32)
		parsed = float32(f)
		err = errors.Wrapf(err, "failed to parse configuration %s=%q to float32", key, value)
	case float64:
		if value == "" {
			return defaultValue, nil
		}
		parsed, err = strconv.ParseFloat(value, 64)
		err = errors.Wrapf(err, "failed to parse configuration %s=%q to float64", key, value)
	}
	if err != nil {
		return defaultValue, err
	}
	return parsed.(T), nil
}

// PopParamOr is like GetParamOr, but it also deletes key from params, so at the end one can check
// with CheckAllUsed that there are no unknown parameters left.
func PopParamOr[T Value](params Params, key string, defaultValue T) (T, error) {
	value, err := GetParamOr(params, key, defaultValue)
	if err != nil {
		return value, err
	}
	delete(params, key)
	return value, nil
}

// CheckAllUsed returns an error listing the keys left in params, if any.
func CheckAllUsed(params Params) error {
	if len(params) == 0 {
		return nil
	}
	keys := slices.Sorted(maps.Keys(params))
	return errors.Errorf("unknown configuration parameter(s): %s", strings.Join(keys, ", "))
}
