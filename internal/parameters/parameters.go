// Package parameters handles generic configuration Params, a map[string]string that the
// user can set, either with a "key1=value1,key2=value2" string or with a YAML file.
package parameters

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/janpfeifer/metaqp/internal/generics"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Params represent generic configuration parameters.
type Params map[string]string

// NewFromConfigString create params from user's configuration string.
// See GetParamOr and PopParamOr to parse values from this map.
func NewFromConfigString(config string) Params {
	params := make(Params)
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		subParts := strings.SplitN(part, "=", 2) // Split into up to 2 parts to handle '=' in values
		if len(subParts) == 1 {
			params[subParts[0]] = ""
		} else {
			params[subParts[0]] = subParts[1]
		}
	}
	return params
}

// NewFromYAML parses a YAML document with a mapping of keys to scalar values.
// Nested mappings are flattened with "." joining the keys: {gomlx: {learning_rate: 0.01}} becomes
// "gomlx.learning_rate=0.01".
func NewFromYAML(data []byte) (Params, error) {
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, errors.Wrap(err, "failed to parse YAML configuration")
	}
	params := make(Params)
	if err := flatten(params, "", tree); err != nil {
		return nil, err
	}
	return params, nil
}

func flatten(params Params, prefix string, tree map[string]any) error {
	for key, value := range tree {
		if prefix != "" {
			key = prefix + "." + key
		}
		switch v := value.(type) {
		case map[string]any:
			if err := flatten(params, key, v); err != nil {
				return err
			}
		case []any:
			return errors.Errorf("configuration key %q: lists are not supported", key)
		case nil:
			params[key] = ""
		default:
			params[key] = fmt.Sprint(v)
		}
	}
	return nil
}

// LoadYAMLFile reads the file and parses it with NewFromYAML.
func LoadYAMLFile(filePath string) (Params, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration file %s", filePath)
	}
	params, err := NewFromYAML(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "configuration file %s", filePath)
	}
	return params, nil
}

// Merge the given params into a new Params. Later values override earlier ones.
func Merge(all ...Params) Params {
	merged := make(Params)
	for _, params := range all {
		for key, value := range params {
			merged[key] = value
		}
	}
	return merged
}

// Sub returns the params prefixed with "<prefix>.", with the prefix removed.
// They are popped from params.
func Sub(params Params, prefix string) Params {
	sub := make(Params)
	prefix += "."
	for key, value := range params {
		if strings.HasPrefix(key, prefix) {
			sub[strings.TrimPrefix(key, prefix)] = value
			delete(params, key)
		}
	}
	return sub
}

// CheckAllUsed returns an error listing the remaining keys, if params is not empty.
// Use it after popping all known parameters.
func CheckAllUsed(params Params, owner string) error {
	if len(params) == 0 {
		return nil
	}
	var keys []string
	for key := range generics.SortedKeys(params) {
		keys = append(keys, key)
	}
	return errors.Errorf("unknown parameter(s) for %s: %q", owner, keys)
}

// PopParamOr is like GetParamOr, but it also deletes from the params map the retrieved parameter.
func PopParamOr[T interface {
	bool | int | float32 | float64 | string
}](params Params, key string, defaultValue T) (T, error) {
	value, err := GetParamOr(params, key, defaultValue)
	if err != nil {
		return value, err
	}
	delete(params, key)
	return value, nil
}

// GetParamOr attempts to parse a parameter to the given type if the key is present, or returns the defaultValue
// if not.
//
// For bool types, a key without a value is interpreted as true.
func GetParamOr[T interface {
	bool | int | float32 | float64 | string
}](params Params, key string, defaultValue T) (T, error) {
	vAny := (any)(defaultValue)
	var t T
	toT := func(v any) T { return v.(T) }
	switch vAny.(type) {
	case string:
		if value, exists := params[key]; exists {
			return toT(value), nil
		}
	case int:
		if value, exists := params[key]; exists && value != "" {
			parsedValue, err := strconv.Atoi(value)
			if err != nil {
				return t, errors.Wrapf(err, "failed to parse configuration %s=%q to int", key, value)
			}
			return toT(parsedValue), nil
		}
	case float32:
		if value, exists := params[key]; exists && value != "" {
			parsedValue, err := strconv.ParseFloat(value, 32)
			if err != nil {
				return t, errors.Wrapf(err, "failed to parse configuration %s=%q to float", key, value)
			}
			return toT(float32(parsedValue)), nil
		}
	case float64:
		if value, exists := params[key]; exists && value != "" {
			parsedValue, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return t, errors.Wrapf(err, "failed to parse configuration %s=%q to float", key, value)
			}
			return toT(parsedValue), nil
		}
	case bool:
		if value, exists := params[key]; exists {
			if value == "" || strings.ToLower(value) == "true" || value == "1" { // Empty value is considered "true"
				return toT(true), nil
			}
			if strings.ToLower(value) == "false" || value == "0" {
				return toT(false), nil
			}
			return defaultValue, errors.Errorf("failed to parse configuration %s=%q to bool", key, value)
		}
	}
	return defaultValue, nil
}
