package echocanceller

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Args are engine-specific parameters in the "key=value key2=value2" form.
type Args map[string]string

func ParseArgs(s string) (Args, error) {
	args := Args{}
	for _, field := range strings.Fields(s) {
		key, value, ok := strings.Cut(field, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid engine argument '%s', expected key=value", field)
		}
		if _, ok := args[key]; ok {
			return nil, fmt.Errorf("engine argument '%s' is set twice", key)
		}
		args[key] = value
	}
	return args, nil
}

func (a Args) String() string {
	keys := make([]string, 0, len(a))
	for key := range a {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	for idx, key := range keys {
		if idx > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%s", key, a[key])
	}
	return b.String()
}

// CheckKnown returns an error if there is an argument not in known.
func (a Args) CheckKnown(known ...string) error {
	for key := range a {
		found := false
		for _, k := range known {
			if k == key {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unknown engine argument '%s'", key)
		}
	}
	return nil
}

func getArg[T any](a Args, key string, defaultValue T, parse func(string) (T, error)) (T, error) {
	s, ok := a[key]
	if !ok {
		return defaultValue, nil
	}
	v, err := parse(s)
	if err != nil {
		return defaultValue, fmt.Errorf("unable to parse engine argument '%s'='%s': %w", key, s, err)
	}
	return v, nil
}

func (a Args) Float(key string, defaultValue float64) (float64, error) {
	return getArg(a, key, defaultValue, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

func (a Args) Uint(key string, defaultValue uint) (uint, error) {
	return getArg(a, key, defaultValue, func(s string) (uint, error) {
		v, err := strconv.ParseUint(s, 10, 0)
		return uint(v), err
	})
}

func (a Args) Bool(key string, defaultValue bool) (bool, error) {
	return getArg(a, key, defaultValue, strconv.ParseBool)
}

func (a Args) Duration(key string, defaultValue time.Duration) (time.Duration, error) {
	return getArg(a, key, defaultValue, time.ParseDuration)
}
