package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Get returns the raw value under the dotted key k, or nil.
func (c *C) Get(k string) any {
	return lookup(c.Settings, k)
}

// IsSet reports whether k has a value.
func (c *C) IsSet(k string) bool {
	return c.Get(k) != nil
}

func lookup(v any, k string) any {
	for k != "" {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}

		var part string
		part, k, _ = strings.Cut(k, ".")
		if v, ok = m[part]; !ok {
			return nil
		}
	}
	return v
}

// scalar returns the value under k formatted as a string.
func (c *C) scalar(k string) (string, bool) {
	v := c.Get(k)
	if v == nil {
		return "", false
	}
	return fmt.Sprint(v), true
}

// GetString returns the value under k as a string, or d if it is not set.
func (c *C) GetString(k, d string) string {
	s, ok := c.scalar(k)
	if !ok {
		return d
	}
	return s
}

// GetInt returns the value under k as an int, or d if it is not set or not a
// whole number.
func (c *C) GetInt(k string, d int) int {
	s, ok := c.scalar(k)
	if !ok {
		return d
	}

	v, err := strconv.Atoi(s)
	if err != nil {
		return d
	}
	return v
}

// GetUint32 is GetInt for register sized values. Hex strings are accepted.
func (c *C) GetUint32(k string, d uint32) uint32 {
	return uint32(c.getUint(k, uint64(d), 32))
}

// GetUint64 is GetInt for bus addresses. Hex strings are accepted.
func (c *C) GetUint64(k string, d uint64) uint64 {
	return c.getUint(k, d, 64)
}

func (c *C) getUint(k string, d uint64, bits int) uint64 {
	s, ok := c.scalar(k)
	if !ok {
		return d
	}

	v, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return d
	}
	return v
}

// GetBool returns the value under k as a bool, or d if it is not set or not
// understood. y, yes, n and no are accepted in any case.
func (c *C) GetBool(k string, d bool) bool {
	s, ok := c.scalar(k)
	if !ok {
		return d
	}

	s = strings.ToLower(s)
	switch s {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	}

	v, err := strconv.ParseBool(s)
	if err != nil {
		return d
	}
	return v
}

// GetDuration returns the value under k as a duration, or d if it is not set
// or not understood.
func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	s, ok := c.scalar(k)
	if !ok {
		return d
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return d
	}
	return v
}

// GetBytes returns the byte size under k, a plain number or a human readable
// size such as "9KiB", or d if it is not set. Unlike the other getters a value
// that can not be used is an error, a buffer size silently replaced by its
// default is too easy to miss.
func (c *C) GetBytes(k string, d int) (int, error) {
	s, ok := c.scalar(k)
	if !ok || s == "" {
		return d, nil
	}

	v, err := humanize.ParseBytes(s)
	if err != nil {
		return d, fmt.Errorf("%s was not understood: %w", k, err)
	}
	if v > math.MaxInt32 {
		return d, fmt.Errorf("%s is too large: %s", k, s)
	}
	return int(v), nil
}
