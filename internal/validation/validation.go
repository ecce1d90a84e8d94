// Package validation holds the configuration sanity checks shared by the
// master and worker CLI launchers.
package validation

import (
	"errors"
	"fmt"
	"net"
)

var (
	ErrInvalidAddr      = errors.New("invalid listen address")
	ErrEmptyString      = errors.New("value must not be empty")
	ErrOutOfRange       = errors.New("value out of range")
	ErrInvalidThreshold = errors.New("threshold must be in (0,1]")
)

// ValidateAddr checks that addr parses as a host:port TCP address.
func ValidateAddr(addr string) error {
	if addr == "" {
		return ErrInvalidAddr
	}
	_, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddr, err)
	}
	return nil
}

// ValidateStringNonEmpty rejects the empty string.
func ValidateStringNonEmpty(s string) error {
	if s == "" {
		return ErrEmptyString
	}
	return nil
}

// ValidateRangeInt checks v falls within [min,max] inclusive.
func ValidateRangeInt(v, min, max int) error {
	if v < min || v > max {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrOutOfRange, v, min, max)
	}
	return nil
}

// ValidateThreshold checks a quorum threshold falls in (0,1].
func ValidateThreshold(name string, v float64) error {
	if v <= 0 || v > 1 {
		return fmt.Errorf("%s: %w (got %v)", name, ErrInvalidThreshold, v)
	}
	return nil
}
