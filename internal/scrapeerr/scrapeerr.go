// Package scrapeerr is the error taxonomy shared by the sweep driver,
// adapters and the fetcher. Errors are classified with errors.Is.
package scrapeerr

import (
	"errors"
	"fmt"
)

var (
	// Config is a startup error: missing credentials, unknown retailer, bad store id.
	Config = errors.New("config")
	// Fatal aborts the sweep, e.g. repeated authentication failures.
	Fatal = errors.New("fatal")
	// Blocked means bot protection answered instead of the retailer.
	Blocked = errors.New("blocked")
	// RateLimited means the retailer kept throttling after retries.
	RateLimited = errors.New("rate limited")
	// Transient means a network failure or 5xx that outlived retries.
	Transient = errors.New("transient")
	// Parse means a record could not be normalized.
	Parse = errors.New("parse")
	// Storage means a datastore operation failed.
	Storage = errors.New("storage")
)

var kinds = []error{Config, Fatal, Blocked, RateLimited, Transient, Parse, Storage}

// Wrap tags err with kind.
func Wrap(kind, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// Errorf is fmt.Errorf with the result tagged with kind.
func Errorf(kind error, format string, args ...any) error {
	return Wrap(kind, fmt.Errorf(format, args...))
}

// Kind returns the first kind err is tagged with, or nil.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Terminal reports whether err should stop the sweep.
func Terminal(err error) bool {
	return errors.Is(err, Fatal) || errors.Is(err, Config)
}
