package portal

import (
	"context"
	"errors"

	"github.com/leeyy0/grantscraper/internal/grants"
)

// Noop implements grants.Portal but always fails, signalling that no browser
// is available in the current build.
type Noop struct{}

// NewNoop creates a new Noop portal.
func NewNoop() *Noop {
	return &Noop{}
}

// Start returns an error since this is a stub implementation.
func (Noop) Start(context.Context) error {
	return errors.New("browser portal not configured")
}

// Navigate returns an error since this is a stub implementation.
func (Noop) Navigate(context.Context, string) error {
	return errors.New("browser portal not configured")
}

// ExtractLinks returns an error since this is a stub implementation.
func (Noop) ExtractLinks(context.Context) ([]grants.Link, error) {
	return nil, errors.New("browser portal not configured")
}

// ScrapeDetail returns an error since this is a stub implementation.
func (Noop) ScrapeDetail(context.Context, string) (grants.Detail, error) {
	return grants.Detail{}, errors.New("browser portal not configured")
}

// Close is a no-op.
func (Noop) Close(context.Context) error {
	return nil
}
