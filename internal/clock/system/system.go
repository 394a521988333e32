// Package system provides the wall clock used outside tests.
package system

import (
	"context"
	"time"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

// Clock implements crawler.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Sleep blocks for d or until ctx is done. It satisfies crawler.SleepFunc.
func (Clock) Sleep(ctx context.Context, d time.Duration) error {
	return crawler.SleepContext(ctx, d)
}
