// Package wait provides a condition-polling primitive: block until a
// ConditionFunc reports true, a retry/timeout budget is exhausted, or the
// caller's context is canceled. Trimmed from presbrey-pkg/wait to the
// single readiness-wait surface the agent host actually calls
// (agent.Host.waitForRegistration) — see DESIGN.md for what was dropped
// and why.
package wait

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrTimeout           = errors.New("wait: timeout exceeded")
	ErrMaxRetriesReached = errors.New("wait: maximum retries reached")
	ErrCanceled          = errors.New("wait: operation canceled")
)

// ConditionFunc represents a function that returns true when a condition is met
type ConditionFunc func() (bool, error)

// Strategy defines the interface for wait strategies
type Strategy interface {
	Next() (time.Duration, bool)
	Reset()
}

// Options configures wait behavior
type Options struct {
	MaxRetries int
	Timeout    time.Duration
	Strategy   Strategy
	Context    context.Context
}

// DefaultOptions returns default wait options
func DefaultOptions() *Options {
	return &Options{
		MaxRetries: 10,
		Timeout:    30 * time.Second,
		Strategy:   NewFixedStrategy(1 * time.Second),
		Context:    context.Background(),
	}
}

// Until waits until the condition returns true or an error occurs
func Until(condition ConditionFunc, opts ...*Options) error {
	options := mergeOptions(opts...)

	ctx, cancel := context.WithTimeout(options.Context, options.Timeout)
	defer cancel()

	options.Strategy.Reset()
	attempts := 0

	for {
		// Check condition
		ok, err := condition()
		if err != nil {
			return fmt.Errorf("wait: condition error: %w", err)
		}
		if ok {
			return nil
		}

		// Check retry limit
		attempts++
		if options.MaxRetries > 0 && attempts >= options.MaxRetries {
			return ErrMaxRetriesReached
		}

		// Get next wait duration
		waitDuration, ok := options.Strategy.Next()
		if !ok {
			return ErrMaxRetriesReached
		}

		// Wait with context
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return ErrTimeout
			}
			return ErrCanceled
		case <-time.After(waitDuration):
			// Continue to next iteration
		}
	}
}

// mergeOptions merges provided options with defaults
func mergeOptions(opts ...*Options) *Options {
	if len(opts) == 0 || opts[0] == nil {
		return DefaultOptions()
	}
	return opts[0]
}
