// Package schema implements the cooperative, timeout-bounded waits the
// delegator's pre-flight needs (spec §4.E, §5 suspension points):
// wait_until_schema_available and wait_version_state_available. Both poll a
// boolean condition at a fixed interval until it becomes true or a
// configured timeout elapses.
//
// The final wait is implemented on top of
// github.com/joeycumines/go-longpoll's Channel helper: a background ticker
// goroutine evaluates the predicate and signals a single value on success,
// which Channel then waits to receive (bounded by ctx), adapting its
// "receive N values with a partial timeout" shape to "receive one
// true-predicate signal with a hard timeout" (DESIGN.md).
package schema

import (
	"context"
	"fmt"
	"time"

	"github.com/joeycumines/go-longpoll"
)

// Registry is the narrow SchemaRegistry collaborator (spec §6).
type Registry interface {
	IsSchemaKnown(schemaID int32) bool
}

// Poller polls a Registry (or an arbitrary predicate, for store-version
// state) at a fixed delay, bounded by a timeout.
type Poller struct {
	timeout time.Duration
	delay   time.Duration
}

// NewPoller constructs a Poller using the configured
// SCHEMA_POLLING_TIMEOUT_MS / SCHEMA_POLLING_DELAY_MS bounds (spec §6).
func NewPoller(timeout, delay time.Duration) *Poller {
	return &Poller{timeout: timeout, delay: delay}
}

// WaitUntilSchemaAvailable blocks until registry reports schemaID known, or
// the configured timeout elapses, per spec §4.E's pre-flight: "poll a schema
// registry until the id is known or a configured timeout elapses; on
// timeout, fail."
func (p *Poller) WaitUntilSchemaAvailable(ctx context.Context, registry Registry, schemaID int32) error {
	if err := waitUntil(ctx, p.timeout, p.delay, func() bool { return registry.IsSchemaKnown(schemaID) }); err != nil {
		return fmt.Errorf("schema: schema id %d not available after %s: %w", schemaID, p.timeout, err)
	}
	return nil
}

// WaitVersionStateAvailable blocks until available reports true, or the
// configured timeout elapses, per spec §5's suspension point of the same
// name.
func (p *Poller) WaitVersionStateAvailable(ctx context.Context, available func() bool) error {
	if err := waitUntil(ctx, p.timeout, p.delay, available); err != nil {
		return fmt.Errorf("schema: store-version state not available after %s: %w", p.timeout, err)
	}
	return nil
}

// waitUntil polls predicate at the given delay, returning nil as soon as it
// reports true, or ctx.Err() (wrapped as context.DeadlineExceeded, via the
// derived bounded context) once timeout elapses first.
func waitUntil(ctx context.Context, timeout, delay time.Duration, predicate func() bool) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if predicate() {
		return nil
	}

	signal := make(chan struct{}, 1)
	ticker := time.NewTicker(delay)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if predicate() {
					select {
					case signal <- struct{}{}:
					default:
					}
					return
				}
			}
		}
	}()

	return longpoll.Channel(ctx, &longpoll.ChannelConfig{MaxSize: 1, MinSize: 1}, signal, func(struct{}) error {
		return nil
	})
}
