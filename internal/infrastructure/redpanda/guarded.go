package redpanda

import (
	"context"

	"github.com/drfirst/clinic-ledger/pkg/circuitbreaker"
)

// GuardedPublisher publishes through a circuit breaker. While the circuit is
// open Publish fails fast with an error wrapping circuitbreaker.ErrOpen.
type GuardedPublisher struct {
	publisher Publisher
	breaker   *circuitbreaker.CircuitBreaker
}

// NewGuardedPublisher wraps publisher with breaker
func NewGuardedPublisher(publisher Publisher, breaker *circuitbreaker.CircuitBreaker) *GuardedPublisher {
	return &GuardedPublisher{publisher: publisher, breaker: breaker}
}

// Publish sends one record through the breaker
func (g *GuardedPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.publisher.Publish(ctx, topic, key, value)
	})
}
