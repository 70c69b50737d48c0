package channel

import (
	"context"

	"tgbridge/pkg/relay"
)

// Handler takes one normalized inbound message and reports what the relay did with it.
type Handler func(context.Context, relay.Message) relay.Outcome

// Adapter bridges one external source (for example a Telegram channel) into the relay.
type Adapter interface {
	Name() string
	Run(context.Context, Handler) error
}

// Pausable is implemented by adapters that can be paused by an operator.
type Pausable interface {
	Paused() bool
}
