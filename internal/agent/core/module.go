package core

import (
	"context"
)

// HandlerFunc handles one inbound payload.
type HandlerFunc func(ctx context.Context, payload []byte) error

type Module interface {
	Name() string

	Setup(ctx context.Context, hal HAL, sender Sender) error

	Routes() map[EventType]HandlerFunc
}

// Runner is implemented by modules with work of their own once the hub is
// connected. Run blocks until ctx is done.
type Runner interface {
	Run(ctx context.Context) error
}
