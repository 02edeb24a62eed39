package core

import (
	"context"
)

type Sender interface {
	Send(ctx context.Context, event EventType, payload []byte) error
}
