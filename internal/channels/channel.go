// Package channels holds the transport adapters that feed the pipeline:
// today only Telegram. The HTTP bridge lives in internal/gateway because
// it shares the health and metrics surfaces.
package channels

import (
	"context"

	"github.com/almacen/mayordomo/internal/pipeline"
)

// Channel is a long-running ingress transport. Start blocks until ctx is
// cancelled; transient transport failures are retried internally.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
}

// Sink receives inbound messages from a channel. Implemented by the
// pipeline; narrowed to an interface so channel tests run without one.
type Sink interface {
	Submit(msg pipeline.Inbound) error
}
