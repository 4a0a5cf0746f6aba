// Package transports defines the carrier boundary. A transport turns carrier webhooks and
// media sockets into frames for the session manager, and carries frames back out.
package transports

import (
	"context"

	"github.com/harunnryd/callorch/pkg/frames"
	"github.com/harunnryd/callorch/pkg/metadata"
)

type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	// Recv yields ring, media, and hangup frames for every live call. It closes on Stop.
	Recv() <-chan frames.Frame
	// Send routes an outbound frame by its call id.
	Send(frames.Frame) error
}

// OutboundDialer places an outbound call whose ring carries the dispatch metadata back to
// admission.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from string, dispatch metadata.Dispatch) (callSID string, err error)
}
