// Package relay dials the session channels through a manually configured
// relay endpoint. The relay is an external service; on the wire the channels
// behave exactly like the LAN pair, only the link kind differs so policy and
// status reporting can tell them apart.
package relay

import (
	"context"
	"errors"

	"aircast/pkg/transport"
	"aircast/pkg/transport/lan"
)

// Dialer opens channel pairs against a relay address.
type Dialer struct {
	inner *lan.Dialer
}

func New() *Dialer {
	return &Dialer{inner: &lan.Dialer{LinkKind: transport.KindRelay}}
}

func (d *Dialer) Kind() transport.Kind { return transport.KindRelay }

func (d *Dialer) Dial(ctx context.Context, ep transport.Endpoint) (*transport.ChannelPair, error) {
	if ep.Host == "" {
		return nil, errors.New("relay: no relay address configured")
	}
	return d.inner.Dial(ctx, ep)
}
