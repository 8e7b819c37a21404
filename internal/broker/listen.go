package broker

import (
	"context"
	"fmt"
	"net"
)

// Run binds port and serves the broker until ctx is cancelled. It matches
// engine.Proc's signature so it can be handed straight to an engine.ProcMgr.
func (b *Broker) Run(port int) func(context.Context) error {
	return func(ctx context.Context) error {
		ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
		if err != nil {
			return fmt.Errorf("binding local mqtt broker: %w", err)
		}

		go func() {
			<-ctx.Done()
			ln.Close()
		}()

		return b.Serve(ctx, ln)
	}
}
