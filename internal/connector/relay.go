package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-mqtt/internal/infrastructure/config"
)

// RunRoutes relays incoming channels into outgoing channels until ctx is
// done or a route fails.
//
// Each outgoing channel runs once and is shared by every route that targets
// it. An inbound message is acknowledged when its relayed publish is, and
// nacked with the publish error otherwise, so the incoming channel's failure
// strategy decides whether a failed publish ends the route. The first route
// or sink error stops every route and is returned; cancellation of ctx
// returns nil.
func (c *Connector) RunRoutes(ctx context.Context, routes []config.RouteConfig) error {
	if len(routes) == 0 {
		return nil
	}

	inputs := make(map[string]chan *OutboundMessage)
	for _, rt := range routes {
		if _, err := c.Source(rt.From); err != nil {
			return err
		}
		if _, err := c.Sink(rt.To); err != nil {
			return err
		}
		if _, ok := inputs[rt.To]; !ok {
			inputs[rt.To] = make(chan *OutboundMessage)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, name := range sortedNames(inputs) {
		sink, in := c.sinks[name], inputs[name]
		g.Go(func() error {
			return sink.Run(gctx, in)
		})
	}

	var relays sync.WaitGroup
	for _, rt := range routes {
		relays.Add(1)
		src, out := c.sources[rt.From], inputs[rt.To]
		g.Go(func() error {
			defer relays.Done()
			return c.relay(gctx, rt, src, out)
		})
	}

	// Sinks finish once every route feeding them has ended.
	g.Go(func() error {
		relays.Wait()
		for _, in := range inputs {
			close(in)
		}
		return nil
	})

	c.logger.Info("routes running", "routes", describeRoutes(routes))

	err := g.Wait()
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

func (c *Connector) relay(ctx context.Context, rt config.RouteConfig, src *Source, out chan<- *OutboundMessage) error {
	st, err := src.Stream(ctx)
	if err != nil {
		return fmt.Errorf("route %s -> %s: %w", rt.From, rt.To, err)
	}
	defer st.Cancel()

	for {
		msg, err := st.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("route %s -> %s: %w", rt.From, rt.To, err)
		}

		opts := []OutboundOption{WithAck(msg.Ack), WithNack(msg.Nack)}
		if rt.PreserveTopic {
			opts = append(opts, WithTopic(msg.Topic))
		}

		select {
		case out <- NewOutboundMessage(msg.Payload, opts...):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func describeRoutes(routes []config.RouteConfig) []string {
	out := make([]string, 0, len(routes))
	for _, rt := range routes {
		out = append(out, rt.From+" -> "+rt.To)
	}
	sort.Strings(out)
	return out
}
