// Package connector bridges application message streams and MQTT brokers.
//
// Channels are configured by name. An incoming channel is a Source: it
// subscribes to a topic filter when the first Stream is opened and delivers
// each publish to the application with Ack and Nack callbacks. An outgoing
// channel is a Sink: Run drains an application channel of OutboundMessage
// values and publishes them one at a time, acknowledging each message once
// the broker confirms it.
//
// # Failure strategies
//
// A Nack on an incoming message is handled by the channel's strategy:
//
//   - fail (default): every stream of the source ends with ErrSourceFailed
//     and the subscription is removed
//   - ignore: the Nack is logged and delivery continues
//
// Outgoing failures never stop a Sink; the message is nacked and the next
// one is published.
//
// # Health
//
// Connector aggregates channel state into readiness (subscribed or
// connected) and liveness (nothing terminally failed, optionally confirmed
// by an active ping/pong probe through the broker). An optional
// StatusReporter publishes the readiness report as a retained message,
// backed by a Last Will that marks the bridge offline.
//
// Usage:
//
//	c, err := connector.New(cfg, connector.Deps{Logger: log})
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	src, _ := c.Source("sensors")
//	stream, err := src.Stream(ctx)
//	for {
//	    msg, err := stream.Next(ctx)
//	    if err != nil {
//	        break
//	    }
//	    handle(msg)
//	    msg.Ack()
//	}
package connector
