package connector

import (
	"fmt"
	"strings"
)

// FailureStrategy decides what a negative acknowledgement does to a Source.
type FailureStrategy string

const (
	// FailureFail terminates the source on the first Nack.
	FailureFail FailureStrategy = "fail"

	// FailureIgnore logs the Nack and keeps the source running.
	FailureIgnore FailureStrategy = "ignore"
)

// ParseFailureStrategy parses a strategy name case-insensitively.
// An empty name means FailureFail.
func ParseFailureStrategy(s string) (FailureStrategy, error) {
	switch FailureStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", FailureFail:
		return FailureFail, nil
	case FailureIgnore:
		return FailureIgnore, nil
	default:
		return "", fmt.Errorf("%w: %q (must be %q or %q)", ErrUnknownFailureStrategy, s, FailureFail, FailureIgnore)
	}
}

// ackPolicy handles a Nack on behalf of a Source.
type ackPolicy interface {
	nack(src *Source, msg *InboundMessage, cause error)
}

func newAckPolicy(s FailureStrategy) (ackPolicy, error) {
	switch s {
	case FailureFail:
		return failPolicy{}, nil
	case FailureIgnore:
		return ignorePolicy{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFailureStrategy, s)
	}
}

type failPolicy struct{}

func (failPolicy) nack(src *Source, msg *InboundMessage, cause error) {
	src.logger.Error("message nacked, failing source",
		"channel", src.cfg.Name,
		"topic", msg.Topic,
		"error", cause,
	)
	src.fail(cause)
}

type ignorePolicy struct{}

func (ignorePolicy) nack(src *Source, msg *InboundMessage, cause error) {
	src.logger.Warn("message nacked, ignoring",
		"channel", src.cfg.Name,
		"topic", msg.Topic,
		"error", cause,
	)
}
