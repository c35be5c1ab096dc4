package mqtt

import (
	"fmt"
	"strings"
)

// Topic wildcard and separator characters.
const (
	// MultiLevelWildcard matches the parent level and any number of child levels.
	MultiLevelWildcard = "#"

	// SingleLevelWildcard matches exactly one topic level.
	SingleLevelWildcard = "+"

	// LevelSeparator separates topic levels.
	LevelSeparator = "/"

	// systemPrefix marks broker-internal topics ($SYS/...).
	systemPrefix = "$"
)

// TopicPattern is a compiled topic filter.
//
// Plain topics compare literally. Filters containing wildcards are split into
// levels once at compile time and evaluated level by level for every publish,
// so the filter text itself is never compared against a topic name.
//
//	p, _ := mqtt.CompilePattern("sensors/+/temp")
//	p.Matches("sensors/room1/temp")     // true
//	p.Matches("sensors/room1/humidity") // false
type TopicPattern struct {
	filter   string
	levels   []string
	wildcard bool
}

// CompilePattern validates a topic filter and compiles it into a matcher.
//
// Rules (MQTT 3.1.1 section 4.7):
//   - the filter must not be empty or contain NUL
//   - "#" must occupy a whole level and be the last level
//   - "+" must occupy a whole level
func CompilePattern(filter string) (*TopicPattern, error) {
	if filter == "" {
		return nil, fmt.Errorf("%w: topic filter cannot be empty", ErrInvalidTopic)
	}
	if strings.ContainsRune(filter, 0) {
		return nil, fmt.Errorf("%w: topic filter contains NUL", ErrInvalidTopic)
	}

	levels := strings.Split(filter, LevelSeparator)
	wildcard := false
	for i, level := range levels {
		switch {
		case level == MultiLevelWildcard:
			if i != len(levels)-1 {
				return nil, fmt.Errorf("%w: %q: '#' must be the last level", ErrInvalidTopic, filter)
			}
			wildcard = true
		case level == SingleLevelWildcard:
			wildcard = true
		case strings.ContainsAny(level, MultiLevelWildcard+SingleLevelWildcard):
			return nil, fmt.Errorf("%w: %q: wildcards must occupy a whole level", ErrInvalidTopic, filter)
		}
	}

	p := &TopicPattern{filter: filter, wildcard: wildcard}
	if wildcard {
		p.levels = levels
	}
	return p, nil
}

// MustCompilePattern is like CompilePattern but panics on an invalid filter.
// Intended for package-level constants and tests.
func MustCompilePattern(filter string) *TopicPattern {
	p, err := CompilePattern(filter)
	if err != nil {
		panic(err)
	}
	return p
}

// Matches reports whether a concrete topic name matches the pattern.
func (p *TopicPattern) Matches(topic string) bool {
	if !p.wildcard {
		return topic == p.filter
	}

	// Wildcards at the first level never match system topics.
	if strings.HasPrefix(topic, systemPrefix) &&
		(p.levels[0] == MultiLevelWildcard || p.levels[0] == SingleLevelWildcard) {
		return false
	}

	topicLevels := strings.Split(topic, LevelSeparator)
	for i, level := range p.levels {
		if level == MultiLevelWildcard {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if level != SingleLevelWildcard && level != topicLevels[i] {
			return false
		}
	}
	return len(topicLevels) == len(p.levels)
}

// IsWildcard reports whether the filter contains '+' or '#'.
func (p *TopicPattern) IsWildcard() bool {
	return p.wildcard
}

// String returns the original filter text.
func (p *TopicPattern) String() string {
	return p.filter
}

// ValidateTopicName checks a topic used for publishing.
// Publish topics must be non-empty and must not contain wildcards.
func ValidateTopicName(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: topic cannot be empty", ErrInvalidTopic)
	}
	if strings.ContainsAny(topic, MultiLevelWildcard+SingleLevelWildcard) {
		return fmt.Errorf("%w: %q: wildcards are not allowed in topic names", ErrInvalidTopic, topic)
	}
	if strings.ContainsRune(topic, 0) {
		return fmt.Errorf("%w: topic contains NUL", ErrInvalidTopic)
	}
	return nil
}

// ValidateQoS checks that qos is 0, 1 or 2.
func ValidateQoS(qos int) error {
	if qos < 0 || qos > maxQoS {
		return fmt.Errorf("%w: got %d", ErrInvalidQoS, qos)
	}
	return nil
}
