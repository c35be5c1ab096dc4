package mqtt

import (
	"errors"
	"testing"
)

func TestCompilePattern_Invalid(t *testing.T) {
	tests := []string{
		"",
		"a/#/b",
		"a/b#",
		"a/+b/c",
		"sport/tennis#",
		"a\x00b",
	}

	for _, filter := range tests {
		t.Run(filter, func(t *testing.T) {
			_, err := CompilePattern(filter)
			if !errors.Is(err, ErrInvalidTopic) {
				t.Errorf("CompilePattern(%q) error = %v, want ErrInvalidTopic", filter, err)
			}
		})
	}
}

func TestTopicPattern_Matches(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		// Literal topics
		{"alerts", "alerts", true},
		{"alerts", "alerts/fire", false},
		{"a.b", "aXb", false},

		// Single-level wildcard
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/d", false},
		{"a/+/c", "a/b/x/c", false},
		{"a/+/c", "a//c", true},
		{"sensors/+/temp", "sensors/room1/temp", true},
		{"sensors/+/temp", "sensors/room1/humidity", false},
		{"+", "a", true},
		{"+", "a/b", false},
		{"+/+", "/finance", true},

		// Multi-level wildcard
		{"#", "anything/at/all", true},
		{"a/#", "a", true},
		{"a/#", "a/b", true},
		{"a/#", "a/b/c", true},
		{"a/#", "b/c", false},
		{"a/+/#", "a/b", true},

		// System topics
		{"#", "$SYS/broker/load", false},
		{"+/broker/load", "$SYS/broker/load", false},
		{"$SYS/#", "$SYS/broker/load", true},
		{"$SYS/+/load", "$SYS/broker/load", true},
	}

	for _, tt := range tests {
		t.Run(tt.filter+"|"+tt.topic, func(t *testing.T) {
			p := MustCompilePattern(tt.filter)
			if got := p.Matches(tt.topic); got != tt.want {
				t.Errorf("Matches(%q) with filter %q = %v, want %v", tt.topic, tt.filter, got, tt.want)
			}
		})
	}
}

func TestTopicPattern_IsWildcard(t *testing.T) {
	if MustCompilePattern("a/b").IsWildcard() {
		t.Error("IsWildcard() = true for literal filter")
	}
	if !MustCompilePattern("a/+").IsWildcard() {
		t.Error("IsWildcard() = false for '+' filter")
	}
	if got := MustCompilePattern("a/#").String(); got != "a/#" {
		t.Errorf("String() = %q, want %q", got, "a/#")
	}
}

func TestValidateTopicName(t *testing.T) {
	tests := []struct {
		topic   string
		wantErr bool
	}{
		{"alerts", false},
		{"a/b/c", false},
		{"", true},
		{"a/+", true},
		{"a/#", true},
	}

	for _, tt := range tests {
		err := ValidateTopicName(tt.topic)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateTopicName(%q) error = %v, wantErr %v", tt.topic, err, tt.wantErr)
		}
	}
}

func TestValidateQoS(t *testing.T) {
	for _, qos := range []int{0, 1, 2} {
		if err := ValidateQoS(qos); err != nil {
			t.Errorf("ValidateQoS(%d) error = %v", qos, err)
		}
	}
	for _, qos := range []int{-1, 3} {
		if err := ValidateQoS(qos); !errors.Is(err, ErrInvalidQoS) {
			t.Errorf("ValidateQoS(%d) error = %v, want ErrInvalidQoS", qos, err)
		}
	}
}
