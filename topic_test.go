package ledgertwin_test

import (
	"testing"

	. "github.com/go-digitaltwin/ledgertwin"
)

func TestTopicFor(t *testing.T) {
	tests := []struct{ Subject, Want string }{
		{"alice", "bank/alice/events"},
		{"a/b", "bank/a_b/events"},
		{"+#", "bank/__/events"},
	}
	for _, tt := range tests {
		if got := TopicFor(DefaultNamespace, tt.Subject); got != tt.Want {
			t.Errorf("TopicFor(%q) = %q, want %q", tt.Subject, got, tt.Want)
		}
	}
}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		Filter, Topic string
		Want          bool
	}{
		{"bank/+/events", "bank/alice/events", true},
		{"bank/+/events", "bank/alice/other", false},
		{"bank/+/events", "bank/events", false},
		{"bank/+/events", "bank/a/b/events", false},
		{"bank/#", "bank/alice/events", true},
		{"bank/#", "bank", true},
		{"bank/#/events", "bank/alice/events", false},
		{"bank/alice/events", "bank/alice/events", true},
	}
	for _, tt := range tests {
		if got := MatchTopic(tt.Filter, tt.Topic); got != tt.Want {
			t.Errorf("MatchTopic(%q, %q) = %v, want %v", tt.Filter, tt.Topic, got, tt.Want)
		}
	}
	for _, subject := range []string{"alice", "a/b", "x+y"} {
		topic := TopicFor("bank", subject)
		if !MatchTopic(WildcardTopic("bank"), topic) {
			t.Errorf("WildcardTopic does not match %q", topic)
		}
	}
}
