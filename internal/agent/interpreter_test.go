package agent

import "testing"

func TestInterpret(t *testing.T) {
	tests := []struct {
		name       string
		prevAsked  bool
		completion string
		want       Interpretation
	}{
		{
			name:       "empty",
			prevAsked:  true,
			completion: "  \n",
			want:       Interpretation{Empty: true, RecordAnswer: true},
		},
		{
			name:       "plain reply",
			completion: "We open at nine.",
			want:       Interpretation{Content: "We open at nine."},
		},
		{
			name:       "intake question",
			completion: "What's your budget? (complete)",
			want:       Interpretation{Content: "What's your budget?", AsksIntake: true},
		},
		{
			name:       "answer to previous question",
			prevAsked:  true,
			completion: "Thanks!",
			want:       Interpretation{RecordAnswer: true, Content: "Thanks!"},
		},
		{
			name:       "hand-off wins over link",
			completion: "This is beyond me, see https://x.test (realtime)",
			want:       Interpretation{HandOff: true, Content: "This is beyond me, see https://x.test"},
		},
		{
			name:       "hand-off marker only",
			prevAsked:  true,
			completion: "(realtime)",
			want:       Interpretation{HandOff: true, RecordAnswer: true},
		},
		{
			name:       "link with trailing punctuation",
			completion: "Pay here: https://p.test/portal/d/payment/c).",
			want:       Interpretation{Content: linkMessage, Link: "https://p.test/portal/d/payment/c"},
		},
		{
			name:       "marker case is ignored",
			completion: "When? (Complete)",
			want:       Interpretation{Content: "When?", AsksIntake: true},
		},
		{
			name:       "completion marker only",
			completion: "(complete)",
			want:       Interpretation{Empty: true},
		},
		{
			name:       "marker only still answers previous question",
			prevAsked:  true,
			completion: " (complete) ",
			want:       Interpretation{Empty: true, RecordAnswer: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Interpret(tt.prevAsked, tt.completion)
			if got != tt.want {
				t.Fatalf("Interpret(%v, %q) = %+v, want %+v", tt.prevAsked, tt.completion, got, tt.want)
			}
		})
	}
}

func TestStripMarkersNeverLeavesMarkers(t *testing.T) {
	inputs := []string{
		"a (complete) b (realtime)",
		"(realtime)(complete)",
		"Q? (COMPLETE)\n",
	}
	for _, in := range inputs {
		out := StripMarkers(in)
		if HasCompletionMarker(out) || handOffPattern.MatchString(out) {
			t.Fatalf("StripMarkers(%q) = %q still has a marker", in, out)
		}
	}
}

func TestPersistedIncludesLink(t *testing.T) {
	in := Interpretation{Content: linkMessage, Link: "https://x.test"}
	if got := in.Persisted(); got != linkMessage+" https://x.test" {
		t.Fatalf("Persisted() = %q", got)
	}
}
