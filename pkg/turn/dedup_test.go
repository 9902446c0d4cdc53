package turn

import "testing"

func TestNearDuplicate(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"hello", "hello", true},
		{"Hello ", "hello", true},
		{"turn on the", "turn on the x", true},
		{"turn on the light", "turn on the lights", true},
		{"turn on", "turn on the light", false},
		{"hello", "goodbye", false},
		{"", "", false},
		{"hello", "", false},
	}
	for _, tc := range cases {
		if got := nearDuplicate(tc.a, tc.b, 5); got != tc.want {
			t.Fatalf("nearDuplicate(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestCoalesce(t *testing.T) {
	cases := []struct {
		pending, next, want string
	}{
		{"", "hello", "hello"},
		{"hello", "hello", "hello"},
		{"turn on the", "turn on the light", "turn on the light"},
		{"turn on the light", "turn on the", "turn on the light"},
		{"good morning", "how are you", "good morning how are you"},
		{"hello", "  ", "hello"},
	}
	for _, tc := range cases {
		if got := coalesce(tc.pending, tc.next); got != tc.want {
			t.Fatalf("coalesce(%q, %q) = %q, want %q", tc.pending, tc.next, got, tc.want)
		}
	}
}

func TestParseInterlockPolicy(t *testing.T) {
	if p, err := ParseInterlockPolicy("barge_in"); err != nil || p != BargeInAllowed {
		t.Fatalf("expected barge_in, got %v %v", p, err)
	}
	if p, err := ParseInterlockPolicy(""); err != nil || p != SuspendMicWhileSpeaking {
		t.Fatalf("expected default suspend_mic, got %v %v", p, err)
	}
	if _, err := ParseInterlockPolicy("sometimes"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
