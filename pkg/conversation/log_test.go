package conversation

import "testing"

func TestLogKeepsOrderAndFillsIDs(t *testing.T) {
	log := NewLog(0)
	first := log.Append(Utterance{Text: "hello", Origin: OriginUser})
	log.Append(NewUtterance(OriginBot, "  hi there  "))

	entries := log.Entries()
	if len(entries) != 2 || log.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if first.ID == "" || first.Timestamp.IsZero() {
		t.Fatalf("expected id and timestamp to be filled: %+v", first)
	}
	if entries[0].Origin != OriginUser || entries[1].Text != "hi there" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	entries[0].Text = "mutated"
	if log.Entries()[0].Text != "hello" {
		t.Fatalf("Entries must return a copy")
	}
}

func TestLogLimitAndLast(t *testing.T) {
	log := NewLog(2)
	log.Append(NewUtterance(OriginUser, "one"))
	log.Append(NewUtterance(OriginBot, "two"))
	log.Append(NewUtterance(OriginUser, "three"))

	entries := log.Entries()
	if len(entries) != 2 || entries[0].Text != "two" {
		t.Fatalf("expected oldest entry trimmed, got %+v", entries)
	}
	if u, ok := log.Last(OriginUser); !ok || u.Text != "three" {
		t.Fatalf("unexpected last user utterance: %+v", u)
	}
	log.Clear()
	if log.Len() != 0 {
		t.Fatalf("expected empty log after Clear")
	}
	if _, ok := log.Last(OriginBot); ok {
		t.Fatalf("expected no bot utterance after Clear")
	}
}
