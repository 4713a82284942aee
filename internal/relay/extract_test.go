package relay

import (
	"testing"
)

func TestExtractInvocationsFromAnswerText(t *testing.T) {
	text := `I'll check that. {"name":"get_weather","arguments":{"city":"Oslo"}}`
	calls, cleaned := ExtractInvocations(text)

	if len(calls) != 1 {
		t.Fatalf("extracted %d calls, want 1", len(calls))
	}
	if calls[0].Name != "get_weather" {
		t.Errorf("name = %q, want get_weather", calls[0].Name)
	}
	if calls[0].Arguments != `{"city":"Oslo"}` {
		t.Errorf("arguments = %q", calls[0].Arguments)
	}
	if cleaned != "I'll check that." {
		t.Errorf("cleaned = %q", cleaned)
	}
}

func TestExtractInvocationsMultiple(t *testing.T) {
	text := `{"name":"a","arguments":{}} and {"name":"b","arguments":{"k":2}}`
	calls, cleaned := ExtractInvocations(text)

	if len(calls) != 2 {
		t.Fatalf("extracted %d calls, want 2", len(calls))
	}
	if calls[0].Name != "a" || calls[1].Name != "b" {
		t.Errorf("names = %q, %q", calls[0].Name, calls[1].Name)
	}
	if cleaned != "and" {
		t.Errorf("cleaned = %q, want %q", cleaned, "and")
	}
}

func TestExtractInvocationsNoCandidates(t *testing.T) {
	text := "just a plain answer with {braces} but no invocations"
	calls, cleaned := ExtractInvocations(text)
	if len(calls) != 0 {
		t.Fatalf("extracted %d calls, want 0", len(calls))
	}
	if cleaned != text {
		t.Errorf("cleaned = %q, want input unchanged", cleaned)
	}
}

func TestExtractInvocationsUnbalancedPreserved(t *testing.T) {
	text := `truncated: {"name":"f","arguments":{"x":`
	calls, cleaned := ExtractInvocations(text)
	if len(calls) != 0 {
		t.Fatalf("extracted %d calls from truncated object, want 0", len(calls))
	}
	if cleaned != text {
		t.Errorf("cleaned = %q, want input preserved", cleaned)
	}
}

func TestExtractInvocationsInvalidCandidatePreserved(t *testing.T) {
	text := `{"name":not-json}`
	calls, cleaned := ExtractInvocations(text)
	if len(calls) != 0 {
		t.Fatalf("extracted %d calls, want 0", len(calls))
	}
	if cleaned != text {
		t.Errorf("cleaned = %q, want input preserved", cleaned)
	}
}

func TestBalancedObjectHonorsStrings(t *testing.T) {
	span, ok := balancedObject(`{"name":"has } brace","arguments":{}} trailing`)
	if !ok {
		t.Fatal("balancedObject failed on valid object")
	}
	want := `{"name":"has } brace","arguments":{}}`
	if span != want {
		t.Errorf("span = %q, want %q", span, want)
	}
}
