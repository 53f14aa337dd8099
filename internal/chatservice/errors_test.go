package chatservice

import (
	"errors"
	"testing"
)

func TestParseFloodWaitCodeForm(t *testing.T) {
	sec, ok := parseFloodWaitText("rpc error: FLOOD_WAIT_17 (400)")
	if !ok || sec != 17 {
		t.Fatalf("parseFloodWaitText(FLOOD_WAIT_17) = (%d, %v), want (17, true)", sec, ok)
	}
}

func TestParseFloodWaitEnglishForm(t *testing.T) {
	sec, ok := parseFloodWaitText("A wait of 42 seconds is required (caused by messages.forwardMessages)")
	if !ok || sec != 42 {
		t.Fatalf("parseFloodWaitText(english) = (%d, %v), want (42, true)", sec, ok)
	}
}

func TestParseFloodWaitTextNoMatch(t *testing.T) {
	if _, ok := parseFloodWaitText("some unrelated error"); ok {
		t.Fatal("expected no FLOOD_WAIT match for unrelated text")
	}
}

func TestClassifyTransientSubstrings(t *testing.T) {
	got := Classify(errors.New("dial tcp: i/o timeout"))
	if got.Kind != KindTransient {
		t.Fatalf("Classify(io timeout) = %v, want %v", got.Kind, KindTransient)
	}
}

func TestClassifyNilIsOther(t *testing.T) {
	if got := Classify(nil); got.Kind != KindOther {
		t.Fatalf("Classify(nil) = %v, want %v", got.Kind, KindOther)
	}
}
