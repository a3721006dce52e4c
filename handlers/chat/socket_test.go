package chat

import (
	"testing"
)

func TestEventArgExtractsFirstMap(t *testing.T) {
	args := eventArg([]any{map[string]any{"roomId": "r1"}, "extra"})
	if args == nil {
		t.Fatal("expected a map from the first argument")
	}
	if stringField(args, "roomId") != "r1" {
		t.Errorf("expected roomId r1, got %q", stringField(args, "roomId"))
	}
}

func TestEventArgToleratesBadInput(t *testing.T) {
	if eventArg(nil) != nil {
		t.Error("no arguments should yield nil")
	}
	if eventArg([]any{"not-a-map"}) != nil {
		t.Error("a non-map first argument should yield nil")
	}
	if stringField(nil, "roomId") != "" {
		t.Error("a nil map should yield an empty string")
	}
	if boolField(nil, "isTyping") {
		t.Error("a nil map should yield false")
	}
}

func TestFieldTypeMismatch(t *testing.T) {
	args := map[string]any{"roomId": 42, "isTyping": "yes"}
	if stringField(args, "roomId") != "" {
		t.Error("a non-string value should yield an empty string")
	}
	if boolField(args, "isTyping") {
		t.Error("a non-bool value should yield false")
	}
}
