package ocrpii

import (
	"context"
	"testing"
)

func TestNoopScrubberReturnsInputUnchanged(t *testing.T) {
	got, err := NoopScrubber{}.Scrub(context.Background(), "patient name: Jane Doe")
	if err != nil {
		t.Fatalf("Scrub() error = %v", err)
	}
	if got != "patient name: Jane Doe" {
		t.Fatalf("Scrub() = %q, want input unchanged", got)
	}
}

func TestStubExtractorReturnsFixedValues(t *testing.T) {
	ex := StubExtractor{Text: "fever and chills", Confidence: 0.92}
	text, confidence, err := ex.Extract(context.Background(), []byte("irrelevant"), "application/pdf")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if text != "fever and chills" || confidence != 0.92 {
		t.Fatalf("Extract() = (%q, %v), want (%q, %v)", text, confidence, "fever and chills", 0.92)
	}
}
