package ocrpii

import "context"

// NoopScrubber returns text unchanged. Test double only; no real PII
// filtering ships in this core.
type NoopScrubber struct{}

func (NoopScrubber) Scrub(_ context.Context, text string) (string, error) {
	return text, nil
}

// StubExtractor returns a fixed text/confidence pair regardless of input.
// Test double only; no real OCR engine ships in this core.
type StubExtractor struct {
	Text       string
	Confidence float64
}

func (s StubExtractor) Extract(_ context.Context, _ []byte, _ string) (string, float64, error) {
	return s.Text, s.Confidence, nil
}
