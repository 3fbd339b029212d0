package pipeline

import (
	"strings"

	"github.com/tidwall/gjson"
)

// RunContext is the mutable mapping threaded through a job's step
// execution. original_text and ocr_text never change across the run;
// input_text is overwritten by each non-skipped step's output.
type RunContext struct {
	values map[string]string
}

// NewRunContext seeds a run context from scrubbed OCR text and optional
// user-supplied processing options.
func NewRunContext(scrubbedText string, targetLanguage string) *RunContext {
	rc := &RunContext{values: map[string]string{
		"input_text":    scrubbedText,
		"original_text": scrubbedText,
		"ocr_text":      scrubbedText,
	}}
	if targetLanguage != "" {
		rc.values["target_language"] = targetLanguage
	}
	return rc
}

// Get returns a variable's value and whether it is present in the context.
func (rc *RunContext) Get(name string) (string, bool) {
	v, ok := rc.values[name]
	return v, ok
}

// Set assigns a variable in the context.
func (rc *RunContext) Set(name, value string) {
	rc.values[name] = value
}

// Has reports whether every name in required is present in the context.
func (rc *RunContext) Has(required []string) (missing []string) {
	for _, name := range required {
		if _, ok := rc.values[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// DocumentType returns the classification written by the branching step,
// if one has run and produced a usable result.
func (rc *RunContext) DocumentType() string {
	v, _ := rc.values["document_type"]
	return v
}

// RenderPrompt substitutes every {name} placeholder present in template
// with the context's current value for name. Placeholders with no
// corresponding context entry are replaced with the empty string; the
// gating step is responsible for ensuring required variables are present
// before this is called.
func RenderPrompt(template string, rc *RunContext) string {
	var b strings.Builder
	b.Grow(len(template))

	i := 0
	for i < len(template) {
		open := strings.IndexByte(template[i:], '{')
		if open < 0 {
			b.WriteString(template[i:])
			break
		}
		open += i
		b.WriteString(template[i:open])

		close := strings.IndexByte(template[open:], '}')
		if close < 0 {
			b.WriteString(template[open:])
			break
		}
		close += open

		name := template[open+1 : close]
		if val, ok := rc.values[name]; ok {
			b.WriteString(val)
		}
		// unknown placeholder names render as empty string, same as a
		// present-but-unset optional variable.
		i = close + 1
	}
	return b.String()
}

// FirstTokenUpper extracts the first whitespace-separated token of text,
// uppercased. Used for stop-condition matching, which is defined as a
// first-token, case-insensitive comparison — a value elsewhere in the
// output never matches.
func FirstTokenUpper(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	fields := strings.Fields(text)
	return strings.ToUpper(fields[0])
}

// ExtractBranchingField reads the field named by branchingField from text
// parsed as JSON, uppercased. Returns ok=false if text is not valid JSON
// or the field is absent, in which case the executor proceeds without a
// classification.
func ExtractBranchingField(text, branchingField string) (value string, ok bool) {
	if !gjson.Valid(text) {
		return "", false
	}
	result := gjson.Get(text, branchingField)
	if !result.Exists() || result.String() == "" {
		return "", false
	}
	return strings.ToUpper(result.String()), true
}
