package model

import "strconv"

// Category is the index of a department in the configured department list.
type Category int

// Key returns the string form used as a key in the cc_emails mapping.
func (c Category) Key() string {
	return strconv.Itoa(int(c))
}

// Provenance records how a classification was obtained.
type Provenance string

const (
	// ProvenanceModel means the category was extracted from model output.
	ProvenanceModel Provenance = "model"

	// ProvenanceFallback means the default category was used because the
	// classification was inconclusive or failed.
	ProvenanceFallback Provenance = "fallback"
)

// ClassificationResult is the outcome of classifying one message body.
// It only lives for one processing cycle.
type ClassificationResult struct {
	Category   Category
	Provenance Provenance

	// Raw is the model's response text, empty when no response was read.
	Raw string

	// Reason explains why the fallback was used.
	Reason string
}

// IsFallback reports whether the default category was substituted.
func (r ClassificationResult) IsFallback() bool {
	return r.Provenance == ProvenanceFallback
}
