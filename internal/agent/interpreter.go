package agent

import (
	"regexp"
	"strings"
)

const (
	// MarkerComplete flags a completion that asks an intake question.
	MarkerComplete = "(complete)"
	// MarkerHandOff flags a completion that escalates to a human.
	MarkerHandOff = "(realtime)"

	linkMessage = "Great! you can follow the link to proceed"
)

var (
	markerPattern   = regexp.MustCompile(`(?i)[ \t]*\((?:complete|realtime)\)`)
	completePattern = regexp.MustCompile(`(?i)\(complete\)`)
	handOffPattern  = regexp.MustCompile(`(?i)\(realtime\)`)
	urlPattern      = regexp.MustCompile(`https?://[^\s<>"']+`)
)

// Interpretation is what a completion means for the current turn.
type Interpretation struct {
	// Empty is set when the completion carries no usable text.
	Empty bool
	// RecordAnswer is set when the previous assistant turn asked an intake
	// question, so the inbound message answers it. It does not depend on
	// the completion text.
	RecordAnswer bool
	// HandOff is set when the completion asks for a human.
	HandOff bool
	// AsksIntake is set when the completion asks an intake question.
	AsksIntake bool
	// Content is the reply text with markers removed.
	Content string
	// Link is the URL found in the completion, if any.
	Link string
}

// Persisted returns the assistant message stored for this interpretation.
func (i Interpretation) Persisted() string {
	if i.Link != "" {
		return i.Content + " " + i.Link
	}
	return i.Content
}

// Interpret classifies a raw completion. previousAskedIntake reports whether
// the last assistant turn before this one carried the completion marker.
func Interpret(previousAskedIntake bool, completion string) Interpretation {
	in := Interpretation{RecordAnswer: previousAskedIntake}
	if strings.TrimSpace(completion) == "" {
		in.Empty = true
		return in
	}

	text := StripMarkers(completion)

	if handOffPattern.MatchString(completion) {
		in.HandOff = true
		in.Content = text
		return in
	}

	if text == "" {
		in.Empty = true
		return in
	}
	in.AsksIntake = completePattern.MatchString(completion)

	if link := ExtractURL(text); link != "" {
		in.Content = linkMessage
		in.Link = link
		return in
	}

	in.Content = text
	return in
}

// StripMarkers removes every control marker from text.
func StripMarkers(text string) string {
	return strings.TrimSpace(markerPattern.ReplaceAllString(text, ""))
}

// HasCompletionMarker reports whether text carries the completion marker.
func HasCompletionMarker(text string) bool {
	return completePattern.MatchString(text)
}

// ExtractURL returns the first URL in text with trailing punctuation trimmed.
func ExtractURL(text string) string {
	return strings.TrimRight(urlPattern.FindString(text), ".,;:!?)]}")
}
