// Package parser extracts annotation labels from raw model responses.
// The model is instructed to wrap its answer in <<...>> markers; the
// span inside the markers is validated against the grammar of the
// worker's domain and normalized to a canonical label.
package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Result of parsing one response. Exactly one of the three outcomes
// holds: a label, a parsing error (no answer span found) or a validity
// error (span found but not valid for the domain).
type Result struct {
	Label         string
	ParsingError  string
	ValidityError string
}

// OK reports whether a canonical label was produced.
func (r Result) OK() bool {
	return r.ParsingError == "" && r.ValidityError == ""
}

var (
	spanRe        = regexp.MustCompile(`(?s)<<(.+?)>>`)
	urgencyRe     = regexp.MustCompile(`(?i)LEVEL[_\s]*([0-4])`)
	therapeuticRe = regexp.MustCompile(`TA-([1-9])`)
	intensityRe   = regexp.MustCompile(`(?i)INT-([1-5])`)
	adjunctRe     = regexp.MustCompile(`ADJ-([1-8])`)
	modalityRe    = regexp.MustCompile(`MOD-([1-6])`)
)

// Parse extracts and validates the label for a domain from a full
// model response.
func Parse(response, domain string) Result {
	match := spanRe.FindStringSubmatch(response)
	if match == nil {
		return Result{ParsingError: "Could not find << >> tags in response"}
	}
	raw := strings.TrimSpace(match[1])

	switch domain {
	case "urgency":
		return parseUrgency(raw)
	case "therapeutic":
		return parseMultiCode(raw, therapeuticRe, "TA", "No valid TA codes found")
	case "intensity":
		return parseIntensity(raw)
	case "adjunct":
		return parseAdjunct(raw)
	case "modality":
		return parseMultiCode(raw, modalityRe, "MOD", "No valid MOD codes found")
	case "redressal":
		return parseRedressal(raw)
	default:
		return Result{ValidityError: fmt.Sprintf("Unknown domain: %s", domain)}
	}
}

// KnownDomain reports whether a grammar exists for the domain.
func KnownDomain(domain string) bool {
	switch domain {
	case "urgency", "therapeutic", "intensity", "adjunct", "modality", "redressal":
		return true
	}
	return false
}

func parseUrgency(raw string) Result {
	if m := urgencyRe.FindStringSubmatch(raw); m != nil {
		return Result{Label: "LEVEL_" + m[1]}
	}
	return Result{ValidityError: fmt.Sprintf("Invalid urgency format: %s", raw)}
}

func parseIntensity(raw string) Result {
	if m := intensityRe.FindStringSubmatch(raw); m != nil {
		return Result{Label: "INT-" + m[1]}
	}
	return Result{ValidityError: fmt.Sprintf("Invalid intensity format: %s", raw)}
}

func parseAdjunct(raw string) Result {
	if strings.Contains(strings.ToUpper(raw), "NONE") {
		return Result{Label: "NONE"}
	}
	return parseMultiCode(raw, adjunctRe, "ADJ", "No valid ADJ codes found")
}

// parseMultiCode handles the multi-label grammars: every occurrence of
// PREFIX-digit is collected, deduplicated and sorted into a canonical
// comma-separated label.
func parseMultiCode(raw string, re *regexp.Regexp, prefix, missing string) Result {
	matches := re.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return Result{ValidityError: fmt.Sprintf("%s: %s", missing, raw)}
	}

	seen := make(map[string]bool)
	var digits []string
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			digits = append(digits, m[1])
		}
	}
	sort.Strings(digits)

	codes := make([]string, len(digits))
	for i, d := range digits {
		codes[i] = prefix + "-" + d
	}
	return Result{Label: strings.Join(codes, ", ")}
}

func parseRedressal(raw string) Result {
	var points []any
	if err := json.Unmarshal([]byte(raw), &points); err != nil {
		return Result{ValidityError: fmt.Sprintf("Invalid JSON in redressal points: %v", err)}
	}

	strs := make([]string, len(points))
	for i, p := range points {
		s, ok := p.(string)
		if !ok {
			return Result{ValidityError: fmt.Sprintf("Invalid redressal format (not all strings): %s", raw)}
		}
		strs[i] = s
	}
	if len(strs) < 2 {
		return Result{ValidityError: fmt.Sprintf("Too few redressal points (minimum 2): %s", raw)}
	}
	if len(strs) > 10 {
		return Result{ValidityError: fmt.Sprintf("Too many redressal points (maximum 10): %s", raw)}
	}

	canonical, err := json.Marshal(strs)
	if err != nil {
		return Result{ValidityError: fmt.Sprintf("Failed to re-encode redressal points: %v", err)}
	}
	return Result{Label: string(canonical)}
}
