// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package darwin

import (
	"time"
)

// RequiredMarkers must be present as keys in every approved candidate.
var RequiredMarkers = []string{
	"permeable_ai",
	"fastest_protocol",
	"dna_carried",
	"refine_en_route",
}

// ForbiddenMarkers must never be present as keys.
var ForbiddenMarkers = []string{
	"vendor_lockin",
	"centralized_dead_man_switch",
	"black_box_ai",
	"single_point_of_failure",
}

// Issue strings produced by Review.
const (
	issueMissingRequired    = "Missing required: "
	issueViolatesConstraint = "Violates constraint: "

	// IssueSpirit is reported for restrictive candidates that are neither
	// permeable nor efficiency-oriented.
	IssueSpirit = "Violates spirit of open permeability"
)

// Keys consulted by the spirit check.
const (
	markerRestrictive  = "restrictive"
	markerPermeable    = "permeable_ai"
	markerEfficiency   = "efficiency"
	markerOptimization = "optimization"
)

// Review checks a candidate against the constitution.
//
// # Description
//
// Reports one issue per missing required marker, one per present forbidden
// marker, and IssueSpirit when the candidate sets a truthy "restrictive"
// without a truthy "permeable_ai" or an "efficiency" or "optimization" key.
// The candidate is approved when there are no issues.
//
// # Inputs
//
//   - candidate: Key presence is what matters. May be nil.
//
// # Outputs
//
//   - ReviewResult: Issues is never nil.
func Review(candidate map[string]any) ReviewResult {
	issues := []string{}
	for _, marker := range RequiredMarkers {
		if _, ok := candidate[marker]; !ok {
			issues = append(issues, issueMissingRequired+marker)
		}
	}
	for _, marker := range ForbiddenMarkers {
		if _, ok := candidate[marker]; ok {
			issues = append(issues, issueViolatesConstraint+marker)
		}
	}
	if violatesSpirit(candidate) {
		issues = append(issues, IssueSpirit)
	}
	return ReviewResult{
		Approved:  len(issues) == 0,
		Issues:    issues,
		Timestamp: time.Now(),
	}
}

func violatesSpirit(candidate map[string]any) bool {
	if !truthy(candidate[markerRestrictive]) {
		return false
	}
	if truthy(candidate[markerPermeable]) {
		return false
	}
	_, efficiency := candidate[markerEfficiency]
	_, optimization := candidate[markerOptimization]
	return !efficiency && !optimization
}

// ComplianceScore is the Tier-1 fitness term: 1.0 minus 0.05 per missing
// required marker, or 0 when any forbidden marker is present.
func ComplianceScore(candidate map[string]any) float64 {
	for _, marker := range ForbiddenMarkers {
		if _, ok := candidate[marker]; ok {
			return 0
		}
	}
	score := 1.0
	for _, marker := range RequiredMarkers {
		if _, ok := candidate[marker]; !ok {
			score -= 0.05
		}
	}
	return max(0, score)
}

// Patch makes a rejected proposal constitutional.
//
// Missing required markers are inserted as true, forbidden keys are deleted,
// and the result is tagged with constitution_patched and the original
// issues. The input map is not modified.
func Patch(proposal map[string]any, review ReviewResult) map[string]any {
	patched := make(map[string]any, len(proposal)+len(RequiredMarkers)+2)
	for k, v := range proposal {
		patched[k] = v
	}
	for _, marker := range RequiredMarkers {
		if _, ok := patched[marker]; !ok {
			patched[marker] = true
		}
	}
	for _, marker := range ForbiddenMarkers {
		delete(patched, marker)
	}
	if truthy(patched[markerRestrictive]) && !truthy(patched[markerPermeable]) {
		patched[markerPermeable] = true
	}

	issues := make([]any, 0, len(review.Issues))
	for _, issue := range review.Issues {
		issues = append(issues, issue)
	}
	patched["constitution_patched"] = true
	patched["original_issues"] = issues
	return patched
}

// truthy follows the usual dynamic-language rules: nil, false, zero numbers,
// empty strings and empty collections are false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int8:
		return t != 0
	case int16:
		return t != 0
	case int32:
		return t != 0
	case int64:
		return t != 0
	case uint:
		return t != 0
	case uint8:
		return t != 0
	case uint16:
		return t != 0
	case uint32:
		return t != 0
	case uint64:
		return t != 0
	case float32:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
