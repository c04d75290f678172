// Package classifier extracts threat features from loosely typed input and
// matches them against known attack categories.
package classifier

import (
	"fmt"
	"sort"
	"strings"
)

// Feature is a named property observed in the input.
type Feature string

const (
	FeatureScriptContent     Feature = "script_content"
	FeatureCodeEvaluation    Feature = "code_evaluation"
	FeatureURLReference      Feature = "url_reference"
	FeatureHTMLTags          Feature = "html_tags"
	FeatureQuoteCharacters   Feature = "quote_characters"
	FeatureCredentialRelated Feature = "credential_related"
	FeatureAuthRelated       Feature = "auth_related"
	FeaturePrivilegeRelated  Feature = "privilege_related"
	FeatureSQLKeywords       Feature = "sql_keywords"
	FeatureObfuscation       Feature = "obfuscation"
	FeatureSocialEngineering Feature = "social_engineering"
)

// TypeUnknown is reported when no category matches.
const TypeUnknown = "unknown"

// Category is a named set of features that together indicate an attack.
type Category struct {
	Name     string
	Features []Feature
}

// DefaultCategories returns the built-in categories in priority order.
func DefaultCategories() []Category {
	return []Category{
		{Name: "xss", Features: []Feature{FeatureScriptContent, FeatureHTMLTags}},
		{Name: "sql_injection", Features: []Feature{FeatureQuoteCharacters, FeatureSQLKeywords}},
		{Name: "malware", Features: []Feature{FeatureCodeEvaluation, FeatureObfuscation}},
		{Name: "phishing", Features: []Feature{FeatureURLReference, FeatureSocialEngineering}},
	}
}

// Result is the outcome of a classification.
type Result struct {
	Type       string    `json:"type"`
	Confidence float64   `json:"confidence"`
	Features   []Feature `json:"features"`
}

var (
	sqlKeywords = []string{
		"union select", "select ", "insert into", "drop table", "delete from",
		"update ", " or 1=1", "' or '", "--", "sleep(", "information_schema",
	}
	obfuscationMarkers = []string{
		"fromcharcode", `\x`, "atob(", "unescape(", "base64", "%u00",
	}
	socialEngineeringPhrases = []string{
		"verify your account", "urgent", "click here", "password reset",
		"suspended", "confirm your identity", "act now",
	}
)

// Classifier matches extracted features against categories.
type Classifier struct {
	categories []Category
}

// New creates a classifier. With no categories the defaults are used.
func New(categories ...Category) *Classifier {
	if len(categories) == 0 {
		categories = DefaultCategories()
	}
	return &Classifier{categories: categories}
}

// Classify extracts features from input and returns the best matching
// category. Ties go to the category declared first.
func (c *Classifier) Classify(input map[string]any) Result {
	features := ExtractFeatures(input)

	present := make(map[Feature]bool, len(features))
	for _, f := range features {
		present[f] = true
	}

	best := Result{Type: TypeUnknown, Features: features}
	for _, cat := range c.categories {
		if len(cat.Features) == 0 {
			continue
		}
		matched := 0
		for _, f := range cat.Features {
			if present[f] {
				matched++
			}
		}
		confidence := float64(matched) / float64(len(cat.Features))
		if confidence > best.Confidence {
			best.Type = cat.Name
			best.Confidence = confidence
		}
	}
	return best
}

// ExtractFeatures returns the sorted set of features found across every
// key/value pair in input.
func ExtractFeatures(input map[string]any) []Feature {
	found := make(map[Feature]struct{})
	add := func(f Feature) { found[f] = struct{}{} }

	for key, raw := range input {
		k := strings.ToLower(key)
		if strings.Contains(k, "password") {
			add(FeatureCredentialRelated)
		}
		if strings.Contains(k, "token") {
			add(FeatureAuthRelated)
		}
		if strings.Contains(k, "admin") {
			add(FeaturePrivilegeRelated)
		}

		v := strings.ToLower(stringify(raw))
		if v == "" {
			continue
		}
		if strings.Contains(v, "script") {
			add(FeatureScriptContent)
		}
		if strings.Contains(v, "eval") {
			add(FeatureCodeEvaluation)
		}
		if strings.Contains(v, "http") {
			add(FeatureURLReference)
		}
		if strings.ContainsAny(v, "<>") {
			add(FeatureHTMLTags)
		}
		if strings.ContainsAny(v, `'"`) {
			add(FeatureQuoteCharacters)
		}
		if containsAny(v, sqlKeywords) {
			add(FeatureSQLKeywords)
		}
		if containsAny(v, obfuscationMarkers) {
			add(FeatureObfuscation)
		}
		if containsAny(v, socialEngineeringPhrases) {
			add(FeatureSocialEngineering)
		}
	}

	out := make([]Feature, 0, len(found))
	for f := range found {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
