// Package security implements the symmetric input/output scanning
// pipeline: deterministic pattern matching over string leaves, a
// sanitization policy, and the alert sink.
package security

import (
	"encoding/json"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Severity of a detected threat.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Exceeds reports whether s ranks strictly above other.
func (s Severity) Exceeds(other Severity) bool {
	return severityRank[s] > severityRank[other]
}

// Category of a threat pattern.
type Category string

const (
	CategoryPromptInjection  Category = "prompt_injection"
	CategoryCommandInjection Category = "command_injection"
	CategoryScriptInjection  Category = "script_injection"
)

// Threat is one pattern match inside a string leaf.
type Threat struct {
	Pattern  string   `json:"pattern"`
	Category Category `json:"category"`
	Severity Severity `json:"severity"`
	Path     string   `json:"path"`    // JSON path of the offending leaf
	Excerpt  string   `json:"excerpt"` // matched text, truncated
}

// ScanResult is the outcome of scanning one value tree.
type ScanResult struct {
	Safe        bool     `json:"safe"`
	Threats     []Threat `json:"threats"`
	MaxSeverity Severity `json:"max_severity,omitempty"`
}

type pattern struct {
	name     string
	category Category
	severity Severity
	re       *regexp.Regexp
}

// The pattern tables are compiled once. Matching is case-insensitive and
// anchored on markers rather than whole phrases so paraphrases still hit.
var patterns = []pattern{
	// Prompt injection
	{"ignore_previous_instructions", CategoryPromptInjection, SeverityCritical,
		regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)`)},
	{"injected_system_prompt", CategoryPromptInjection, SeverityCritical,
		regexp.MustCompile(`(?i)<\s*(injected\s+)?system[\s_-]*prompt[^>]*>`)},
	{"system_role_override", CategoryPromptInjection, SeverityHigh,
		regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(a|an|the)\b`)},
	{"do_anything_now", CategoryPromptInjection, SeverityHigh,
		regexp.MustCompile(`(?i)\b(DAN|do\s+anything\s+now)\b.{0,40}\b(mode|jailbreak)\b`)},
	{"reveal_system_prompt", CategoryPromptInjection, SeverityMedium,
		regexp.MustCompile(`(?i)(reveal|print|show|repeat)\s+(your\s+)?(system\s+prompt|initial\s+instructions)`)},
	{"assistant_impersonation", CategoryPromptInjection, SeverityMedium,
		regexp.MustCompile(`(?i)^\s*(assistant|system)\s*:\s`)},

	// Command injection
	{"shell_rm_rf", CategoryCommandInjection, SeverityCritical,
		regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)\b`)},
	{"curl_pipe_sh", CategoryCommandInjection, SeverityCritical,
		regexp.MustCompile(`(?i)\b(curl|wget)\b[^|;\n]{0,200}\|\s*(ba|z|da)?sh\b`)},
	{"command_substitution", CategoryCommandInjection, SeverityHigh,
		regexp.MustCompile("\\$\\([^)]+\\)|`[^`]+`")},
	{"shell_chaining", CategoryCommandInjection, SeverityMedium,
		regexp.MustCompile(`(?i)(;|&&|\|\|)\s*(rm|chmod|chown|mkfs|dd|shutdown|reboot)\b`)},
	{"sensitive_path_read", CategoryCommandInjection, SeverityHigh,
		regexp.MustCompile(`(?i)(/etc/(passwd|shadow)|~/\.(ssh|aws|gnupg)/)`)},

	// Script injection
	{"script_tag", CategoryScriptInjection, SeverityHigh,
		regexp.MustCompile(`(?i)<\s*script[^>]*>`)},
	{"javascript_uri", CategoryScriptInjection, SeverityMedium,
		regexp.MustCompile(`(?i)javascript\s*:`)},
	{"event_handler_attr", CategoryScriptInjection, SeverityMedium,
		regexp.MustCompile(`(?i)\bon(load|error|click|mouseover)\s*=`)},
	{"eval_call", CategoryScriptInjection, SeverityMedium,
		regexp.MustCompile(`(?i)\beval\s*\(`)},
}

const excerptLimit = 120

// Scanner walks the string leaves of decoded JSON values and applies the
// pattern tables. It holds no state, so one instance serves all calls.
type Scanner struct {
	enabled bool
}

// NewScanner creates a scanner. When disabled every scan reports safe.
func NewScanner(enabled bool) *Scanner {
	return &Scanner{enabled: enabled}
}

// Scan walks value (maps, slices, strings, scalars) and returns every
// pattern match. The result is deterministic: threats are ordered by leaf
// path, then pattern name.
func (s *Scanner) Scan(value any) ScanResult {
	if !s.enabled {
		return ScanResult{Safe: true}
	}

	var threats []Threat
	walk(value, "$", func(path, leaf string) {
		for _, p := range patterns {
			if loc := p.re.FindStringIndex(leaf); loc != nil {
				excerpt := leaf[loc[0]:loc[1]]
				if len(excerpt) > excerptLimit {
					excerpt = excerpt[:excerptLimit]
				}
				threats = append(threats, Threat{
					Pattern:  p.name,
					Category: p.category,
					Severity: p.severity,
					Path:     path,
					Excerpt:  excerpt,
				})
			}
		}
	})

	if len(threats) == 0 {
		return ScanResult{Safe: true}
	}

	sort.Slice(threats, func(i, j int) bool {
		if threats[i].Path != threats[j].Path {
			return threats[i].Path < threats[j].Path
		}
		return threats[i].Pattern < threats[j].Pattern
	})

	max := SeverityLow
	for _, t := range threats {
		if t.Severity.Exceeds(max) {
			max = t.Severity
		}
	}
	return ScanResult{Safe: false, Threats: threats, MaxSeverity: max}
}

// walk visits every string leaf with its JSON path.
func walk(value any, path string, visit func(path, leaf string)) {
	switch v := value.(type) {
	case string:
		visit(path, v)
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walk(v[k], path+"."+k, visit)
		}
	case []any:
		for i, item := range v {
			walk(item, path+"["+strconv.Itoa(i)+"]", visit)
		}
	case []string:
		for i, item := range v {
			visit(path+"["+strconv.Itoa(i)+"]", item)
		}
	default:
		if norm, ok := normalize(v); ok {
			walk(norm, path, visit)
		}
	}
}

// normalize flattens typed values (structs, pointers, named string types,
// typed maps and slices) into the decoded-JSON shapes walk understands.
// Tool handlers return typed result structs; their string fields must be
// scanned like any other leaf. Non-string scalars carry no text and are
// left alone.
func normalize(value any) (any, bool) {
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), true
	case reflect.Ptr, reflect.Interface, reflect.Struct, reflect.Map, reflect.Slice, reflect.Array:
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, false
		}
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, false
		}
		return out, true
	}
	return nil, false
}

// Sanitize applies the policy to every threat found in text, returning the
// cleaned text. Used by remove and neutralize modes; block never rewrites.
func Sanitize(text string, mode Mode) string {
	for _, p := range patterns {
		switch mode {
		case ModeRemove:
			text = p.re.ReplaceAllString(text, "")
		case ModeNeutralize:
			text = p.re.ReplaceAllStringFunc(text, func(m string) string {
				return "[filtered:" + string(p.category) + "]"
			})
		}
	}
	if mode == ModeRemove {
		text = strings.Join(strings.Fields(text), " ")
	}
	return text
}
