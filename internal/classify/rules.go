package classify

import (
	"regexp"
	"strings"

	"mnemo/internal/types"
)

// matchLimit bounds how much of the input the rules see. Matching cost is
// O(rules x matchLimit) regardless of input size.
const matchLimit = 4096

// Rule is one classification pattern. BaseWeight sits in [0.5, 0.95]; the
// live confidence is baseWeight times the pattern's feedback multiplier.
type Rule struct {
	PatternID  string
	Type       types.EntryType
	BaseWeight float64
	re         *regexp.Regexp
}

// ruleTable is evaluated in order; ties in effective score break toward the
// earlier rule. Prefix rules are the strongest signal, shape rules the
// weakest.
var ruleTable = []Rule{
	{PatternID: "prefix-guideline", Type: types.EntryGuideline, BaseWeight: 0.95,
		re: regexp.MustCompile(`^(rule|guideline|policy|convention)\s*:`)},
	{PatternID: "prefix-tool", Type: types.EntryTool, BaseWeight: 0.95,
		re: regexp.MustCompile(`^(tool|command|cmd|usage)\s*:`)},
	{PatternID: "prefix-knowledge", Type: types.EntryKnowledge, BaseWeight: 0.95,
		re: regexp.MustCompile(`^(note|fyi|til|insight|learned|context)\s*:`)},
	{PatternID: "team-decision", Type: types.EntryKnowledge, BaseWeight: 0.90,
		re: regexp.MustCompile(`\bwe\s+(decided|chose|agreed|settled\s+on|opted|picked)\b`)},
	{PatternID: "command-shape", Type: types.EntryTool, BaseWeight: 0.90,
		re: regexp.MustCompile(`^(npm|npx|yarn|pnpm|go|git|make|docker|kubectl|helm|terraform|cargo|pip3?|python3?|node|bash|sh|curl)\s+\S`)},
	{PatternID: "imperative", Type: types.EntryGuideline, BaseWeight: 0.80,
		re: regexp.MustCompile(`\b(always|never|must(\s+not)?|do\s+not|don't|avoid|ensure|prefer)\b`)},
	{PatternID: "backtick-command", Type: types.EntryTool, BaseWeight: 0.75,
		re: regexp.MustCompile("`[^`]+`")},
	{PatternID: "flag-shape", Type: types.EntryTool, BaseWeight: 0.65,
		re: regexp.MustCompile(`\s--?[a-z][a-z0-9-]*(\s|=|$)`)},
	{PatternID: "how-to", Type: types.EntryKnowledge, BaseWeight: 0.60,
		re: regexp.MustCompile(`^how\s+to\b`)},
	{PatternID: "statement-of-fact", Type: types.EntryKnowledge, BaseWeight: 0.55,
		re: regexp.MustCompile(`\b(is|are|was|were|uses|means|refers\s+to|stands\s+for|because)\b`)},
}

// normalize prepares text for rule matching. The original casing never
// matters to the rules; truncation keeps matching cheap on huge inputs.
func normalize(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > matchLimit {
		text = text[:matchLimit]
	}
	return strings.ToLower(text)
}

// matchRules returns every rule matching the normalized text, in table order.
func matchRules(text string) []Rule {
	norm := normalize(text)
	if norm == "" {
		return nil
	}
	var out []Rule
	for _, r := range ruleTable {
		if r.re.MatchString(norm) {
			out = append(out, r)
		}
	}
	return out
}
