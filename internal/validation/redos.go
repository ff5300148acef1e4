package validation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// maxRepetitionBound caps {n,m} counts in user-supplied patterns.
const maxRepetitionBound = 1000

// dangerousShape pairs a detector with the name reported in the rejection.
type dangerousShape struct {
	name   string
	detect func(pattern string) bool
}

var quantifiedGroupRe = regexp.MustCompile(`\([^)]*[+*?][^)]*\)[+*?{]`)
var consecutiveQuantsRe = regexp.MustCompile(`\+\+|\*\*|\+\*|\*\+`)
var stackedGreedyRe = regexp.MustCompile(`\.[*+].*\.[*+]`)
var boundaryGreedyRe = regexp.MustCompile(`\\b.*\.[*+].*\\b`)
var repetitionBoundRe = regexp.MustCompile(`\{(\d+)(?:,(\d*))?\}`)

var dangerousShapes = []dangerousShape{
	{"nested quantifier", func(p string) bool {
		return quantifiedGroupRe.MatchString(p)
	}},
	{"consecutive quantifiers", func(p string) bool {
		return consecutiveQuantsRe.MatchString(p)
	}},
	{"overlapping alternation", hasOverlappingAlternation},
	{"stacked greedy wildcards", func(p string) bool {
		return stackedGreedyRe.MatchString(p)
	}},
	{"word boundary around greedy middle", func(p string) bool {
		return boundaryGreedyRe.MatchString(p)
	}},
	{"oversized repetition bound", func(p string) bool {
		for _, m := range repetitionBoundRe.FindAllStringSubmatch(p, -1) {
			if n, err := strconv.Atoi(m[1]); err == nil && n > maxRepetitionBound {
				return true
			}
			if m[2] != "" {
				if n, err := strconv.Atoi(m[2]); err == nil && n > maxRepetitionBound {
					return true
				}
			}
		}
		return false
	}},
}

// hasOverlappingAlternation flags quantified groups whose alternatives repeat
// or prefix each other, the (a|a)+ and (a|ab)+ family.
func hasOverlappingAlternation(pattern string) bool {
	for i := 0; i < len(pattern); i++ {
		if pattern[i] != '(' {
			continue
		}
		rel := strings.IndexByte(pattern[i:], ')')
		if rel < 0 {
			continue
		}
		end := i + rel
		if end+1 >= len(pattern) || !strings.ContainsRune("+*{", rune(pattern[end+1])) {
			continue
		}
		body := pattern[i+1 : end]
		body = strings.TrimPrefix(body, "?:")
		alts := strings.Split(body, "|")
		if len(alts) < 2 {
			continue
		}
		for a := 0; a < len(alts); a++ {
			for b := 0; b < len(alts); b++ {
				if a == b || alts[a] == "" {
					continue
				}
				if strings.HasPrefix(alts[b], alts[a]) {
					return true
				}
			}
		}
	}
	return false
}

// CheckPattern rejects regex patterns with catastrophic-backtracking shapes.
// The check is shape-based and intentionally conservative; a rejected pattern
// names the shape but never echoes attacker-controlled text into logs.
func CheckPattern(pattern string) error {
	for _, shape := range dangerousShapes {
		if shape.detect(pattern) {
			return fmt.Errorf("unsafe regex pattern rejected: %s", shape.name)
		}
	}
	return nil
}

// SafeCompile guards then compiles.
func SafeCompile(pattern string) (*regexp.Regexp, error) {
	if err := CheckPattern(pattern); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}
	return re, nil
}
