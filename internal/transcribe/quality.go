package transcribe

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// QualityFilter decides whether a transcribed segment is worth keeping.
type QualityFilter interface {
	Accept(text string, confidence float64) bool
}

// FilterFunc adapts a plain function to QualityFilter.
type FilterFunc func(text string, confidence float64) bool

func (f FilterFunc) Accept(text string, confidence float64) bool { return f(text, confidence) }

// DefaultHallucinationPatterns match boilerplate Whisper tends to invent over
// music or silence (channel promos, like/subscribe requests, sign-offs).
var DefaultHallucinationPatterns = []string{
	`优优独播剧场`,
	`YoYo Television Series Exclusive`,
	`请不吝点赞`,
	`订阅.*转发.*打赏`,
	`明镜与点点栏目`,
	`支持明镜`,
	`明镜.*栏目`,
	`独播剧场`,
	`点赞.*订阅`,
	`转发.*打赏`,
	`YoYo.*Television`,
	`Series.*Exclusive`,
	`网友们.*支持`,
	`感谢.*观看`,
	`关注.*频道`,
	`(?i)thanks? (you )?for watching`,
	`(?i)please subscribe`,
}

// RuleFilter rejects low-confidence segments and known hallucinations.
type RuleFilter struct {
	minConfidence float64
	patterns      []*regexp.Regexp
}

// NewRuleFilter compiles patterns into a filter.
func NewRuleFilter(minConfidence float64, patterns []string) (*RuleFilter, error) {
	f := &RuleFilter{minConfidence: minConfidence}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Accept implements QualityFilter.
func (f *RuleFilter) Accept(text string, confidence float64) bool {
	if confidence < f.minConfidence {
		return false
	}
	for _, re := range f.patterns {
		if re.MatchString(text) {
			return false
		}
	}
	return true
}

// Rules is the on-disk form of a quality filter.
//
//	confidence_threshold: 0.35
//	extend_defaults: true
//	patterns:
//	  - "(?i)subtitles by"
type Rules struct {
	ConfidenceThreshold *float64 `yaml:"confidence_threshold"`
	ExtendDefaults      bool     `yaml:"extend_defaults"`
	Patterns            []string `yaml:"patterns"`
}

// LoadRules reads a YAML rules file.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read rules: %w", err)
	}
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Rules{}, fmt.Errorf("parse rules %s: %w", path, err)
	}
	return r, nil
}

// Filter builds a RuleFilter from the rules, falling back to threshold when
// the file does not set one.
func (r Rules) Filter(threshold float64) (*RuleFilter, error) {
	if r.ConfidenceThreshold != nil {
		threshold = *r.ConfidenceThreshold
	}
	patterns := r.Patterns
	if r.ExtendDefaults || len(patterns) == 0 {
		patterns = append(append([]string{}, DefaultHallucinationPatterns...), r.Patterns...)
	}
	return NewRuleFilter(threshold, patterns)
}

// Gate drops segments that are blank or fail the quality filter.
type Gate struct {
	filter QualityFilter
}

// NewGate creates a gate. A nil filter accepts every non-blank segment.
func NewGate(filter QualityFilter) *Gate {
	return &Gate{filter: filter}
}

// Pass returns the accepted results, with text trimmed, in their original
// order, and the number rejected.
func (g *Gate) Pass(results []Result) ([]Result, int) {
	accepted := make([]Result, 0, len(results))
	for _, r := range results {
		r.Text = strings.TrimSpace(r.Text)
		if r.Text == "" {
			continue
		}
		if g.filter != nil && !g.filter.Accept(r.Text, r.Confidence) {
			continue
		}
		accepted = append(accepted, r)
	}
	return accepted, len(results) - len(accepted)
}
