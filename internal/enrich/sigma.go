// Package enrich tags inbound security events with matched Sigma rules.
package enrich

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	sigma "github.com/bradleyjkemp/sigma-go"
	sigmaevaluator "github.com/bradleyjkemp/sigma-go/evaluator"

	"watchtower/pkg/models"
)

// RuleTag describes a Sigma rule that matched an event.
type RuleTag struct {
	ID       string
	Name     string
	Severity string
}

// SigmaLoadStats tracks the number of loaded and skipped rules.
type SigmaLoadStats struct {
	TotalFiles     int
	Loaded         int
	SkippedComplex int
	SkippedInvalid int
}

type compiledSigmaRule struct {
	rule sigma.Rule
	eval *sigmaevaluator.RuleEvaluator
	tag  RuleTag
}

// SigmaTagger evaluates compiled Sigma rules against individual security events.
type SigmaTagger struct {
	rules []compiledSigmaRule
	ctx   context.Context
}

// NewSigmaTagger loads Sigma rules from a file or directory and compiles
// evaluators. Unsupported or invalid rules are skipped and counted in stats.
func NewSigmaTagger(path string) (*SigmaTagger, SigmaLoadStats, error) {
	var stats SigmaLoadStats

	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, stats, fmt.Errorf("resolve rule path: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, stats, fmt.Errorf("stat rule path: %w", err)
	}

	files := make([]string, 0, 64)
	if info.IsDir() {
		err = filepath.WalkDir(resolved, func(filePath string, entry fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if entry.IsDir() {
				return nil
			}
			if isYAMLFile(filePath) {
				files = append(files, filePath)
			}
			return nil
		})
		if err != nil {
			return nil, stats, fmt.Errorf("walk rule directory: %w", err)
		}
	} else {
		if !isYAMLFile(resolved) {
			return nil, stats, fmt.Errorf("rule file must end with .yml or .yaml: %s", resolved)
		}
		files = append(files, resolved)
	}

	stats.TotalFiles = len(files)
	compiled := make([]compiledSigmaRule, 0, len(files))
	for _, ruleFile := range files {
		rule, err := parseSigmaRuleFile(ruleFile)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}

		if !isSimpleSingleEventRule(rule) {
			stats.SkippedComplex++
			continue
		}

		compiled = append(compiled, compiledSigmaRule{
			rule: rule,
			eval: sigmaevaluator.ForRule(rule),
			tag:  tagFromRule(rule),
		})
		stats.Loaded++
	}

	return &SigmaTagger{rules: compiled, ctx: context.Background()}, stats, nil
}

// Apply evaluates all loaded rules and returns tags for the matched ones.
func (t *SigmaTagger) Apply(event *models.SecurityEvent) []RuleTag {
	if t == nil || event == nil || len(t.rules) == 0 {
		return nil
	}

	eventMap := sigmaEventFrom(event)
	out := make([]RuleTag, 0, 2)
	for _, rule := range t.rules {
		res, err := rule.eval.Matches(t.ctx, eventMap)
		if err != nil {
			continue
		}
		if res.Match {
			out = append(out, rule.tag)
		}
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

// Annotate applies the tagger and folds matched rules into the event:
// the event is marked suspicious, its risk score floor is raised per rule
// severity, and tag names are recorded in metadata.
func (t *SigmaTagger) Annotate(event *models.SecurityEvent) []RuleTag {
	tags := t.Apply(event)
	if len(tags) == 0 {
		return nil
	}

	names := make([]string, 0, len(tags))
	for _, tag := range tags {
		names = append(names, tag.ID)
		if floor := riskFloor(tag.Severity); event.RiskScore < floor {
			event.RiskScore = floor
		}
	}
	event.IsSuspicious = true
	if event.Metadata == nil {
		event.Metadata = make(map[string]string, 1)
	}
	event.Metadata["sigma_rules"] = strings.Join(names, ",")
	return tags
}

// RuleCount returns the number of compiled rules.
func (t *SigmaTagger) RuleCount() int {
	if t == nil {
		return 0
	}
	return len(t.rules)
}

func riskFloor(severity string) int {
	switch strings.ToLower(severity) {
	case "critical":
		return 90
	case "high":
		return 75
	case "medium":
		return 50
	default:
		return 30
	}
}

func parseSigmaRuleFile(path string) (sigma.Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return sigma.Rule{}, fmt.Errorf("read sigma rule %s: %w", path, err)
	}
	rule, err := sigma.ParseRule(raw)
	if err != nil {
		return sigma.Rule{}, fmt.Errorf("parse sigma rule %s: %w", path, err)
	}
	return rule, nil
}

func isYAMLFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml")
}

func isSimpleSingleEventRule(rule sigma.Rule) bool {
	if rule.Detection.Timeframe > 0 {
		return false
	}

	for _, cond := range rule.Detection.Conditions {
		if cond.Aggregation != nil {
			return false
		}
		if !isSimpleSearchExpression(cond.Search) {
			return false
		}
	}

	for _, search := range rule.Detection.Searches {
		if len(search.Keywords) > 0 {
			return false
		}
		if len(search.EventMatchers) == 0 {
			return false
		}
	}

	return true
}

func isSimpleSearchExpression(expr sigma.SearchExpr) bool {
	switch e := expr.(type) {
	case sigma.SearchIdentifier:
		return true
	case sigma.And:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Or:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Not:
		return isSimpleSearchExpression(e.Expr)
	default:
		return false
	}
}

func sigmaEventFrom(event *models.SecurityEvent) map[string]interface{} {
	buf := make(map[string]interface{}, len(event.Metadata)+8)
	for k, v := range event.Metadata {
		buf[k] = v
	}
	buf["EventType"] = string(event.Type)
	buf["event_type"] = string(event.Type)
	if event.UserID != "" {
		buf["UserID"] = event.UserID
		buf["user_id"] = event.UserID
	}
	if event.IP != "" {
		buf["SourceIP"] = event.IP
		buf["src_ip"] = event.IP
	}
	if event.Endpoint != "" {
		buf["Endpoint"] = event.Endpoint
		buf["cs-uri-stem"] = event.Endpoint
	}
	if event.Method != "" {
		buf["Method"] = event.Method
	}
	return buf
}

func tagFromRule(rule sigma.Rule) RuleTag {
	id := strings.TrimSpace(rule.ID)
	if id == "" {
		id = strings.TrimSpace(rule.Title)
	}

	level := strings.ToLower(strings.TrimSpace(rule.Level))
	if level == "" {
		level = "medium"
	}

	return RuleTag{
		ID:       id,
		Name:     strings.TrimSpace(rule.Title),
		Severity: level,
	}
}
