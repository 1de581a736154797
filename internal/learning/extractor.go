package learning

import (
	"context"
	"fmt"
	"strings"

	"github.com/darwin-engine/darwin/internal/llm"
	"github.com/darwin-engine/darwin/internal/models"
)

const (
	// minFeedbackLen skips extraction on feedback too short to generalize.
	minFeedbackLen = 10

	// maxFeedbackLen truncates feedback in the extraction prompt.
	maxFeedbackLen = 2000
)

const extractionSystemPrompt = `You extract reusable coding rules from code review feedback. Respond with JSON only.`

const extractionPromptTemplate = `You are analyzing code review feedback to extract generalizable coding rules.

Given this code review feedback:
"%s"

Extract actionable coding style rules that should be remembered for future fixes on this codebase.

Only extract rules that are:
1. **Generalizable** - Apply broadly, not just to this specific change
2. **Actionable** - Clear what the developer should do
3. **About code quality** - Style, conventions, patterns, or constraints

Categories:
- **style**: Code formatting, naming, structure preferences
- **convention**: Project-specific patterns or practices
- **workflow**: Process or tooling preferences
- **constraint**: Things to avoid or limitations

Return a JSON object with this structure:
{"rules": [{"content": "rule description", "category": "style|convention|workflow|constraint"}]}

If the feedback is too specific to extract generalizable rules, return: {"rules": []}

Examples of GOOD rules to extract:
- "Use early returns instead of nested conditionals"
- "Add JSDoc comments to exported functions"
- "Use async/await instead of .then() chains"
- "Keep functions under 50 lines"

Examples of feedback that should NOT become rules:
- "Fix the typo on line 42" (too specific)
- "This function should return null" (task-specific)

Return ONLY the JSON object, no additional text.`

// Category is intentionally unconstrained in the schema; unknown values fall
// back to convention below.
const extractionSchema = `{
	"type": "object",
	"properties": {
		"rules": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"content": {"type": "string"},
					"category": {"type": "string"}
				},
				"required": ["content"]
			}
		}
	},
	"required": ["rules"]
}`

// ExtractedRule is one rule the model pulled out of review feedback.
type ExtractedRule struct {
	Content  string              `json:"content"`
	Category models.RuleCategory `json:"category"`
}

type extractionResponse struct {
	Rules []struct {
		Content  string `json:"content"`
		Category string `json:"category"`
	} `json:"rules"`
}

// ExtractRules asks the model for generalizable rules hiding in review
// feedback. Short feedback yields nothing without a model call.
func (s *Store) ExtractRules(ctx context.Context, feedback string) ([]ExtractedRule, error) {
	trimmed := strings.TrimSpace(feedback)
	if len(trimmed) < minFeedbackLen {
		s.logger.Debug("feedback too short to extract rules", nil)
		return nil, nil
	}

	prompt := fmt.Sprintf(extractionPromptTemplate, truncate(trimmed, maxFeedbackLen))
	raw, err := s.llm.CompleteJSON(ctx, extractionSystemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("extract rules: %w", err)
	}
	obj, err := llm.ExtractJSONObject(raw)
	if err != nil {
		return nil, err
	}
	var resp extractionResponse
	if err := llm.DecodeValidated(extractionSchema, []byte(obj), &resp); err != nil {
		return nil, err
	}

	rules := make([]ExtractedRule, 0, len(resp.Rules))
	for _, r := range resp.Rules {
		content := strings.TrimSpace(r.Content)
		if content == "" {
			continue
		}
		category, err := models.ParseRuleCategory(strings.ToLower(strings.TrimSpace(r.Category)))
		if err != nil {
			category = models.RuleConvention
		}
		rules = append(rules, ExtractedRule{Content: content, Category: category})
	}
	s.logger.Info("rules extracted from feedback", map[string]interface{}{"count": len(rules)})
	return rules, nil
}

// LearnFromFeedback extracts rules from reviewer feedback and stores each
// one attributed to the task and reviewer. A rule that fails to store is
// skipped, not fatal; the rest of the batch still lands.
func (s *Store) LearnFromFeedback(ctx context.Context, feedback string, task *models.Task, reviewer string) ([]*models.Rule, error) {
	extracted, err := s.ExtractRules(ctx, feedback)
	if err != nil {
		return nil, err
	}
	stored := make([]*models.Rule, 0, len(extracted))
	for _, er := range extracted {
		rule, err := s.UpsertRule(ctx, RuleInput{
			Product:      task.Product,
			Content:      er.Content,
			Category:     string(er.Category),
			Source:       string(models.RuleSourceReviewFeedback),
			SourceTaskID: task.ID,
			Reviewer:     reviewer,
		})
		if err != nil {
			s.logger.Warn("rule rejected", map[string]interface{}{
				"task_id": task.ID, "error": err.Error(),
			})
			continue
		}
		stored = append(stored, rule)
	}
	return stored, nil
}
