// Package learning persists what merged fixes teach the system: successful
// fix records retrievable by embedding similarity, and reviewer-derived style
// rules ranked by how often they have been applied. Both feed the fix
// runner's prompt context.
package learning

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/darwin-engine/darwin/internal/embedding"
	"github.com/darwin-engine/darwin/internal/llm"
	"github.com/darwin-engine/darwin/internal/models"
	"github.com/darwin-engine/darwin/internal/observability"
	"github.com/darwin-engine/darwin/internal/store"
)

const (
	// DefaultSimilarK and MinSimilarity bound the similar-fix lookup.
	DefaultSimilarK = 3
	MinSimilarity   = 0.5

	// DefaultRulesK bounds how many rules a fix prompt carries.
	DefaultRulesK = 20

	// maxRuleLen rejects rules longer than this after trimming.
	maxRuleLen = 500
)

// Prompt defaults when nothing has been learned yet.
const (
	noFixesText = "No similar past fixes found yet. You're pioneering new territory!"
	noRulesText = "No style rules learned yet for this product."
)

// RuleInput carries one rule into UpsertRule. Category and Source are
// validated against the model enums.
type RuleInput struct {
	Product      string
	Content      string
	Category     string
	Source       string
	SourceTaskID string
	Reviewer     string
}

// Store reads and writes the learning records.
type Store struct {
	store    store.Store
	embedder embedding.Provider
	llm      llm.Client
	logger   observability.Logger
	now      func() time.Time
	newID    func() string
}

func New(s store.Store, embedder embedding.Provider, client llm.Client, logger observability.Logger) *Store {
	return &Store{
		store:    s,
		embedder: embedder,
		llm:      client,
		logger:   logger.WithPrefix("learning"),
		now:      time.Now,
		newID:    newRuleID,
	}
}

// newRuleID returns a short id; collisions are practically impossible within
// a product's rule namespace.
func newRuleID() string {
	return uuid.NewString()[:8]
}

// taskEmbeddingText is the text a task is embedded from, for both storing a
// success and searching for similar ones.
func taskEmbeddingText(task *models.Task) string {
	return task.Title + "\n" + task.Summary
}

// SimilarFixes returns up to k merged fixes for the product whose embeddings
// sit within cosine MinSimilarity of the task's.
func (s *Store) SimilarFixes(ctx context.Context, task *models.Task, k int) ([]*models.SuccessfulFix, error) {
	if k <= 0 {
		k = DefaultSimilarK
	}
	vec, err := s.embedder.Embed(ctx, taskEmbeddingText(task))
	if err != nil {
		return nil, fmt.Errorf("embed task %s: %w", task.ID, err)
	}
	matches, err := s.store.SearchVector(ctx, store.IndexFixes, vec, k, map[string]string{
		"product": task.Product,
	})
	if err != nil {
		return nil, fmt.Errorf("search fixes: %w", err)
	}

	fixes := make([]*models.SuccessfulFix, 0, len(matches))
	for _, m := range matches {
		if m.Score < MinSimilarity {
			continue
		}
		fix, err := models.SuccessfulFixFromFields(m.Fields)
		if err != nil {
			return nil, err
		}
		fixes = append(fixes, fix)
	}
	return fixes, nil
}

// StoreSuccess records a merged fix once. Replayed merge events are no-ops.
func (s *Store) StoreSuccess(ctx context.Context, task *models.Task, prTitle string, mergedAt int64) error {
	key := store.FixKey(task.ID)
	exists, err := s.store.RecordExists(ctx, key)
	if err != nil {
		return fmt.Errorf("check %s: %w", key, err)
	}
	if exists {
		s.logger.Debug("fix already recorded", map[string]interface{}{"task_id": task.ID})
		return nil
	}

	vec, err := s.embedder.Embed(ctx, taskEmbeddingText(task))
	if err != nil {
		return fmt.Errorf("embed task %s: %w", task.ID, err)
	}
	now := s.now().Unix()
	if mergedAt == 0 {
		mergedAt = now
	}
	fix := &models.SuccessfulFix{
		TaskID:       task.ID,
		Product:      task.Product,
		Category:     task.Category,
		Title:        task.Title,
		Summary:      task.Summary,
		PRURL:        task.PRURL,
		PRTitle:      prTitle,
		FilesChanged: task.FilesChanged,
		MergedAt:     mergedAt,
		CreatedAt:    now,
	}
	fields := fix.ToFields()
	fields[store.FieldEmbedding] = store.EncodeVector(vec)
	if err := s.store.PutRecord(ctx, key, fields); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	s.logger.Info("successful fix recorded", map[string]interface{}{
		"task_id": task.ID, "product": task.Product, "pr_url": task.PRURL,
	})
	return nil
}

// TopRules returns up to k rules for the product, most-applied first, then
// most-recently-applied, then oldest.
func (s *Store) TopRules(ctx context.Context, product string, k int) ([]*models.Rule, error) {
	if k <= 0 {
		k = DefaultRulesK
	}
	rules, err := s.loadRules(ctx, product)
	if err != nil {
		return nil, err
	}
	sort.Slice(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.TimesApplied != b.TimesApplied {
			return a.TimesApplied > b.TimesApplied
		}
		if a.LastAppliedAt != b.LastAppliedAt {
			return a.LastAppliedAt > b.LastAppliedAt
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})
	if len(rules) > k {
		rules = rules[:k]
	}
	return rules, nil
}

// AllRules returns every rule for the product, newest first.
func (s *Store) AllRules(ctx context.Context, product string) ([]*models.Rule, error) {
	rules, err := s.loadRules(ctx, product)
	if err != nil {
		return nil, err
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].CreatedAt != rules[j].CreatedAt {
			return rules[i].CreatedAt > rules[j].CreatedAt
		}
		return rules[i].ID < rules[j].ID
	})
	return rules, nil
}

func (s *Store) loadRules(ctx context.Context, product string) ([]*models.Rule, error) {
	keys, err := s.store.ScanKeys(ctx, store.RulePrefix(product)+"*")
	if err != nil {
		return nil, fmt.Errorf("scan rules: %w", err)
	}
	rules := make([]*models.Rule, 0, len(keys))
	for _, key := range keys {
		fields, err := s.store.GetRecord(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", key, err)
		}
		rule, err := models.RuleFromFields(fields)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// UpsertRule stores a rule, deduplicating by normalized content within the
// product: a duplicate bumps the existing rule's usage instead of inserting.
func (s *Store) UpsertRule(ctx context.Context, in RuleInput) (*models.Rule, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, fmt.Errorf("rule content is empty")
	}
	if len(content) > maxRuleLen {
		return nil, fmt.Errorf("rule content exceeds %d chars", maxRuleLen)
	}
	if in.Product == "" {
		return nil, fmt.Errorf("rule product is required")
	}
	category, err := models.ParseRuleCategory(in.Category)
	if err != nil {
		return nil, err
	}
	source, err := models.ParseRuleSource(in.Source)
	if err != nil {
		return nil, err
	}

	existing, err := s.findByContent(ctx, in.Product, content)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := s.IncrementRuleUsage(ctx, in.Product, existing.ID); err != nil {
			return nil, err
		}
		existing.TimesApplied++
		existing.LastAppliedAt = s.now().Unix()
		s.logger.Debug("rule deduplicated", map[string]interface{}{
			"product": in.Product, "rule_id": existing.ID,
		})
		return existing, nil
	}

	rule := &models.Rule{
		ID:           s.newID(),
		Product:      in.Product,
		Content:      content,
		Category:     category,
		Source:       source,
		SourceTaskID: in.SourceTaskID,
		Reviewer:     in.Reviewer,
		CreatedAt:    s.now().Unix(),
	}
	if err := s.store.PutRecord(ctx, store.RuleKey(in.Product, rule.ID), rule.ToFields()); err != nil {
		return nil, fmt.Errorf("write rule: %w", err)
	}
	s.logger.Info("rule created", map[string]interface{}{
		"product": in.Product, "rule_id": rule.ID,
		"category": string(category), "content": truncate(content, 50),
	})
	return rule, nil
}

// findByContent locates a rule whose normalized content matches.
func (s *Store) findByContent(ctx context.Context, product, content string) (*models.Rule, error) {
	want := normalizeContent(content)
	rules, err := s.loadRules(ctx, product)
	if err != nil {
		return nil, err
	}
	for _, rule := range rules {
		if normalizeContent(rule.Content) == want {
			return rule, nil
		}
	}
	return nil, nil
}

// normalizeContent lowercases and collapses whitespace so cosmetic rewording
// of the same rule does not multiply entries.
func normalizeContent(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

// IncrementRuleUsage bumps a rule's applied counter and stamps
// last_applied_at. Called when the rule lands in a fix prompt.
func (s *Store) IncrementRuleUsage(ctx context.Context, product, ruleID string) error {
	key := store.RuleKey(product, ruleID)
	exists, err := s.store.RecordExists(ctx, key)
	if err != nil {
		return fmt.Errorf("check %s: %w", key, err)
	}
	if !exists {
		s.logger.Warn("usage bump for missing rule", map[string]interface{}{
			"product": product, "rule_id": ruleID,
		})
		return nil
	}
	if _, err := s.store.IncrField(ctx, key, "times_applied", 1); err != nil {
		return fmt.Errorf("bump %s: %w", key, err)
	}
	return s.store.SetFields(ctx, key, map[string]string{
		"last_applied_at": strconv.FormatInt(s.now().Unix(), 10),
	})
}

// DeleteRule removes a rule. Returns store.ErrNotFound if it does not exist.
func (s *Store) DeleteRule(ctx context.Context, product, ruleID string) error {
	key := store.RuleKey(product, ruleID)
	exists, err := s.store.RecordExists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	if err := s.store.DeleteRecord(ctx, key); err != nil {
		return err
	}
	s.logger.Info("rule deleted", map[string]interface{}{"product": product, "rule_id": ruleID})
	return nil
}

// FormatRulesForPrompt renders rules as a numbered list for the fix prompt,
// e.g. "1. Use early returns (style) [applied 3x]".
func FormatRulesForPrompt(rules []*models.Rule) string {
	if len(rules) == 0 {
		return noRulesText
	}
	lines := make([]string, 0, len(rules))
	for i, rule := range rules {
		usage := "[new]"
		if rule.TimesApplied > 0 {
			usage = fmt.Sprintf("[applied %dx]", rule.TimesApplied)
		}
		lines = append(lines, fmt.Sprintf("%d. %s (%s) %s", i+1, rule.Content, rule.Category, usage))
	}
	return strings.Join(lines, "\n")
}

// FormatFixesForPrompt renders merged fixes as numbered entries the agent can
// pattern-match against.
func FormatFixesForPrompt(fixes []*models.SuccessfulFix) string {
	if len(fixes) == 0 {
		return noFixesText
	}
	var b strings.Builder
	for i, fix := range fixes {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%d. **%s** (%s)\n   %s", i+1, fix.Title, fix.Category, fix.Summary)
		if fix.PRURL != "" {
			fmt.Fprintf(&b, "\n   PR: %s", fix.PRURL)
		}
		if len(fix.FilesChanged) > 0 {
			fmt.Fprintf(&b, "\n   Files: %s", strings.Join(fix.FilesChanged, ", "))
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
