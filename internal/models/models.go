// Package models defines the record types that flow through the darwin
// pipeline: signals, topics, tasks, successful fixes and rules. Records are
// stored as string field maps; every type knows how to round-trip itself and
// validates its enum fields on the way in.
package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Category classifies what kind of work a topic represents.
type Category string

const (
	CategoryBug     Category = "BUG"
	CategoryFeature Category = "FEATURE"
	CategoryUX      Category = "UX"
	CategoryOther   Category = "OTHER"
)

// ParseCategory validates a category string.
func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategoryBug, CategoryFeature, CategoryUX, CategoryOther:
		return Category(s), nil
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// Severity grades the impact of a classified topic.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity validates a severity string.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s), nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// TopicStatus is the lifecycle state of a topic.
type TopicStatus string

const (
	TopicOpen   TopicStatus = "open"
	TopicClosed TopicStatus = "closed"
)

// ParseTopicStatus validates a topic status string.
func ParseTopicStatus(s string) (TopicStatus, error) {
	switch TopicStatus(s) {
	case TopicOpen, TopicClosed:
		return TopicStatus(s), nil
	}
	return "", fmt.Errorf("unknown topic status %q", s)
}

// TaskStatus is the workflow state of a task.
type TaskStatus string

const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
)

// ParseTaskStatus validates a task status string.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch TaskStatus(s) {
	case TaskOpen, TaskInProgress, TaskDone:
		return TaskStatus(s), nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// FixStatus tracks the automated fix attempt attached to a task.
type FixStatus string

const (
	FixNone      FixStatus = "none"
	FixRunning   FixStatus = "running"
	FixCompleted FixStatus = "completed"
	FixFailed    FixStatus = "failed"
)

// ParseFixStatus validates a fix status string.
func ParseFixStatus(s string) (FixStatus, error) {
	switch FixStatus(s) {
	case FixNone, FixRunning, FixCompleted, FixFailed:
		return FixStatus(s), nil
	}
	return "", fmt.Errorf("unknown fix status %q", s)
}

// RuleCategory groups learned rules by the kind of guidance they carry.
type RuleCategory string

const (
	RuleStyle      RuleCategory = "style"
	RuleConvention RuleCategory = "convention"
	RuleWorkflow   RuleCategory = "workflow"
	RuleConstraint RuleCategory = "constraint"
)

// ParseRuleCategory validates a rule category string.
func ParseRuleCategory(s string) (RuleCategory, error) {
	switch RuleCategory(s) {
	case RuleStyle, RuleConvention, RuleWorkflow, RuleConstraint:
		return RuleCategory(s), nil
	}
	return "", fmt.Errorf("unknown rule category %q", s)
}

// RuleSource records where a rule came from.
type RuleSource string

const (
	RuleSourceManual         RuleSource = "manual"
	RuleSourceReviewFeedback RuleSource = "review_feedback"
)

// ParseRuleSource validates a rule source string.
func ParseRuleSource(s string) (RuleSource, error) {
	switch RuleSource(s) {
	case RuleSourceManual, RuleSourceReviewFeedback:
		return RuleSource(s), nil
	}
	return "", fmt.Errorf("unknown rule source %q", s)
}

// Signal is one piece of raw user feedback. Its store key is derived from the
// sha256 of the normalized text, which makes ingestion idempotent. Duplicate
// ingestions only bump last_seen.
type Signal struct {
	Hash       string `json:"hash"`
	SourceID   string `json:"source_id,omitempty"`
	Text       string `json:"text"`
	Normalized string `json:"normalized"`
	Source     string `json:"source"`
	URL        string `json:"url,omitempty"`
	Title      string `json:"title,omitempty"`
	Author     string `json:"author,omitempty"`
	Product    string `json:"product"`
	TopicID    string `json:"topic_id,omitempty"`
	FirstSeen  int64  `json:"first_seen"`
	LastSeen   int64  `json:"last_seen"`
}

// ToFields flattens the signal into a store field map.
func (s *Signal) ToFields() map[string]string {
	return map[string]string{
		"hash":       s.Hash,
		"source_id":  s.SourceID,
		"text":       s.Text,
		"normalized": s.Normalized,
		"source":     s.Source,
		"url":        s.URL,
		"title":      s.Title,
		"author":     s.Author,
		"product":    s.Product,
		"topic_id":   s.TopicID,
		"first_seen": formatInt(s.FirstSeen),
		"last_seen":  formatInt(s.LastSeen),
	}
}

// SignalFromFields rebuilds a signal from a store field map.
func SignalFromFields(fields map[string]string) (*Signal, error) {
	firstSeen, err := parseInt(fields["first_seen"])
	if err != nil {
		return nil, fmt.Errorf("signal first_seen: %w", err)
	}
	lastSeen, err := parseInt(fields["last_seen"])
	if err != nil {
		return nil, fmt.Errorf("signal last_seen: %w", err)
	}
	return &Signal{
		Hash:       fields["hash"],
		SourceID:   fields["source_id"],
		Text:       fields["text"],
		Normalized: fields["normalized"],
		Source:     fields["source"],
		URL:        fields["url"],
		Title:      fields["title"],
		Author:     fields["author"],
		Product:    fields["product"],
		TopicID:    fields["topic_id"],
		FirstSeen:  firstSeen,
		LastSeen:   lastSeen,
	}, nil
}

// Topic is a cluster of related signals with a unit-normalized centroid.
// The centroid itself is stored under the vector field of the topic index,
// not in the plain field map.
type Topic struct {
	ID              string      `json:"id"`
	Title           string      `json:"title"`
	Summary         string      `json:"summary,omitempty"`
	Product         string      `json:"product"`
	Status          TopicStatus `json:"status"`
	SignalCount     int64       `json:"signal_count"`
	Category        Category    `json:"category,omitempty"`
	Severity        Severity    `json:"severity,omitempty"`
	SuggestedAction string      `json:"suggested_action,omitempty"`
	Confidence      float64     `json:"confidence,omitempty"`
	TaskID          string      `json:"task_id,omitempty"`
	Centroid        []float32   `json:"-"`
	CreatedAt       int64       `json:"created_at"`
	UpdatedAt       int64       `json:"updated_at"`
}

// ToFields flattens the topic into a store field map (centroid excluded).
func (t *Topic) ToFields() map[string]string {
	return map[string]string{
		"id":               t.ID,
		"title":            t.Title,
		"summary":          t.Summary,
		"product":          t.Product,
		"status":           string(t.Status),
		"signal_count":     formatInt(t.SignalCount),
		"category":         string(t.Category),
		"severity":         string(t.Severity),
		"suggested_action": t.SuggestedAction,
		"confidence":       formatFloat(t.Confidence),
		"task_id":          t.TaskID,
		"created_at":       formatInt(t.CreatedAt),
		"updated_at":       formatInt(t.UpdatedAt),
	}
}

// TopicFromFields rebuilds a topic from a store field map.
func TopicFromFields(fields map[string]string) (*Topic, error) {
	status, err := ParseTopicStatus(fields["status"])
	if err != nil {
		return nil, fmt.Errorf("topic %s: %w", fields["id"], err)
	}
	t := &Topic{
		ID:              fields["id"],
		Title:           fields["title"],
		Summary:         fields["summary"],
		Product:         fields["product"],
		Status:          status,
		SuggestedAction: fields["suggested_action"],
		TaskID:          fields["task_id"],
	}
	// Category and severity are empty until the topic has been classified.
	if v := fields["category"]; v != "" {
		if t.Category, err = ParseCategory(v); err != nil {
			return nil, fmt.Errorf("topic %s: %w", t.ID, err)
		}
	}
	if v := fields["severity"]; v != "" {
		if t.Severity, err = ParseSeverity(v); err != nil {
			return nil, fmt.Errorf("topic %s: %w", t.ID, err)
		}
	}
	if t.SignalCount, err = parseInt(fields["signal_count"]); err != nil {
		return nil, fmt.Errorf("topic %s signal_count: %w", t.ID, err)
	}
	if t.Confidence, err = parseFloat(fields["confidence"]); err != nil {
		return nil, fmt.Errorf("topic %s confidence: %w", t.ID, err)
	}
	if t.CreatedAt, err = parseInt(fields["created_at"]); err != nil {
		return nil, fmt.Errorf("topic %s created_at: %w", t.ID, err)
	}
	if t.UpdatedAt, err = parseInt(fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("topic %s updated_at: %w", t.ID, err)
	}
	return t, nil
}

// Task is an actionable work item produced by classifying a topic.
type Task struct {
	ID              string     `json:"id"`
	TopicID         string     `json:"topic_id"`
	Product         string     `json:"product"`
	Category        Category   `json:"category"`
	Title           string     `json:"title"`
	Summary         string     `json:"summary"`
	Severity        Severity   `json:"severity"`
	SuggestedAction string     `json:"suggested_action,omitempty"`
	Confidence      float64    `json:"confidence"`
	Status          TaskStatus `json:"status"`
	FixStatus       FixStatus  `json:"fix_status"`
	Iteration       int64      `json:"iteration"`
	Branch          string     `json:"branch,omitempty"`
	PRURL           string     `json:"pr_url,omitempty"`
	FilesChanged    []string   `json:"files_changed,omitempty"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	IssueURL        string     `json:"issue_url,omitempty"`
	IssueNumber     int64      `json:"issue_number,omitempty"`
	CreatedAt       int64      `json:"created_at"`
	UpdatedAt       int64      `json:"updated_at"`
}

// ToFields flattens the task into a store field map.
func (t *Task) ToFields() map[string]string {
	return map[string]string{
		"id":               t.ID,
		"topic_id":         t.TopicID,
		"product":          t.Product,
		"category":         string(t.Category),
		"title":            t.Title,
		"summary":          t.Summary,
		"severity":         string(t.Severity),
		"suggested_action": t.SuggestedAction,
		"confidence":       formatFloat(t.Confidence),
		"status":           string(t.Status),
		"fix_status":       string(t.FixStatus),
		"iteration":        formatInt(t.Iteration),
		"branch":           t.Branch,
		"pr_url":           t.PRURL,
		"files_changed":    formatStrings(t.FilesChanged),
		"failure_reason":   t.FailureReason,
		"issue_url":        t.IssueURL,
		"issue_number":     formatInt(t.IssueNumber),
		"created_at":       formatInt(t.CreatedAt),
		"updated_at":       formatInt(t.UpdatedAt),
	}
}

// TaskFromFields rebuilds a task from a store field map.
func TaskFromFields(fields map[string]string) (*Task, error) {
	category, err := ParseCategory(fields["category"])
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", fields["id"], err)
	}
	severity, err := ParseSeverity(fields["severity"])
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", fields["id"], err)
	}
	status, err := ParseTaskStatus(fields["status"])
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", fields["id"], err)
	}
	fixStatus, err := ParseFixStatus(fields["fix_status"])
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", fields["id"], err)
	}
	t := &Task{
		ID:              fields["id"],
		TopicID:         fields["topic_id"],
		Product:         fields["product"],
		Category:        category,
		Title:           fields["title"],
		Summary:         fields["summary"],
		Severity:        severity,
		SuggestedAction: fields["suggested_action"],
		Status:          status,
		FixStatus:       fixStatus,
		Branch:          fields["branch"],
		PRURL:           fields["pr_url"],
		FailureReason:   fields["failure_reason"],
		IssueURL:        fields["issue_url"],
	}
	if t.Confidence, err = parseFloat(fields["confidence"]); err != nil {
		return nil, fmt.Errorf("task %s confidence: %w", t.ID, err)
	}
	if t.Iteration, err = parseInt(fields["iteration"]); err != nil {
		return nil, fmt.Errorf("task %s iteration: %w", t.ID, err)
	}
	if t.IssueNumber, err = parseInt(fields["issue_number"]); err != nil {
		return nil, fmt.Errorf("task %s issue_number: %w", t.ID, err)
	}
	if t.FilesChanged, err = parseStrings(fields["files_changed"]); err != nil {
		return nil, fmt.Errorf("task %s files_changed: %w", t.ID, err)
	}
	if t.CreatedAt, err = parseInt(fields["created_at"]); err != nil {
		return nil, fmt.Errorf("task %s created_at: %w", t.ID, err)
	}
	if t.UpdatedAt, err = parseInt(fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("task %s updated_at: %w", t.ID, err)
	}
	return t, nil
}

// SuccessfulFix is the learning record written when a fix PR merges. Its
// embedding (title + summary) is stored under the vector field of the fixes
// index so later tasks can retrieve similar merged work.
type SuccessfulFix struct {
	TaskID       string    `json:"task_id"`
	Product      string    `json:"product"`
	Category     Category  `json:"category"`
	Title        string    `json:"title"`
	Summary      string    `json:"summary"`
	PRURL        string    `json:"pr_url"`
	PRTitle      string    `json:"pr_title,omitempty"`
	FilesChanged []string  `json:"files_changed,omitempty"`
	Embedding    []float32 `json:"-"`
	MergedAt     int64     `json:"merged_at"`
	CreatedAt    int64     `json:"created_at"`
}

// ToFields flattens the fix into a store field map (embedding excluded).
func (f *SuccessfulFix) ToFields() map[string]string {
	return map[string]string{
		"task_id":       f.TaskID,
		"product":       f.Product,
		"category":      string(f.Category),
		"title":         f.Title,
		"summary":       f.Summary,
		"pr_url":        f.PRURL,
		"pr_title":      f.PRTitle,
		"files_changed": formatStrings(f.FilesChanged),
		"merged_at":     formatInt(f.MergedAt),
		"created_at":    formatInt(f.CreatedAt),
	}
}

// SuccessfulFixFromFields rebuilds a fix from a store field map.
func SuccessfulFixFromFields(fields map[string]string) (*SuccessfulFix, error) {
	category, err := ParseCategory(fields["category"])
	if err != nil {
		return nil, fmt.Errorf("fix %s: %w", fields["task_id"], err)
	}
	f := &SuccessfulFix{
		TaskID:   fields["task_id"],
		Product:  fields["product"],
		Category: category,
		Title:    fields["title"],
		Summary:  fields["summary"],
		PRURL:    fields["pr_url"],
		PRTitle:  fields["pr_title"],
	}
	if f.FilesChanged, err = parseStrings(fields["files_changed"]); err != nil {
		return nil, fmt.Errorf("fix %s files_changed: %w", f.TaskID, err)
	}
	if f.MergedAt, err = parseInt(fields["merged_at"]); err != nil {
		return nil, fmt.Errorf("fix %s merged_at: %w", f.TaskID, err)
	}
	if f.CreatedAt, err = parseInt(fields["created_at"]); err != nil {
		return nil, fmt.Errorf("fix %s created_at: %w", f.TaskID, err)
	}
	return f, nil
}

// Rule is a reusable piece of guidance injected into fix contexts. Rules are
// deduplicated per product by normalized content.
type Rule struct {
	ID            string       `json:"id"`
	Product       string       `json:"product"`
	Content       string       `json:"content"`
	Category      RuleCategory `json:"category"`
	Source        RuleSource   `json:"source"`
	SourceTaskID  string       `json:"source_task_id,omitempty"`
	Reviewer      string       `json:"reviewer,omitempty"`
	TimesApplied  int64        `json:"times_applied"`
	LastAppliedAt int64        `json:"last_applied_at"`
	CreatedAt     int64        `json:"created_at"`
}

// ToFields flattens the rule into a store field map.
func (r *Rule) ToFields() map[string]string {
	return map[string]string{
		"id":              r.ID,
		"product":         r.Product,
		"content":         r.Content,
		"category":        string(r.Category),
		"source":          string(r.Source),
		"source_task_id":  r.SourceTaskID,
		"reviewer":        r.Reviewer,
		"times_applied":   formatInt(r.TimesApplied),
		"last_applied_at": formatInt(r.LastAppliedAt),
		"created_at":      formatInt(r.CreatedAt),
	}
}

// RuleFromFields rebuilds a rule from a store field map.
func RuleFromFields(fields map[string]string) (*Rule, error) {
	category, err := ParseRuleCategory(fields["category"])
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", fields["id"], err)
	}
	source, err := ParseRuleSource(fields["source"])
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", fields["id"], err)
	}
	r := &Rule{
		ID:           fields["id"],
		Product:      fields["product"],
		Content:      fields["content"],
		Category:     category,
		Source:       source,
		SourceTaskID: fields["source_task_id"],
		Reviewer:     fields["reviewer"],
	}
	if r.TimesApplied, err = parseInt(fields["times_applied"]); err != nil {
		return nil, fmt.Errorf("rule %s times_applied: %w", r.ID, err)
	}
	if r.LastAppliedAt, err = parseInt(fields["last_applied_at"]); err != nil {
		return nil, fmt.Errorf("rule %s last_applied_at: %w", r.ID, err)
	}
	if r.CreatedAt, err = parseInt(fields["created_at"]); err != nil {
		return nil, fmt.Errorf("rule %s created_at: %w", r.ID, err)
	}
	return r, nil
}

func formatStrings(vals []string) string {
	if len(vals) == 0 {
		return "[]"
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func parseStrings(raw string) ([]string, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var vals []string
	if err := json.Unmarshal([]byte(raw), &vals); err != nil {
		return nil, err
	}
	return vals, nil
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}
