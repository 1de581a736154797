// Package classify turns clustered topics into actionable tasks. An LLM reads
// the topic's recent signals and returns a structured verdict; a confident
// verdict materializes a task, a vague or non-actionable one only annotates
// the topic.
package classify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/darwin-engine/darwin/internal/llm"
	"github.com/darwin-engine/darwin/internal/models"
	"github.com/darwin-engine/darwin/internal/observability"
	"github.com/darwin-engine/darwin/internal/store"
)

const (
	// maxSignals bounds how many recent signals feed the prompt.
	maxSignals = 10

	// maxExcerptLen truncates each signal excerpt; maxExcerptTotal caps the
	// combined excerpt payload.
	maxExcerptLen   = 500
	maxExcerptTotal = 4000

	// DefaultConfidenceThreshold is the minimum verdict confidence that
	// materializes a task.
	DefaultConfidenceThreshold = 0.5

	// maxMaterializeAttempts bounds retries when racing another classifier
	// for the topic's task slot.
	maxMaterializeAttempts = 3
)

// Classification outcomes.
const (
	OutcomeSkipped     = "skipped"
	OutcomeTaskCreated = "task_created"
	OutcomeTaskUpdated = "task_updated"
)

// ErrLLMUnavailable wraps transport-level provider failures so callers can
// separate them from store outages and schema rejections.
var ErrLLMUnavailable = errors.New("llm unavailable")

// Classification is the structured verdict returned by the model.
type Classification struct {
	Category        string  `json:"category"`
	Title           string  `json:"title"`
	Summary         string  `json:"summary"`
	Severity        string  `json:"severity"`
	SuggestedAction string  `json:"suggested_action"`
	Confidence      float64 `json:"confidence"`
}

const classificationSchema = `{
	"type": "object",
	"properties": {
		"category": {"type": "string", "enum": ["BUG", "FEATURE", "UX", "OTHER"]},
		"title": {"type": "string", "minLength": 1},
		"summary": {"type": "string"},
		"severity": {"type": "string", "enum": ["low", "medium", "high", "critical"]},
		"suggested_action": {"type": "string"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1}
	},
	"required": ["category", "title", "summary", "severity", "confidence"]
}`

const classifySystemPrompt = `You are a product triage analyst. You read clustered user feedback and decide what kind of engineering work it calls for.

Respond with a single JSON object:
{
  "category": "BUG" | "FEATURE" | "UX" | "OTHER",
  "title": "short imperative title for the work item",
  "summary": "two to three sentences describing what users are reporting",
  "severity": "low" | "medium" | "high" | "critical",
  "suggested_action": "one sentence naming the next engineering step",
  "confidence": 0.0 to 1.0
}

Guidelines:
- BUG: something is broken or behaves incorrectly.
- FEATURE: users ask for something that does not exist yet.
- UX: the product works but is confusing, slow to use, or frustrating.
- OTHER: praise, spam, support questions, or anything an engineer cannot act on.
- severity reflects user impact, not how loudly users complain.
- confidence reflects how sure you are the signals describe one coherent, actionable issue.

Respond with JSON only, no markdown fences.`

// Result reports what a classification round did. TaskID is set for the task
// outcomes.
type Result struct {
	Outcome        string
	TaskID         string
	Classification *Classification
}

// Classifier drives one topic through the LLM and materializes the verdict.
type Classifier struct {
	store     store.Store
	llm       llm.Client
	threshold float64
	logger    observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time
	newID     func() string
}

func NewClassifier(s store.Store, client llm.Client, threshold float64, logger observability.Logger, metrics *observability.Metrics) *Classifier {
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	return &Classifier{
		store:     s,
		llm:       client,
		threshold: threshold,
		logger:    logger.WithPrefix("classify"),
		metrics:   metrics,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Classify loads the topic and its recent signals, asks the model for a
// verdict and applies it. OTHER verdicts and verdicts below the confidence
// threshold update the topic without creating a task. Task creation is
// idempotent per topic: a live task is updated in place rather than
// duplicated.
func (c *Classifier) Classify(ctx context.Context, topicID string) (*Result, error) {
	topicKey := store.TopicKey(topicID)
	fields, err := c.store.GetRecord(ctx, topicKey)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", topicKey, err)
	}
	topic, err := models.TopicFromFields(fields)
	if err != nil {
		return nil, err
	}

	signals, err := c.recentSignals(ctx, topicID)
	if err != nil {
		return nil, err
	}

	raw, err := c.llm.CompleteJSON(ctx, classifySystemPrompt, buildPrompt(topic, signals))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLLMUnavailable, err)
	}
	verdict, err := decodeVerdict(raw)
	if err != nil {
		c.logger.Warn("verdict rejected", map[string]interface{}{
			"topic_id": topicID, "error": err.Error(),
		})
		return nil, err
	}

	return c.materialize(ctx, topic, verdict)
}

// decodeVerdict validates the raw model output against the classification
// schema and the enum domains. Every rejection wraps llm.ErrSchemaInvalid.
func decodeVerdict(raw string) (*Classification, error) {
	obj, err := llm.ExtractJSONObject(raw)
	if err != nil {
		return nil, err
	}
	var verdict Classification
	if err := llm.DecodeValidated(classificationSchema, []byte(obj), &verdict); err != nil {
		return nil, err
	}
	if _, err := models.ParseCategory(verdict.Category); err != nil {
		return nil, fmt.Errorf("%w: %w", llm.ErrSchemaInvalid, err)
	}
	if _, err := models.ParseSeverity(verdict.Severity); err != nil {
		return nil, fmt.Errorf("%w: %w", llm.ErrSchemaInvalid, err)
	}
	return &verdict, nil
}

func (c *Classifier) materialize(ctx context.Context, topic *models.Topic, verdict *Classification) (*Result, error) {
	now := strconv.FormatInt(c.now().Unix(), 10)
	topicUpdates := map[string]string{
		"title":            verdict.Title,
		"summary":          verdict.Summary,
		"category":         verdict.Category,
		"severity":         verdict.Severity,
		"suggested_action": verdict.SuggestedAction,
		"confidence":       strconv.FormatFloat(verdict.Confidence, 'f', -1, 64),
		"updated_at":       now,
	}

	if verdict.Category == string(models.CategoryOther) || verdict.Confidence < c.threshold {
		if err := c.store.SetFields(ctx, store.TopicKey(topic.ID), topicUpdates); err != nil {
			return nil, fmt.Errorf("annotate topic %s: %w", topic.ID, err)
		}
		c.logger.Info("topic classified without task", map[string]interface{}{
			"topic_id": topic.ID, "category": verdict.Category, "confidence": verdict.Confidence,
		})
		c.metrics.CountClassification(OutcomeSkipped)
		return &Result{Outcome: OutcomeSkipped, Classification: verdict}, nil
	}

	res, err := c.materializeTask(ctx, topic, verdict, topicUpdates)
	if err != nil {
		return nil, err
	}
	c.metrics.CountClassification("task")
	return res, nil
}

// materializeTask creates the topic's task or refreshes the live one. The
// create path claims topic.task_id under a conditional write so two
// classifiers racing the same topic produce a single task.
func (c *Classifier) materializeTask(ctx context.Context, topic *models.Topic, verdict *Classification, topicUpdates map[string]string) (*Result, error) {
	now := c.now().Unix()
	taskUpdates := map[string]string{
		"title":            verdict.Title,
		"summary":          verdict.Summary,
		"category":         verdict.Category,
		"severity":         verdict.Severity,
		"suggested_action": verdict.SuggestedAction,
		"confidence":       strconv.FormatFloat(verdict.Confidence, 'f', -1, 64),
		"updated_at":       strconv.FormatInt(now, 10),
	}

	currentTaskID := topic.TaskID
	for attempt := 0; attempt < maxMaterializeAttempts; attempt++ {
		if currentTaskID != "" {
			fields, err := c.store.GetRecord(ctx, store.TaskKey(currentTaskID))
			switch {
			case errors.Is(err, store.ErrNotFound):
				// Stale pointer, fall through and mint a fresh task.
			case err != nil:
				return nil, fmt.Errorf("load task %s: %w", currentTaskID, err)
			default:
				task, err := models.TaskFromFields(fields)
				if err != nil {
					return nil, err
				}
				if task.Status != models.TaskDone {
					if err := c.store.SetFields(ctx, store.TaskKey(task.ID), taskUpdates); err != nil {
						return nil, fmt.Errorf("update task %s: %w", task.ID, err)
					}
					if err := c.store.SetFields(ctx, store.TopicKey(topic.ID), topicUpdates); err != nil {
						return nil, fmt.Errorf("annotate topic %s: %w", topic.ID, err)
					}
					c.logger.Info("task refreshed", map[string]interface{}{
						"topic_id": topic.ID, "task_id": task.ID,
					})
					return &Result{Outcome: OutcomeTaskUpdated, TaskID: task.ID, Classification: verdict}, nil
				}
				// The previous task is done; new signals on the topic warrant
				// a fresh one.
			}
		}

		task := &models.Task{
			ID:              c.newID(),
			TopicID:         topic.ID,
			Product:         topic.Product,
			Category:        models.Category(verdict.Category),
			Title:           verdict.Title,
			Summary:         verdict.Summary,
			Severity:        models.Severity(verdict.Severity),
			SuggestedAction: verdict.SuggestedAction,
			Confidence:      verdict.Confidence,
			Status:          models.TaskOpen,
			FixStatus:       models.FixNone,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		updates := make(map[string]string, len(topicUpdates)+1)
		for k, v := range topicUpdates {
			updates[k] = v
		}
		updates["task_id"] = task.ID

		ok, err := c.store.CheckAndSet(ctx, store.TopicKey(topic.ID), "task_id", currentTaskID,
			map[string]map[string]string{
				store.TaskKey(task.ID):   task.ToFields(),
				store.TopicKey(topic.ID): updates,
			})
		if err != nil {
			return nil, fmt.Errorf("create task for topic %s: %w", topic.ID, err)
		}
		if ok {
			c.logger.Info("task created", map[string]interface{}{
				"topic_id": topic.ID, "task_id": task.ID,
				"category": verdict.Category, "severity": verdict.Severity,
			})
			c.metrics.CountTask()
			return &Result{Outcome: OutcomeTaskCreated, TaskID: task.ID, Classification: verdict}, nil
		}

		// Another classifier claimed the slot; adopt its task.
		fields, err := c.store.GetRecord(ctx, store.TopicKey(topic.ID))
		if err != nil {
			return nil, fmt.Errorf("reload topic %s: %w", topic.ID, err)
		}
		currentTaskID = fields["task_id"]
	}
	return nil, fmt.Errorf("topic %s: task slot contention after %d attempts", topic.ID, maxMaterializeAttempts)
}

// recentSignals returns the topic's signals, newest first by last_seen,
// capped at maxSignals.
func (c *Classifier) recentSignals(ctx context.Context, topicID string) ([]*models.Signal, error) {
	keys, err := c.store.ScanKeys(ctx, "signal:*")
	if err != nil {
		return nil, fmt.Errorf("scan signals: %w", err)
	}
	var signals []*models.Signal
	for _, key := range keys {
		fields, err := c.store.GetRecord(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", key, err)
		}
		if fields["topic_id"] != topicID {
			continue
		}
		sig, err := models.SignalFromFields(fields)
		if err != nil {
			return nil, err
		}
		signals = append(signals, sig)
	}
	sort.Slice(signals, func(i, j int) bool {
		if signals[i].LastSeen != signals[j].LastSeen {
			return signals[i].LastSeen > signals[j].LastSeen
		}
		return signals[i].Hash < signals[j].Hash
	})
	if len(signals) > maxSignals {
		signals = signals[:maxSignals]
	}
	return signals, nil
}

// buildPrompt renders the topic and its signal excerpts. Each excerpt is
// truncated to maxExcerptLen and the combined excerpt text to
// maxExcerptTotal.
func buildPrompt(topic *models.Topic, signals []*models.Signal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Product: %s\n", topic.Product)
	fmt.Fprintf(&b, "Topic: %s\n", topic.Title)
	fmt.Fprintf(&b, "Attached signals: %d\n\n", topic.SignalCount)
	b.WriteString("User feedback, most recent first:\n\n")

	budget := maxExcerptTotal
	for i, sig := range signals {
		if budget <= 0 {
			break
		}
		excerpt := truncate(strings.TrimSpace(sig.Text), maxExcerptLen)
		excerpt = truncate(excerpt, budget)
		budget -= len(excerpt)
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, sig.Source, excerpt)
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
