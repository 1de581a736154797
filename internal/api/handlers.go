package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/darwin-engine/darwin/internal/ingest"
	"github.com/darwin-engine/darwin/internal/learning"
	"github.com/darwin-engine/darwin/internal/models"
	"github.com/darwin-engine/darwin/internal/store"
)

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	storeOK := s.deps.Store.Ping(ctx) == nil
	status := http.StatusOK
	if !storeOK {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ok": storeOK, "store_ok": storeOK})
}

func (s *Server) stats(c *gin.Context) {
	ctx := c.Request.Context()
	queues := gin.H{}
	for _, q := range []string{
		store.QueueToEmbed, store.QueueToClassify, store.QueueTriage,
		store.DeadLetterQueue(store.QueueToEmbed), store.DeadLetterQueue(store.QueueToClassify),
	} {
		n, err := s.deps.Store.QueueLen(ctx, q)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		queues[q] = n
	}
	records := gin.H{}
	for name, prefix := range map[string]string{
		"signals": "signal:", "topics": "topic:", "tasks": "task:", "successful_fixes": "fix:success:",
	} {
		keys, err := s.deps.Store.ScanKeys(ctx, prefix+"*")
		if err != nil {
			respondStoreError(c, err)
			return
		}
		records[name] = len(keys)
	}
	c.JSON(http.StatusOK, gin.H{"queues": queues, "records": records})
}

func (s *Server) ingestBatch(c *gin.Context) {
	var items []ingest.Item
	if err := c.ShouldBindJSON(&items); err != nil {
		respondError(c, http.StatusBadRequest, CodeValidation, "body must be a JSON array of signals")
		return
	}
	res, err := s.deps.Ingest.Ingest(c.Request.Context(), items)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) listSignals(c *gin.Context) {
	product := c.Query("product")
	limit := listLimit(c)

	signals := make([]*models.Signal, 0)
	err := s.forEachRecord(c.Request.Context(), "signal:*", func(fields map[string]string) error {
		if product != "" && fields["product"] != product {
			return nil
		}
		sig, err := models.SignalFromFields(fields)
		if err != nil {
			return err
		}
		signals = append(signals, sig)
		return nil
	})
	if err != nil {
		respondStoreError(c, err)
		return
	}
	sort.Slice(signals, func(i, j int) bool {
		if signals[i].LastSeen != signals[j].LastSeen {
			return signals[i].LastSeen > signals[j].LastSeen
		}
		return signals[i].Hash < signals[j].Hash
	})
	if len(signals) > limit {
		signals = signals[:limit]
	}
	c.JSON(http.StatusOK, signals)
}

func (s *Server) listTopics(c *gin.Context) {
	product := c.Query("product")
	limit := listLimit(c)

	topics := make([]*models.Topic, 0)
	err := s.forEachRecord(c.Request.Context(), "topic:*", func(fields map[string]string) error {
		if product != "" && fields["product"] != product {
			return nil
		}
		topic, err := models.TopicFromFields(fields)
		if err != nil {
			return err
		}
		topics = append(topics, topic)
		return nil
	})
	if err != nil {
		respondStoreError(c, err)
		return
	}
	sort.Slice(topics, func(i, j int) bool {
		if topics[i].CreatedAt != topics[j].CreatedAt {
			return topics[i].CreatedAt > topics[j].CreatedAt
		}
		return topics[i].ID < topics[j].ID
	})
	if len(topics) > limit {
		topics = topics[:limit]
	}
	c.JSON(http.StatusOK, topics)
}

func (s *Server) getTopic(c *gin.Context) {
	fields, err := s.deps.Store.GetRecord(c.Request.Context(), store.TopicKey(c.Param("id")))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	topic, err := models.TopicFromFields(fields)
	if err != nil {
		respondError(c, http.StatusInternalServerError, CodeInternal, "stored topic is malformed")
		return
	}
	c.JSON(http.StatusOK, topic)
}

func (s *Server) listTasks(c *gin.Context) {
	status := c.Query("status")
	category := c.Query("category")
	limit := listLimit(c)

	tasks := make([]*models.Task, 0)
	err := s.forEachRecord(c.Request.Context(), "task:*", func(fields map[string]string) error {
		if status != "" && fields["status"] != status {
			return nil
		}
		if category != "" && fields["category"] != category {
			return nil
		}
		task, err := models.TaskFromFields(fields)
		if err != nil {
			return err
		}
		tasks = append(tasks, task)
		return nil
	})
	if err != nil {
		respondStoreError(c, err)
		return
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt != tasks[j].CreatedAt {
			return tasks[i].CreatedAt > tasks[j].CreatedAt
		}
		return tasks[i].ID < tasks[j].ID
	})
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	c.JSON(http.StatusOK, tasks)
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.loadTask(c)
	if err != nil {
		return
	}
	c.JSON(http.StatusOK, task)
}

type patchTaskBody struct {
	Status string `json:"status"`
}

// patchTask applies an explicit operator transition. Legal moves: open and
// in_progress may swap, and either may finish as done; done is terminal.
func (s *Server) patchTask(c *gin.Context) {
	var body patchTaskBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, CodeValidation, "body must carry a status field")
		return
	}
	target, err := models.ParseTaskStatus(body.Status)
	if err != nil {
		respondError(c, http.StatusBadRequest, CodeValidation, "unknown task status")
		return
	}
	task, err := s.loadTask(c)
	if err != nil {
		return
	}
	if task.Status == target {
		c.JSON(http.StatusOK, task)
		return
	}
	if task.Status == models.TaskDone {
		respondError(c, http.StatusConflict, CodeConflict, "task is done; no further transitions")
		return
	}

	updates := map[string]string{
		"status":     string(target),
		"updated_at": strconv.FormatInt(time.Now().Unix(), 10),
	}
	ok, err := s.deps.Store.CheckAndSet(c.Request.Context(), store.TaskKey(task.ID), "status", string(task.Status),
		map[string]map[string]string{store.TaskKey(task.ID): updates})
	if err != nil {
		respondStoreError(c, err)
		return
	}
	if !ok {
		respondError(c, http.StatusConflict, CodeConflict, "task changed concurrently")
		return
	}
	task.Status = target
	c.JSON(http.StatusOK, task)
}

// createIssue opens a forge issue for the task. Repeated calls return the
// existing issue.
func (s *Server) createIssue(c *gin.Context) {
	task, err := s.loadTask(c)
	if err != nil {
		return
	}
	if task.IssueURL != "" {
		c.JSON(http.StatusOK, gin.H{"issue_url": task.IssueURL, "issue_number": task.IssueNumber})
		return
	}
	if s.deps.Issues == nil {
		respondError(c, http.StatusServiceUnavailable, CodeProviderError, "no forge client configured")
		return
	}
	repo, ok := s.deps.ProductRepos[task.Product]
	if !ok || repo == "" {
		respondError(c, http.StatusBadRequest, CodeValidation, "no repository configured for product")
		return
	}

	body := task.Summary
	if task.SuggestedAction != "" {
		body += "\n\n**Suggested action:** " + task.SuggestedAction
	}
	issue, err := s.deps.Issues.CreateIssue(c.Request.Context(), repo, task.Title, body,
		[]string{"darwin", string(task.Category)})
	if err != nil {
		s.logger.Error("issue creation failed", map[string]interface{}{
			"task_id": task.ID, "error": err.Error(),
		})
		respondError(c, http.StatusBadGateway, CodeProviderError, "forge issue creation failed")
		return
	}

	if err := s.deps.Store.SetFields(c.Request.Context(), store.TaskKey(task.ID), map[string]string{
		"issue_url":    issue.HTMLURL,
		"issue_number": strconv.FormatInt(issue.Number, 10),
		"updated_at":   strconv.FormatInt(time.Now().Unix(), 10),
	}); err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"issue_url": issue.HTMLURL, "issue_number": issue.Number})
}

func (s *Server) startFix(c *gin.Context) {
	if s.deps.Runner == nil {
		respondError(c, http.StatusServiceUnavailable, CodeProviderError, "no agent executor configured")
		return
	}
	res, err := s.deps.Runner.Run(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) listProducts(c *gin.Context) {
	type product struct {
		Name string `json:"name"`
		Repo string `json:"repo"`
	}
	products := make([]product, 0, len(s.deps.ProductRepos))
	for name, repo := range s.deps.ProductRepos {
		products = append(products, product{Name: name, Repo: repo})
	}
	sort.Slice(products, func(i, j int) bool { return products[i].Name < products[j].Name })
	c.JSON(http.StatusOK, products)
}

func (s *Server) listRules(c *gin.Context) {
	rules, err := s.deps.Learning.AllRules(c.Request.Context(), c.Param("product"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, rules)
}

type createRuleBody struct {
	Content  string `json:"content"`
	Category string `json:"category"`
	Source   string `json:"source"`
}

func (s *Server) createRule(c *gin.Context) {
	var body createRuleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, CodeValidation, "body must carry content and category")
		return
	}
	if body.Source == "" {
		body.Source = string(models.RuleSourceManual)
	}
	rule, err := s.deps.Learning.UpsertRule(c.Request.Context(), learning.RuleInput{
		Product:  c.Param("product"),
		Content:  body.Content,
		Category: body.Category,
		Source:   body.Source,
	})
	if err != nil {
		respondError(c, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (s *Server) deleteRule(c *gin.Context) {
	err := s.deps.Learning.DeleteRule(c.Request.Context(), c.Param("product"), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		respondError(c, http.StatusNotFound, CodeNotFound, "rule not found")
		return
	}
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// loadTask fetches the task in the :id route param, writing the error
// response itself. A nil task means the response is already committed.
func (s *Server) loadTask(c *gin.Context) (*models.Task, error) {
	fields, err := s.deps.Store.GetRecord(c.Request.Context(), store.TaskKey(c.Param("id")))
	if err != nil {
		respondStoreError(c, err)
		return nil, err
	}
	task, err := models.TaskFromFields(fields)
	if err != nil {
		respondError(c, http.StatusInternalServerError, CodeInternal, "stored task is malformed")
		return nil, err
	}
	return task, nil
}

// forEachRecord scans keys by pattern and feeds each record's fields to fn.
// Records deleted mid-scan are skipped.
func (s *Server) forEachRecord(ctx context.Context, pattern string, fn func(map[string]string) error) error {
	keys, err := s.deps.Store.ScanKeys(ctx, pattern)
	if err != nil {
		return err
	}
	for _, key := range keys {
		fields, err := s.deps.Store.GetRecord(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(fields); err != nil {
			return err
		}
	}
	return nil
}

func listLimit(c *gin.Context) int {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
