package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/darwin-engine/darwin/internal/models"
	"github.com/darwin-engine/darwin/internal/observability"
	"github.com/darwin-engine/darwin/internal/store"
)

// Item is the wire form of one feedback item. Unknown JSON fields are
// ignored; timestamp accepts RFC3339 strings or unix seconds.
type Item struct {
	ID        string   `json:"id,omitempty"`
	Text      string   `json:"text"`
	Source    string   `json:"source"`
	URL       string   `json:"url,omitempty"`
	Title     string   `json:"title,omitempty"`
	Author    string   `json:"author,omitempty"`
	Product   string   `json:"product"`
	Timestamp UnixTime `json:"timestamp,omitempty"`
}

// UnixTime is a unix-seconds timestamp that also unmarshals RFC3339 strings.
type UnixTime int64

// UnmarshalJSON implements json.Unmarshaler.
func (u *UnixTime) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		*u = 0
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		ts, err := time.Parse(time.RFC3339, str)
		if err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		*u = UnixTime(ts.Unix())
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	*u = UnixTime(int64(n))
	return nil
}

// Item outcomes.
const (
	OutcomeQueued    = "queued"
	OutcomeDuplicate = "duplicate"
	OutcomeInvalid   = "invalid"
	OutcomeError     = "error"
)

// ItemResult reports the fate of one item in a batch.
type ItemResult struct {
	Outcome string `json:"outcome"`
	Hash    string `json:"hash,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// BatchResult summarizes an ingest call. Delayed hints that the embed queue
// is saturated and processing will lag.
type BatchResult struct {
	Total      int          `json:"total"`
	Queued     int          `json:"queued"`
	Duplicates int          `json:"duplicates"`
	Invalid    int          `json:"invalid"`
	Errors     int          `json:"errors"`
	Delayed    bool         `json:"delayed,omitempty"`
	Results    []ItemResult `json:"results"`
}

// Service validates, deduplicates and persists feedback batches.
type Service struct {
	store        store.Store
	backpressure int64
	logger       observability.Logger
	metrics      *observability.Metrics
	now          func() time.Time
}

// NewService builds an ingest service. backpressure is the embed-queue depth
// past which batches are flagged as delayed.
func NewService(s store.Store, backpressure int64, logger observability.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		store:        s,
		backpressure: backpressure,
		logger:       logger.WithPrefix("ingest"),
		metrics:      metrics,
		now:          time.Now,
	}
}

// Ingest processes a batch. Store failures are reported per item; the batch
// continues. The returned error is reserved for total store outage surfaced
// by the queue length probe.
func (s *Service) Ingest(ctx context.Context, items []Item) (*BatchResult, error) {
	res := &BatchResult{Total: len(items), Results: make([]ItemResult, 0, len(items))}

	for _, item := range items {
		res.Results = append(res.Results, s.ingestOne(ctx, item))
	}
	for _, r := range res.Results {
		switch r.Outcome {
		case OutcomeQueued:
			res.Queued++
		case OutcomeDuplicate:
			res.Duplicates++
		case OutcomeInvalid:
			res.Invalid++
		case OutcomeError:
			res.Errors++
		}
		s.metrics.CountSignal(r.Outcome)
	}

	depth, err := s.store.QueueLen(ctx, store.QueueToEmbed)
	if err != nil {
		return res, fmt.Errorf("embed queue length: %w", err)
	}
	res.Delayed = depth > s.backpressure
	if res.Delayed {
		s.logger.Warn("embed queue saturated", map[string]interface{}{
			"depth": depth, "limit": s.backpressure,
		})
	}
	return res, nil
}

func (s *Service) ingestOne(ctx context.Context, item Item) ItemResult {
	normalized := Normalize(item.Text)
	if reason := ValidationReason(normalized, item.Product); reason != "" {
		return ItemResult{Outcome: OutcomeInvalid, Reason: reason}
	}
	hash := ContentHash(normalized)

	seen := int64(item.Timestamp)
	if seen == 0 {
		seen = s.now().Unix()
	}
	signal := &models.Signal{
		Hash:       hash,
		SourceID:   item.ID,
		Text:       item.Text,
		Normalized: normalized,
		Source:     item.Source,
		URL:        item.URL,
		Title:      item.Title,
		Author:     item.Author,
		Product:    item.Product,
		FirstSeen:  seen,
		LastSeen:   seen,
	}

	created, err := s.store.CreateRecordAndEnqueue(ctx,
		store.SignalKey(hash), signal.ToFields(), store.QueueToEmbed, hash)
	if err != nil {
		s.logger.Error("signal write failed", map[string]interface{}{
			"hash": hash, "error": err.Error(),
		})
		return ItemResult{Outcome: OutcomeError, Hash: hash, Reason: "store write failed"}
	}
	if !created {
		bump := map[string]string{"last_seen": strconv.FormatInt(s.now().Unix(), 10)}
		if err := s.store.SetFields(ctx, store.SignalKey(hash), bump); err != nil {
			s.logger.Warn("last_seen bump failed", map[string]interface{}{
				"hash": hash, "error": err.Error(),
			})
		}
		return ItemResult{Outcome: OutcomeDuplicate, Hash: hash}
	}
	return ItemResult{Outcome: OutcomeQueued, Hash: hash}
}
