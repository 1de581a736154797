package forge

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SignatureHeader is the request header carrying the webhook HMAC.
const SignatureHeader = "X-Hub-Signature-256"

// EventHeader is the request header naming the webhook event type.
const EventHeader = "X-GitHub-Event"

// Webhook event kinds the review loop consumes.
const (
	EventPullRequest       = "pull_request"
	EventPullRequestReview = "pull_request_review"
)

// ErrUnhandledEvent marks webhook deliveries the pipeline does not act on
// (pushes, pings, and anything else the forge sends).
var ErrUnhandledEvent = errors.New("unhandled webhook event")

// Event is the normalized form of a webhook delivery. Review is set only for
// pull_request_review events, with State lowercased (approved,
// changes_requested, commented).
type Event struct {
	Kind     string
	Action   string
	Repo     string
	PRNumber int64
	PRURL    string
	PRTitle  string
	Branch   string
	Merged   bool
	MergedAt int64
	Review   *PRReview
}

type prWire struct {
	Number   int64  `json:"number"`
	HTMLURL  string `json:"html_url"`
	Title    string `json:"title"`
	Merged   bool   `json:"merged"`
	MergedAt string `json:"merged_at"`
	Head     struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

type repoWire struct {
	FullName string `json:"full_name"`
}

type prEventWire struct {
	Action      string   `json:"action"`
	PullRequest prWire   `json:"pull_request"`
	Repository  repoWire `json:"repository"`
}

type reviewEventWire struct {
	Action      string     `json:"action"`
	Review      reviewWire `json:"review"`
	PullRequest prWire     `json:"pull_request"`
	Repository  repoWire   `json:"repository"`
}

// ParseEvent decodes a webhook delivery identified by its event header.
// Event kinds outside the review loop return ErrUnhandledEvent.
func ParseEvent(eventType string, payload []byte) (*Event, error) {
	switch eventType {
	case EventPullRequest:
		var wire prEventWire
		if err := json.Unmarshal(payload, &wire); err != nil {
			return nil, fmt.Errorf("failed to decode pull_request event: %w", err)
		}
		ev := eventFromPR(EventPullRequest, wire.Action, wire.Repository.FullName, wire.PullRequest)
		return ev, nil
	case EventPullRequestReview:
		var wire reviewEventWire
		if err := json.Unmarshal(payload, &wire); err != nil {
			return nil, fmt.Errorf("failed to decode pull_request_review event: %w", err)
		}
		ev := eventFromPR(EventPullRequestReview, wire.Action, wire.Repository.FullName, wire.PullRequest)
		ev.Review = &PRReview{
			ID:          wire.Review.ID,
			Body:        wire.Review.Body,
			State:       strings.ToLower(wire.Review.State),
			User:        wire.Review.User.Login,
			SubmittedAt: wire.Review.SubmittedAt,
			HTMLURL:     wire.Review.HTMLURL,
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnhandledEvent, eventType)
	}
}

func eventFromPR(kind, action, repo string, pr prWire) *Event {
	return &Event{
		Kind:     kind,
		Action:   strings.ToLower(action),
		Repo:     repo,
		PRNumber: pr.Number,
		PRURL:    pr.HTMLURL,
		PRTitle:  pr.Title,
		Branch:   pr.Head.Ref,
		Merged:   pr.Merged,
		MergedAt: parseTimestamp(pr.MergedAt),
	}
}

// parseTimestamp converts the forge's RFC 3339 timestamps to unix seconds,
// returning zero for absent or malformed values.
func parseTimestamp(s string) int64 {
	if s == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0
	}
	return t.Unix()
}

// Signature computes the hex HMAC-SHA256 of payload under secret in the
// header format the forge sends: "sha256=<hex>".
func Signature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header against the raw request body
// using a constant-time comparison. An empty secret never verifies.
func VerifySignature(payload []byte, header, secret string) bool {
	if secret == "" || !strings.HasPrefix(header, "sha256=") {
		return false
	}
	return hmac.Equal([]byte(header), []byte(Signature(payload, secret)))
}
