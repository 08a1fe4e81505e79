package asset

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusReceived  Status = "RECEIVED"
	StatusProcessed Status = "PROCESSED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// CanAdvanceTo reports whether s -> next is a legal forward transition.
func (s Status) CanAdvanceTo(next Status) bool {
	return s == StatusReceived && next.Terminal()
}

func (s Status) Valid() bool {
	switch s {
	case StatusReceived, StatusProcessed, StatusFailed:
		return true
	}
	return false
}

const (
	DefaultRecipePK = "RECIPE#unknown"
	DefaultRecipeSK = "CREATED#0"
)

type Asset struct {
	AssetID         string    `json:"asset_id"`
	Bucket          string    `json:"bucket"`
	ObjectKey       string    `json:"object_key,omitempty"`
	RecipePK        string    `json:"recipe_pk,omitempty"`
	RecipeSK        string    `json:"recipe_sk,omitempty"`
	Status          Status    `json:"status"`
	IngestedAt      time.Time `json:"-"`
	ProcessedAt     time.Time `json:"-"`
	ExecutionHandle string    `json:"execution_handle,omitempty"`
	EventPublished  bool      `json:"-"`
}

// MarshalJSON renders timestamps as unix seconds and omits processed_at until set.
func (a Asset) MarshalJSON() ([]byte, error) {
	type alias Asset
	out := struct {
		alias
		IngestedAt  int64  `json:"ingested_at"`
		ProcessedAt *int64 `json:"processed_at,omitempty"`
	}{alias: alias(a), IngestedAt: a.IngestedAt.Unix()}
	if !a.ProcessedAt.IsZero() {
		ts := a.ProcessedAt.Unix()
		out.ProcessedAt = &ts
	}
	return json.Marshal(out)
}

type RecipeKey struct {
	PK string `json:"pk"`
	SK string `json:"sk"`
}

func (k RecipeKey) String() string {
	return k.PK + "/" + k.SK
}

type Recipe struct {
	PK          string    `json:"pk"`
	SK          string    `json:"sk"`
	Name        string    `json:"name"`
	Author      string    `json:"author"`
	Status      string    `json:"status"`
	CreatedAt   int64     `json:"created_at"`
	Ingredients []string  `json:"ingredients"`
	Steps       []string  `json:"steps"`
	LastAssetID string    `json:"last_asset_id,omitempty"`
	LastAssetAt time.Time `json:"-"`
}

func (r Recipe) Key() RecipeKey {
	return RecipeKey{PK: r.PK, SK: r.SK}
}

// Notification is the upload-completion message consumed by the ingest coordinator.
type Notification struct {
	AssetID   string `json:"asset_id,omitempty"`
	Bucket    string `json:"bucket"`
	ObjectKey string `json:"object_key"`
	RecipePK  string `json:"recipe_pk"`
	RecipeSK  string `json:"recipe_sk"`
}

func (n Notification) Normalize() Notification {
	n.Bucket = strings.TrimSpace(n.Bucket)
	n.ObjectKey = strings.TrimSpace(n.ObjectKey)
	n.AssetID = strings.TrimSpace(n.AssetID)
	if strings.TrimSpace(n.RecipePK) == "" {
		n.RecipePK = DefaultRecipePK
	}
	if strings.TrimSpace(n.RecipeSK) == "" {
		n.RecipeSK = DefaultRecipeSK
	}
	return n
}

func (n Notification) Recipe() RecipeKey {
	return RecipeKey{PK: n.RecipePK, SK: n.RecipeSK}
}

// ParseNotification decodes and normalizes a notification body. Any decode or
// shape problem is permanent: redelivering the same bytes cannot succeed.
func ParseNotification(body []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return Notification{}, fmt.Errorf("%w: decode notification: %v", ErrPermanentInput, err)
	}
	n = n.Normalize()
	if n.Bucket == "" || n.ObjectKey == "" {
		return Notification{}, fmt.Errorf("%w: notification requires bucket and object_key", ErrPermanentInput)
	}
	return n, nil
}

type PipelineInput struct {
	AssetID   string `json:"asset_id"`
	Bucket    string `json:"bucket"`
	ObjectKey string `json:"object_key"`
	RecipePK  string `json:"recipe_pk"`
}

type Outcome string

const (
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"
)

// FinishSignal reports that the pipeline run for an asset has ended.
type FinishSignal struct {
	AssetID   string  `json:"asset_id"`
	Bucket    string  `json:"bucket,omitempty"`
	ObjectKey string  `json:"object_key,omitempty"`
	RunName   string  `json:"run_name,omitempty"`
	Outcome   Outcome `json:"outcome,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// TargetStatus is the asset status the signal should move the asset to.
func (s FinishSignal) TargetStatus() Status {
	if s.Outcome == OutcomeFailed {
		return StatusFailed
	}
	return StatusProcessed
}

func ParseFinishSignal(body []byte) (FinishSignal, error) {
	var s FinishSignal
	if err := json.Unmarshal(body, &s); err != nil {
		return FinishSignal{}, fmt.Errorf("%w: decode finish signal: %v", ErrPermanentInput, err)
	}
	s.AssetID = strings.TrimSpace(s.AssetID)
	if s.AssetID == "" {
		return FinishSignal{}, fmt.Errorf("%w: finish signal requires asset_id", ErrPermanentInput)
	}
	switch s.Outcome {
	case "", OutcomeSucceeded, OutcomeFailed:
	default:
		return FinishSignal{}, fmt.Errorf("%w: unknown outcome %q", ErrPermanentInput, s.Outcome)
	}
	return s, nil
}

type CompletionEvent struct {
	AssetID   string `json:"asset_id"`
	Bucket    string `json:"bucket"`
	ObjectKey string `json:"object_key"`
	Status    Status `json:"status"`
}

const (
	EventSource         = "asset.pipeline"
	DetailTypeProcessed = "AssetProcessed"
	DetailTypeFailed    = "AssetFailed"
)

// Envelope carries a completion event with a stable type tag for subscribers.
type Envelope struct {
	Source     string          `json:"source"`
	DetailType string          `json:"detail_type"`
	Time       time.Time       `json:"time"`
	Detail     CompletionEvent `json:"detail"`
}

func NewEnvelope(ev CompletionEvent, at time.Time) Envelope {
	detailType := DetailTypeProcessed
	if ev.Status == StatusFailed {
		detailType = DetailTypeFailed
	}
	return Envelope{
		Source:     EventSource,
		DetailType: detailType,
		Time:       at.UTC(),
		Detail:     ev,
	}
}

// UploadIntent is the ephemeral result of upload admission. It is never persisted.
type UploadIntent struct {
	Bucket    string            `json:"bucket"`
	ObjectKey string            `json:"object_key"`
	Recipe    RecipeKey         `json:"recipe"`
	URL       string            `json:"url"`
	FormData  map[string]string `json:"fields"`
	ExpiresAt time.Time         `json:"expires_at"`
}
