package models

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// GlobalCorrelationKey is used when a trigger carries no project, user or source id.
const GlobalCorrelationKey = "global"

// ── Trigger ──────────────────────────────────────────────────

// SourceType identifies the kind of external data source attached to a run.
type SourceType string

const (
	SourceDataSpace  SourceType = "data-space"
	SourceConnection SourceType = "connection"
)

// HiveSource is the external data-source descriptor carried by a trigger.
type HiveSource struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Type        SourceType     `json:"type"`
	Path        string         `json:"path,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// MetaString returns a scalar metadata value rendered as a string, or ""
// when it is missing, null or not a scalar.
func (s *HiveSource) MetaString(key string) string {
	if s == nil || s.Metadata == nil {
		return ""
	}
	switch v := s.Metadata[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case bool:
		if v {
			return "true"
		}
		return ""
	default:
		return ""
	}
}

// TriggerEvent starts one workflow run.
type TriggerEvent struct {
	ID        string      `json:"id,omitempty"`
	Prompt    string      `json:"value"`
	ProjectID string      `json:"projectId,omitempty"`
	UserID    string      `json:"userId,omitempty"`
	Source    *HiveSource `json:"source,omitempty"`
	Token     string      `json:"userToken,omitempty"`
}

// CorrelationKey picks the first non-empty of project id, user id and
// source id, falling back to GlobalCorrelationKey.
func (e *TriggerEvent) CorrelationKey() string {
	if k := strings.TrimSpace(e.ProjectID); k != "" {
		return k
	}
	if k := strings.TrimSpace(e.UserID); k != "" {
		return k
	}
	if e.Source != nil {
		if k := strings.TrimSpace(e.Source.ID); k != "" {
			return k
		}
	}
	return GlobalCorrelationKey
}

// ── Runs ─────────────────────────────────────────────────────

// FileCollection maps a sandbox-relative path to file content.
type FileCollection map[string]string

// Clone returns an independent copy. A nil collection clones to an empty one.
func (fc FileCollection) Clone() FileCollection {
	out := make(FileCollection, len(fc))
	for k, v := range fc {
		out[k] = v
	}
	return out
}

// Merge overwrites existing paths and inserts new ones from other.
func (fc FileCollection) Merge(other FileCollection) {
	for k, v := range other {
		fc[k] = v
	}
}

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// WorkflowRun records one execution of the workflow for one trigger.
type WorkflowRun struct {
	ID             string         `json:"id"`
	CorrelationKey string         `json:"correlation_key"`
	ProjectID      string         `json:"project_id,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	Prompt         string         `json:"prompt"`
	Status         RunStatus      `json:"status"`
	Attempts       int            `json:"attempts"`
	Summary        string         `json:"summary,omitempty"`
	Files          FileCollection `json:"files,omitempty"`
	URL            string         `json:"url,omitempty"`
	Title          string         `json:"title,omitempty"`
	Error          string         `json:"error,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	DurationMs     int64          `json:"duration_ms,omitempty"`
}

// ArtifactLabel is the fixed label returned with every run result.
const ArtifactLabel = "Artifact"

// RunResult is returned to the caller of a finished run.
type RunResult struct {
	URL     string         `json:"url"`
	Title   string         `json:"title"`
	Files   FileCollection `json:"files"`
	Summary string         `json:"summary"`
}

// ── Messages ─────────────────────────────────────────────────

// MessageRole is the author of a persisted message.
type MessageRole string

const (
	RoleUser      MessageRole = "USER"
	RoleAssistant MessageRole = "ASSISTANT"
)

// MessageType classifies a persisted assistant message.
type MessageType string

const (
	MessageResult MessageType = "RESULT"
	MessageError  MessageType = "ERROR"
)

// Message is one persisted conversation entry for a project.
type Message struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"project_id"`
	Content   string      `json:"content"`
	Role      MessageRole `json:"role"`
	Type      MessageType `json:"type"`
	Fragment  *Fragment   `json:"fragment,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Fragment is the artifact attached to a successful result message.
type Fragment struct {
	ID         string         `json:"id"`
	MessageID  string         `json:"message_id"`
	SandboxURL string         `json:"sandbox_url"`
	Title      string         `json:"title"`
	Files      FileCollection `json:"files"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ── Streaming ────────────────────────────────────────────────

// StreamChunk is a unit of agent progress.
type StreamChunk struct {
	ID             string         `json:"id"`
	Event          string         `json:"event"`
	Role           string         `json:"role,omitempty"`
	Content        string         `json:"content,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	SequenceNumber int            `json:"sequenceNumber"`
	Timestamp      time.Time      `json:"timestamp"`
}

// ── Data Space ───────────────────────────────────────────────

// DataSpaceSummary is the flat catalog summary loaded for a run.
type DataSpaceSummary struct {
	SourceID    string              `json:"sourceId"`
	SourceName  string              `json:"sourceName,omitempty"`
	SpaceName   string              `json:"spaceName,omitempty"`
	EndpointURL string              `json:"endpointUrl"`
	Context     json.RawMessage     `json:"context,omitempty"`
	Insights    json.RawMessage     `json:"insights,omitempty"`
	Collections []CollectionSummary `json:"collections"`
}

// CollectionSummary describes one named batch of sampled records.
type CollectionSummary struct {
	Key          string           `json:"key"`
	Title        string           `json:"title"`
	Description  string           `json:"description,omitempty"`
	Schema       map[string]any   `json:"schema,omitempty"`
	TotalRecords int              `json:"totalRecords"`
	Records      []map[string]any `json:"records"`
}
