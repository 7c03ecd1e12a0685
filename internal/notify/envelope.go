package notify

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies a notification for routing purposes.
type Kind string

const (
	KindToolsChanged     Kind = "tools_changed"
	KindResourcesChanged Kind = "resources_changed"
	KindPromptsChanged   Kind = "prompts_changed"
	KindResourceUpdated  Kind = "resource_updated"
	KindProgress         Kind = "progress"
	KindLog              Kind = "log"
	KindCancelled        Kind = "cancelled"
)

// IsListChange reports whether this kind is idempotent: a later
// notification of the same kind supersedes an earlier one.
func (k Kind) IsListChange() bool {
	switch k {
	case KindToolsChanged, KindResourcesChanged, KindPromptsChanged:
		return true
	}
	return false
}

// Method returns the MCP wire method for this kind.
func (k Kind) Method() string {
	switch k {
	case KindToolsChanged:
		return "notifications/tools/list_changed"
	case KindResourcesChanged:
		return "notifications/resources/list_changed"
	case KindPromptsChanged:
		return "notifications/prompts/list_changed"
	case KindResourceUpdated:
		return "notifications/resources/updated"
	case KindProgress:
		return "notifications/progress"
	case KindLog:
		return "notifications/message"
	case KindCancelled:
		return "notifications/cancelled"
	}
	return ""
}

// KindFromMethod maps an inbound MCP notification method to its kind.
func KindFromMethod(method string) (Kind, bool) {
	switch method {
	case "notifications/tools/list_changed":
		return KindToolsChanged, true
	case "notifications/resources/list_changed":
		return KindResourcesChanged, true
	case "notifications/prompts/list_changed":
		return KindPromptsChanged, true
	case "notifications/resources/updated":
		return KindResourceUpdated, true
	case "notifications/progress":
		return KindProgress, true
	case "notifications/message", "notifications/logging/message":
		return KindLog, true
	case "notifications/cancelled":
		return KindCancelled, true
	}
	return "", false
}

// Envelope carries one notification from a backend (or a synthetic one
// from the mount engine) through the coordinator.
type Envelope struct {
	ID         string
	Source     string
	Kind       Kind
	Payload    map[string]any
	ReceivedAt time.Time
}

// NewEnvelope tags a notification with its source backend and receipt time.
func NewEnvelope(source string, kind Kind, payload map[string]any) Envelope {
	return Envelope{
		ID:         uuid.NewString(),
		Source:     source,
		Kind:       kind,
		Payload:    payload,
		ReceivedAt: time.Now(),
	}
}
