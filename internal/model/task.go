package model

import (
	"encoding/json"
	"time"
)

// TaskType is the kind of work a task represents, also encoded as the
// task id's prefix ("PROV-" / "RECYCLE-").
type TaskType string

const (
	TaskProvisioning TaskType = "provisioning"
	TaskRecycle      TaskType = "recycle"
)

// TaskStatus is the task's position in its lifecycle.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// TaskMetadata carries the customer attributes the checkout flow wrote.
// Unknown keys round-trip through Extra so the agent never drops data
// it doesn't itself understand.
type TaskMetadata struct {
	CustomerEmail    string   `json:"customerEmail,omitempty"`
	CustomerName     string   `json:"customerName,omitempty"`
	Username         string   `json:"username,omitempty"`
	Password         string   `json:"password,omitempty"`
	GatewayToken     string   `json:"gatewayToken,omitempty"`
	SpriteName       string   `json:"spriteName,omitempty"`
	Skills           []string `json:"skills,omitempty"`
	StripeCustomerID string   `json:"stripeCustomerId,omitempty"`
	SubscriptionID   string   `json:"subscriptionId,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// GatewayCredential returns the gateway token, falling back to the
// legacy password field.
func (m TaskMetadata) GatewayCredential() string {
	if m.GatewayToken != "" {
		return m.GatewayToken
	}
	return m.Password
}

var taskMetadataKnownFields = map[string]struct{}{
	"customerEmail": {}, "customerName": {}, "username": {}, "password": {},
	"gatewayToken": {}, "spriteName": {}, "skills": {}, "stripeCustomerId": {},
	"subscriptionId": {},
}

// MarshalJSON re-merges Extra alongside the known fields.
func (m TaskMetadata) MarshalJSON() ([]byte, error) {
	type known TaskMetadata

	knownBytes, err := json.Marshal(known(m))
	if err != nil {
		return nil, err
	}

	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(knownBytes, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if _, isKnown := taskMetadataKnownFields[k]; !isKnown {
			merged[k] = v
		}
	}

	return json.Marshal(merged)
}

// UnmarshalJSON stashes any key the struct doesn't recognize into Extra.
func (m *TaskMetadata) UnmarshalJSON(data []byte) error {
	type known TaskMetadata

	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}

	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for field := range taskMetadataKnownFields {
		delete(raw, field)
	}

	*m = TaskMetadata(k)
	if len(raw) > 0 {
		m.Extra = raw
	}

	return nil
}

// TaskResult is the structured outcome recorded on a terminal task.
type TaskResult struct {
	Success           bool   `json:"success"`
	Error             string `json:"error,omitempty"`
	Message           string `json:"message,omitempty"`
	WorkspaceName     string `json:"workspace_name,omitempty"`
	ExternalURL       string `json:"external_url,omitempty"`
	MiddlewareUpdated bool   `json:"middleware_updated"`
	EmailSent         bool   `json:"email_sent"`
}

// Task is one entry of the task document's "tasks" map.
type Task struct {
	ID        string       `json:"id"`
	Type      TaskType     `json:"type"`
	Status    TaskStatus   `json:"status"`
	Priority  string       `json:"priority,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	Metadata  TaskMetadata `json:"metadata"`
	Result    *TaskResult  `json:"result,omitempty"`
}

// TaskDocument is the on-disk shape of the task file.
type TaskDocument struct {
	Tasks map[string]*Task `json:"tasks"`
}

// NewTaskDocument returns an empty, initialized document.
func NewTaskDocument() *TaskDocument {
	return &TaskDocument{Tasks: map[string]*Task{}}
}
