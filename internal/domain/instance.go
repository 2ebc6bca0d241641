// Package domain contains core domain types for the zapbridge console.
package domain

import (
	"time"
)

// Instance is a messaging-connector instance owned by a console user.
type Instance struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	OwnerID            string    `json:"owner_id"`
	ConnectorID        string    `json:"connector_id,omitempty"`
	ConnectorToken     string    `json:"-"`
	WorkflowWebhookURL string    `json:"workflow_webhook_url,omitempty"`
	AutoReply          bool      `json:"auto_reply"`
	SystemPrompt       string    `json:"system_prompt,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// OwnedBy reports whether the instance belongs to userID.
func (i *Instance) OwnedBy(userID string) bool {
	return userID != "" && i.OwnerID == userID
}

// RelaysToWorkflow returns true if inbound messages should be forwarded to a workflow.
func (i *Instance) RelaysToWorkflow() bool {
	return i.WorkflowWebhookURL != ""
}
