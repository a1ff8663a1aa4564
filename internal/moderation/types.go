package moderation

// Placeholder replaces the content of messages deleted by moderation.
const Placeholder = "Message removed due to guidelines."

// Job is one message handed to the pipeline after it has been persisted and
// (possibly) delivered.
type Job struct {
	MessageID   string
	Content     string
	SenderID    string
	ReceiverID  string
	MessageType string
}

// ModerationResult is published to moderation.result for every message the
// pipeline acted on. The audit service persists it.
type ModerationResult struct {
	MessageID  string   `json:"message_id"`
	SenderID   string   `json:"sender_id"`
	ReceiverID string   `json:"receiver_id"`
	Score      int      `json:"score"`
	Deleted    bool     `json:"deleted"`
	Flagged    bool     `json:"flagged"`
	Reasons    []string `json:"reasons"`
	Ts         int64    `json:"ts"`
}
