package chat

import "time"

const (
	SenderCandidate   = "user"
	SenderInterviewer = "assistant"
)

// Message is one conversation turn kept in memory for the analysis stage.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}
