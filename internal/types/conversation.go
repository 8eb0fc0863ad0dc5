package types

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentItem is one typed element of a turn's content list.
type ContentItem struct {
	Type    ContentType `json:"type"`
	Content string      `json:"content"`
}

// Turn is one entry of a session's ordered message list. Within a session the
// last turn may be rewritten in place while a stream is active; earlier turns
// are immutable.
type Turn struct {
	Role    Role          `json:"role"`
	Content []ContentItem `json:"content"`
}

// DiscussionStatus is the lifecycle state of a discussion task.
type DiscussionStatus string

const (
	DiscussionActive    DiscussionStatus = "active"
	DiscussionCompleted DiscussionStatus = "completed"
)
