package comments

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	maxContentLength = 10000
	maxEmojiLength   = 32
)

// Comment is a single remark on a project or on one of its frames.
type Comment struct {
	ID         string              `json:"id"`
	ProjectID  string              `json:"projectId"`
	FrameID    string              `json:"frameId,omitempty"`
	UserID     string              `json:"userId"`
	UserName   string              `json:"userName"`
	UserAvatar string              `json:"userAvatar,omitempty"`
	Content    string              `json:"content"`
	CreatedAt  time.Time           `json:"createdAt"`
	EditedAt   *time.Time          `json:"editedAt,omitempty"`
	ReplyTo    string              `json:"replyTo,omitempty"`
	Reactions  map[string][]string `json:"reactions"`
}

// HasReaction reports whether userID reacted with emoji.
func (c Comment) HasReaction(emoji string, userID string) bool {
	for _, reactor := range c.Reactions[emoji] {
		if reactor == userID {
			return true
		}
	}
	return false
}

// Thread groups a root comment and its replies under a resolution status.
type Thread struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"projectId"`
	Comments   []Comment  `json:"comments"`
	Resolved   bool       `json:"resolved"`
	ResolvedBy string     `json:"resolvedBy,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// threadRecord is the persisted form of a Thread; comments are joined on read.
type threadRecord struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"projectId"`
	RootCommentID string     `json:"rootCommentId,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	Resolved      bool       `json:"resolved"`
	ResolvedBy    string     `json:"resolvedBy,omitempty"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
}

// AddCommentRequest carries the caller supplied fields of a new comment.
type AddCommentRequest struct {
	ProjectID string `json:"projectId"`
	Content   string `json:"content"`
	FrameID   string `json:"frameId,omitempty"`
	ReplyTo   string `json:"replyTo,omitempty"`
}

// Validate checks the required fields of the request.
func (r AddCommentRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ProjectID, validation.Required),
		validation.Field(&r.Content, validation.Required, validation.Length(1, maxContentLength)),
	)
}

// CommentDeletedPayload is broadcast when a comment is removed.
type CommentDeletedPayload struct {
	CommentID string `json:"commentId"`
	FrameID   string `json:"frameId,omitempty"`
}

// ReactionUpdatedPayload is broadcast after a reaction toggle.
type ReactionUpdatedPayload struct {
	CommentID string              `json:"commentId"`
	Reactions map[string][]string `json:"reactions"`
}

func validateContent(content string) error {
	return validation.Validate(content, validation.Required, validation.Length(1, maxContentLength))
}

func validateEmoji(emoji string) error {
	return validation.Validate(emoji, validation.Required, validation.Length(1, maxEmojiLength))
}
