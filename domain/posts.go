package domain

import (
	"fmt"
	"github.com/google/uuid"
	"time"
)

// Post is a locally authored post or comment.
type Post struct {
	Id           uuid.UUID
	Kind         EntityKind // EntityPost or EntityComment
	AuthorId     uuid.UUID
	CreatedBy    string
	CommunityId  *uuid.UUID
	Name         string // title, posts only
	Content      string
	InReplyToURI string
	CreatedAt    time.Time
	EditedAt     *time.Time
	Deleted      bool
}

func (p *Post) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tKind: %s \n\tCreatedBy: %s \n\tContent: %s \n\tCreatedAt: %s)", p.Id, p.Kind, p.CreatedBy, p.Content, p.CreatedAt)
}
