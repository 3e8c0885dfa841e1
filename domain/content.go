package domain

import (
	"time"
)

// Follow represents a follow relationship between two actors
type Follow struct {
	Id         int64
	FollowerId int64
	TargetId   int64
	URI        string // ActivityPub Follow activity URI
	Pending    bool
	CreatedAt  time.Time
}

// Post is a piece of content published into a community.
type Post struct {
	Id          int64
	ApId        string
	CreatorId   int64
	CommunityId int64
	Name        string
	Body        string
	Locked      bool
	LockReason  string
	Deleted     bool
	Local       bool
	PublishedAt time.Time
	UpdatedAt   *time.Time
}

// PrivateMessage is a direct message between two persons.
type PrivateMessage struct {
	Id          int64
	ApId        string
	CreatorId   int64
	RecipientId int64
	Content     string
	Deleted     bool
	Local       bool
	PublishedAt time.Time
	UpdatedAt   *time.Time
}
