package activitypub

import (
	"time"

	"github.com/deemkeen/fedengine/domain"
	"github.com/google/uuid"
)

// Store is the storage collaborator. The engine treats it as the only source of truth and keeps
// nothing persisted beyond a single call. *db.DB implements it.
type Store interface {
	ReadOrCreateInstance(host string) (*domain.Instance, error)
	ReadInstanceByDomain(host string) (*domain.Instance, error)

	ReadActorByURI(uri string) (*domain.Actor, error)
	ReadActorById(id int64) (*domain.Actor, error)
	ReadActorByName(kind domain.ActorKind, name, host string) (*domain.Actor, error)
	UpsertRemoteActor(a *domain.Actor) (*domain.Actor, error)
	MarkActorDeleted(id int64) error

	CreateFollow(followerId, targetId int64, apId string, pending bool) error
	ReadFollow(followerId, targetId int64) (*domain.Follow, error)
	FollowAccepted(followerId, targetId int64) error
	DeleteFollow(followerId, targetId int64) error
	ReadFollowers(targetId int64) ([]domain.Actor, error)

	UpsertPost(p *domain.Post) (*domain.Post, error)
	ReadPostByApId(apId string) (*domain.Post, error)
	LockPost(id int64, locked bool, reason string) error
	MarkPostDeleted(id int64) error

	CreatePrivateMessage(pm *domain.PrivateMessage) (*domain.PrivateMessage, bool, error)
	ReadPrivateMessageByApId(apId string) (*domain.PrivateMessage, error)
	UpdatePrivateMessageContent(id int64, content string) error
	MarkPrivateMessageDeleted(id int64) error

	IsBlocked(personId, targetId int64) (bool, error)
	IsModerator(communityId, personId int64) (bool, error)
	IsBannedFromCommunity(communityId, personId int64) (bool, error)
}

// ReceivedActivityStore persists the ids of applied activities.
type ReceivedActivityStore interface {
	InsertReceivedActivity(apId string, at time.Time) error
	DeleteReceivedActivity(apId string) error
	PruneReceivedActivities(before time.Time) (int64, error)
}

// Queue is the persistent delivery queue the delivery engine drives.
type Queue interface {
	EnqueueDelivery(item *domain.DeliveryQueueItem) error
	ReadPendingDeliveries(now time.Time, limit int) ([]domain.DeliveryQueueItem, error)
	UpdateDeliveryAttempt(id uuid.UUID, attempts int, nextRetry time.Time, lastError string) error
	MarkDeliveryFailed(id uuid.UUID, attempts int, lastError string) error
	DeleteDelivery(id uuid.UUID) error
}

// KeyStore hands out the signing material of local actors.
type KeyStore interface {
	ReadActorByURI(uri string) (*domain.Actor, error)
}
