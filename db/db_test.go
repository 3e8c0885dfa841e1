package db

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/fedengine/domain"
	"github.com/google/uuid"
)

// setupTestDB creates a fresh sqlite database file for testing
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestActor(t *testing.T, db *DB, kind domain.ActorKind, name, host string, local bool) *domain.Actor {
	t.Helper()
	inst, err := db.ReadOrCreateInstance(host)
	if err != nil {
		t.Fatalf("ReadOrCreateInstance failed: %v", err)
	}
	prefix := map[domain.ActorKind]string{domain.PersonActor: "u", domain.CommunityActor: "c", domain.MultiCommunityActor: "m"}[kind]
	uri := fmt.Sprintf("https://%s/%s/%s", host, prefix, name)
	a, err := db.CreateActor(&domain.Actor{
		Kind:         kind,
		Name:         name,
		Domain:       host,
		ActorURI:     uri,
		InboxURI:     uri + "/inbox",
		PublicKeyPem: "pem",
		InstanceId:   inst.Id,
		Local:        local,
	})
	if err != nil {
		t.Fatalf("CreateActor failed: %v", err)
	}
	return a
}

func TestReadOrCreateInstanceIsIdempotent(t *testing.T) {
	db := setupTestDB(t)

	first, err := db.ReadOrCreateInstance("remote.example")
	if err != nil {
		t.Fatalf("ReadOrCreateInstance failed: %v", err)
	}
	second, err := db.ReadOrCreateInstance("remote.example")
	if err != nil {
		t.Fatalf("ReadOrCreateInstance failed: %v", err)
	}
	if first.Id != second.Id {
		t.Errorf("Expected same instance id, got %d and %d", first.Id, second.Id)
	}
	if first.Blocked {
		t.Error("New instance should not be blocked")
	}
}

func TestSetInstanceBlocked(t *testing.T) {
	db := setupTestDB(t)

	if err := db.SetInstanceBlocked("spam.example", true); err != nil {
		t.Fatalf("SetInstanceBlocked failed: %v", err)
	}
	inst, err := db.ReadInstanceByDomain("spam.example")
	if err != nil {
		t.Fatalf("ReadInstanceByDomain failed: %v", err)
	}
	if !inst.Blocked {
		t.Error("Expected instance to be blocked")
	}
	if inst.UpdatedAt == nil {
		t.Error("Expected updated_at to be set")
	}
}

func TestReadInstanceByDomainNotFound(t *testing.T) {
	db := setupTestDB(t)

	_, err := db.ReadInstanceByDomain("nowhere.example")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCreateActorRejectsDuplicates(t *testing.T) {
	db := setupTestDB(t)
	a := createTestActor(t, db, domain.PersonActor, "alice", "local.example", true)

	_, err := db.CreateActor(&domain.Actor{
		Kind:       domain.PersonActor,
		Name:       "alice",
		Domain:     "local.example",
		ActorURI:   "https://local.example/u/alice2",
		InboxURI:   "https://local.example/u/alice2/inbox",
		InstanceId: a.InstanceId,
	})
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists, got %v", err)
	}

	// same name, different kind is fine
	createTestActor(t, db, domain.CommunityActor, "alice", "local.example", true)
}

func TestUpsertRemoteActor(t *testing.T) {
	db := setupTestDB(t)
	inst, _ := db.ReadOrCreateInstance("remote.example")

	actor := &domain.Actor{
		Kind:            domain.PersonActor,
		Name:            "bob",
		DisplayName:     "Bob",
		Domain:          "remote.example",
		ActorURI:        "https://remote.example/u/bob",
		InboxURI:        "https://remote.example/u/bob/inbox",
		SharedInboxURI:  "https://remote.example/inbox",
		PublicKeyPem:    "old",
		InstanceId:      inst.Id,
		LastRefreshedAt: time.Now().Add(-48 * time.Hour),
	}
	stored, err := db.UpsertRemoteActor(actor)
	if err != nil {
		t.Fatalf("UpsertRemoteActor failed: %v", err)
	}

	actor.PublicKeyPem = "new"
	actor.DisplayName = "Robert"
	actor.LastRefreshedAt = time.Now()
	updated, err := db.UpsertRemoteActor(actor)
	if err != nil {
		t.Fatalf("UpsertRemoteActor failed: %v", err)
	}

	if updated.Id != stored.Id {
		t.Errorf("Expected id %d to be kept, got %d", stored.Id, updated.Id)
	}
	if updated.PublicKeyPem != "new" || updated.DisplayName != "Robert" {
		t.Errorf("Expected refreshed fields, got %s / %s", updated.PublicKeyPem, updated.DisplayName)
	}
	if time.Since(updated.LastRefreshedAt) > time.Minute {
		t.Errorf("Expected last_refreshed_at to move forward, got %v", updated.LastRefreshedAt)
	}
	if updated.SharedInboxOrInbox() != "https://remote.example/inbox" {
		t.Errorf("Unexpected shared inbox %s", updated.SharedInboxOrInbox())
	}
}

func TestUpsertRemoteActorNeverTouchesLocalRows(t *testing.T) {
	db := setupTestDB(t)
	local := createTestActor(t, db, domain.PersonActor, "alice", "local.example", true)

	if _, err := db.UpsertRemoteActor(local); err == nil {
		t.Error("Expected error when upserting a local actor")
	}

	spoof := *local
	spoof.Local = false
	spoof.PublicKeyPem = "attacker"
	if _, err := db.UpsertRemoteActor(&spoof); err != nil {
		t.Fatalf("UpsertRemoteActor failed: %v", err)
	}
	got, err := db.ReadActorByURI(local.ActorURI)
	if err != nil {
		t.Fatalf("ReadActorByURI failed: %v", err)
	}
	if got.PublicKeyPem != "pem" || !got.Local {
		t.Error("Local actor row was overwritten")
	}
}

func TestReadActorByName(t *testing.T) {
	db := setupTestDB(t)
	createTestActor(t, db, domain.CommunityActor, "golang", "local.example", true)

	a, err := db.ReadActorByName(domain.CommunityActor, "golang", "local.example")
	if err != nil {
		t.Fatalf("ReadActorByName failed: %v", err)
	}
	if a.Kind != domain.CommunityActor {
		t.Errorf("Expected community, got %s", a.Kind)
	}

	_, err = db.ReadActorByName(domain.PersonActor, "golang", "local.example")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for other kind, got %v", err)
	}
}

func TestFollowLifecycle(t *testing.T) {
	db := setupTestDB(t)
	alice := createTestActor(t, db, domain.PersonActor, "alice", "local.example", true)
	community := createTestActor(t, db, domain.CommunityActor, "golang", "remote.example", false)

	if err := db.FollowAccepted(alice.Id, community.Id); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound without pending follow, got %v", err)
	}

	if err := db.CreateFollow(alice.Id, community.Id, "https://local.example/activities/follow/1", true); err != nil {
		t.Fatalf("CreateFollow failed: %v", err)
	}
	if err := db.FollowAccepted(alice.Id, community.Id); err != nil {
		t.Fatalf("FollowAccepted failed: %v", err)
	}
	if err := db.FollowAccepted(alice.Id, community.Id); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected second accept to find no pending follow, got %v", err)
	}

	// re-following keeps the accepted state
	if err := db.CreateFollow(alice.Id, community.Id, "https://local.example/activities/follow/2", true); err != nil {
		t.Fatalf("CreateFollow failed: %v", err)
	}
	f, err := db.ReadFollow(alice.Id, community.Id)
	if err != nil {
		t.Fatalf("ReadFollow failed: %v", err)
	}
	if f.Pending {
		t.Error("Accepted follow should stay accepted")
	}

	followers, err := db.ReadFollowers(community.Id)
	if err != nil {
		t.Fatalf("ReadFollowers failed: %v", err)
	}
	if len(followers) != 1 || followers[0].Id != alice.Id {
		t.Errorf("Expected alice as only follower, got %v", followers)
	}

	if err := db.DeleteFollow(alice.Id, community.Id); err != nil {
		t.Fatalf("DeleteFollow failed: %v", err)
	}
	if _, err := db.ReadFollow(alice.Id, community.Id); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected follow to be gone, got %v", err)
	}
}

func TestMarkActorDeletedDropsFollows(t *testing.T) {
	db := setupTestDB(t)
	alice := createTestActor(t, db, domain.PersonActor, "alice", "local.example", true)
	bob := createTestActor(t, db, domain.PersonActor, "bob", "remote.example", false)
	db.CreateFollow(bob.Id, alice.Id, "", false)

	if err := db.MarkActorDeleted(bob.Id); err != nil {
		t.Fatalf("MarkActorDeleted failed: %v", err)
	}
	got, _ := db.ReadActorById(bob.Id)
	if !got.Deleted {
		t.Error("Expected actor to be deleted")
	}
	followers, _ := db.ReadFollowers(alice.Id)
	if len(followers) != 0 {
		t.Errorf("Expected no followers, got %d", len(followers))
	}
}

func TestPostLockAndUpsert(t *testing.T) {
	db := setupTestDB(t)
	bob := createTestActor(t, db, domain.PersonActor, "bob", "remote.example", false)
	community := createTestActor(t, db, domain.CommunityActor, "golang", "remote.example", false)

	post, err := db.UpsertPost(&domain.Post{
		ApId:        "https://remote.example/post/1",
		CreatorId:   bob.Id,
		CommunityId: community.Id,
		Name:        "hello",
	})
	if err != nil {
		t.Fatalf("UpsertPost failed: %v", err)
	}

	if err := db.LockPost(post.Id, true, "off topic"); err != nil {
		t.Fatalf("LockPost failed: %v", err)
	}
	locked, _ := db.ReadPostById(post.Id)
	if !locked.Locked || locked.LockReason != "off topic" {
		t.Errorf("Expected locked post with reason, got %v %q", locked.Locked, locked.LockReason)
	}

	// an edit must not unlock
	now := time.Now()
	edited, err := db.UpsertPost(&domain.Post{ApId: post.ApId, CreatorId: bob.Id, CommunityId: community.Id, Name: "hello again", UpdatedAt: &now})
	if err != nil {
		t.Fatalf("UpsertPost failed: %v", err)
	}
	if edited.Id != post.Id || edited.Name != "hello again" || !edited.Locked {
		t.Errorf("Unexpected post after edit: %+v", edited)
	}

	if err := db.LockPost(post.Id, false, "ignored"); err != nil {
		t.Fatalf("LockPost failed: %v", err)
	}
	unlocked, _ := db.ReadPostByApId(post.ApId)
	if unlocked.Locked || unlocked.LockReason != "" {
		t.Errorf("Expected unlocked post without reason, got %v %q", unlocked.Locked, unlocked.LockReason)
	}
}

func TestCreatePrivateMessageIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	alice := createTestActor(t, db, domain.PersonActor, "alice", "local.example", true)
	bob := createTestActor(t, db, domain.PersonActor, "bob", "remote.example", false)

	pm := &domain.PrivateMessage{ApId: "https://remote.example/pm/1", CreatorId: bob.Id, RecipientId: alice.Id, Content: "hi"}
	first, created, err := db.CreatePrivateMessage(pm)
	if err != nil || !created {
		t.Fatalf("Expected first insert to create, got %v %v", created, err)
	}
	second, created, err := db.CreatePrivateMessage(pm)
	if err != nil {
		t.Fatalf("CreatePrivateMessage failed: %v", err)
	}
	if created {
		t.Error("Second insert should not create a row")
	}
	if first.Id != second.Id {
		t.Errorf("Expected same row, got %d and %d", first.Id, second.Id)
	}

	messages, _ := db.ReadPrivateMessagesTo(alice.Id)
	if len(messages) != 1 {
		t.Errorf("Expected 1 message, got %d", len(messages))
	}

	if err := db.UpdatePrivateMessageContent(first.Id, "edited"); err != nil {
		t.Fatalf("UpdatePrivateMessageContent failed: %v", err)
	}
	if err := db.MarkPrivateMessageDeleted(first.Id); err != nil {
		t.Fatalf("MarkPrivateMessageDeleted failed: %v", err)
	}
	got, _ := db.ReadPrivateMessageByApId(pm.ApId)
	if got.Content != "edited" || !got.Deleted || got.UpdatedAt == nil {
		t.Errorf("Unexpected message state %+v", got)
	}
}

func TestModerationQueries(t *testing.T) {
	db := setupTestDB(t)
	alice := createTestActor(t, db, domain.PersonActor, "alice", "local.example", true)
	bob := createTestActor(t, db, domain.PersonActor, "bob", "remote.example", false)
	community := createTestActor(t, db, domain.CommunityActor, "golang", "local.example", true)

	tests := []struct {
		name  string
		add   func() error
		check func() (bool, error)
	}{
		{"block", func() error { return db.CreatePersonBlock(alice.Id, bob.Id) }, func() (bool, error) { return db.IsBlocked(alice.Id, bob.Id) }},
		{"moderator", func() error { return db.AddModerator(community.Id, alice.Id) }, func() (bool, error) { return db.IsModerator(community.Id, alice.Id) }},
		{"ban", func() error { return db.BanFromCommunity(community.Id, bob.Id) }, func() (bool, error) { return db.IsBannedFromCommunity(community.Id, bob.Id) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if ok, err := tt.check(); err != nil || ok {
				t.Fatalf("Expected false before insert, got %v %v", ok, err)
			}
			if err := tt.add(); err != nil {
				t.Fatalf("insert failed: %v", err)
			}
			if err := tt.add(); err != nil {
				t.Fatalf("second insert should be a no-op, got %v", err)
			}
			if ok, err := tt.check(); err != nil || !ok {
				t.Errorf("Expected true after insert, got %v %v", ok, err)
			}
		})
	}

	if blocked, _ := db.IsBlocked(bob.Id, alice.Id); blocked {
		t.Error("Blocks are directional")
	}
}

func TestInsertReceivedActivity(t *testing.T) {
	db := setupTestDB(t)
	id := "https://remote.example/activities/1"

	if err := db.InsertReceivedActivity(id, time.Now()); err != nil {
		t.Fatalf("First insert failed: %v", err)
	}
	if err := db.InsertReceivedActivity(id, time.Now()); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists, got %v", err)
	}
	if err := db.DeleteReceivedActivity(id); err != nil {
		t.Fatalf("DeleteReceivedActivity failed: %v", err)
	}
	if err := db.InsertReceivedActivity(id, time.Now()); err != nil {
		t.Errorf("Insert after delete should succeed, got %v", err)
	}
}

func TestInsertReceivedActivityConcurrent(t *testing.T) {
	db := setupTestDB(t)
	id := "https://remote.example/activities/race"

	var wg sync.WaitGroup
	var mu sync.Mutex
	inserted, duplicates := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := db.InsertReceivedActivity(id, time.Now())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				inserted++
			case errors.Is(err, domain.ErrAlreadyExists):
				duplicates++
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if inserted != 1 {
		t.Errorf("Expected exactly one insert, got %d", inserted)
	}
	if duplicates != 9 {
		t.Errorf("Expected 9 duplicates, got %d", duplicates)
	}
}

func TestPruneReceivedActivities(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now()
	db.InsertReceivedActivity("https://remote.example/old", now.Add(-10*24*time.Hour))
	db.InsertReceivedActivity("https://remote.example/new", now)

	n, err := db.PruneReceivedActivities(now.Add(-7 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneReceivedActivities failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 pruned row, got %d", n)
	}
	count, _ := db.CountReceivedActivities()
	if count != 1 {
		t.Errorf("Expected 1 remaining row, got %d", count)
	}
}

func TestDeliveryQueue(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now()

	due := &domain.DeliveryQueueItem{
		InboxURI:     "https://a.example/inbox",
		ActivityId:   "https://local.example/activities/follow/1",
		ActivityJSON: `{"type":"Follow"}`,
		SenderURI:    "https://local.example/u/alice",
		NextRetryAt:  now.Add(-time.Second),
	}
	later := &domain.DeliveryQueueItem{
		InboxURI:     "https://b.example/inbox",
		ActivityId:   "https://local.example/activities/follow/1",
		ActivityJSON: `{"type":"Follow"}`,
		SenderURI:    "https://local.example/u/alice",
		NextRetryAt:  now.Add(time.Hour),
	}
	for _, item := range []*domain.DeliveryQueueItem{due, later} {
		if err := db.EnqueueDelivery(item); err != nil {
			t.Fatalf("EnqueueDelivery failed: %v", err)
		}
		if item.Id == uuid.Nil {
			t.Fatal("EnqueueDelivery should assign an id")
		}
	}

	pending, err := db.ReadPendingDeliveries(now, 10)
	if err != nil {
		t.Fatalf("ReadPendingDeliveries failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Id != due.Id {
		t.Fatalf("Expected only the due item, got %v", pending)
	}
	if pending[0].Status != domain.DeliveryPending {
		t.Errorf("Expected pending status, got %s", pending[0].Status)
	}

	if err := db.UpdateDeliveryAttempt(due.Id, 1, now.Add(time.Minute), "503"); err != nil {
		t.Fatalf("UpdateDeliveryAttempt failed: %v", err)
	}
	pending, _ = db.ReadPendingDeliveries(now, 10)
	if len(pending) != 0 {
		t.Errorf("Expected nothing due after reschedule, got %d", len(pending))
	}

	if err := db.MarkDeliveryFailed(later.Id, 1, "400"); err != nil {
		t.Fatalf("MarkDeliveryFailed failed: %v", err)
	}
	failed, _ := db.ReadDeliveriesByStatus(domain.DeliveryFailed)
	if len(failed) != 1 || failed[0].LastError != "400" {
		t.Errorf("Expected one failed delivery, got %v", failed)
	}
	pending, _ = db.ReadPendingDeliveries(now.Add(2*time.Hour), 10)
	if len(pending) != 1 || pending[0].Id != due.Id {
		t.Errorf("Failed rows must never be picked up again, got %v", pending)
	}

	stats, err := db.ReadDeliveryStats()
	if err != nil {
		t.Fatalf("ReadDeliveryStats failed: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("Expected stats for 2 inboxes, got %d", len(stats))
	}
	if stats[0].Pending != 1 || stats[0].NextAt == nil {
		t.Errorf("Unexpected stats for %s: %+v", stats[0].InboxURI, stats[0])
	}
	if stats[1].Failed != 1 || stats[1].NextAt != nil {
		t.Errorf("Unexpected stats for %s: %+v", stats[1].InboxURI, stats[1])
	}

	n, err := db.PruneFailedDeliveries(now.Add(time.Minute))
	if err != nil || n != 1 {
		t.Errorf("Expected 1 pruned failed delivery, got %d %v", n, err)
	}
	if err := db.DeleteDelivery(due.Id); err != nil {
		t.Fatalf("DeleteDelivery failed: %v", err)
	}
	stats, _ = db.ReadDeliveryStats()
	if len(stats) != 0 {
		t.Errorf("Expected empty queue, got %v", stats)
	}
}
