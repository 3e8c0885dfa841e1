package activitypub

import (
	"github.com/deemkeen/fedengine/domain"
)

// ComputeTargets derives the inbox set for an activity addressed to recipients. Local and deleted
// actors and actors on blocked instances are skipped. A shared inbox replaces the personal ones
// when more than one recipient would use it. The result keeps recipient order and holds no
// duplicates.
func (f *Federation) ComputeTargets(recipients []*domain.Actor) []string {
	eligible := make([]*domain.Actor, 0, len(recipients))
	blocked := make(map[string]bool)
	seenActor := make(map[string]bool)
	sharedCount := make(map[string]int)

	for _, a := range recipients {
		if a == nil || a.Local || a.Deleted || seenActor[a.ActorURI] {
			continue
		}
		isBlocked, ok := blocked[a.Domain]
		if !ok {
			inst, err := f.store.ReadInstanceByDomain(a.Domain)
			isBlocked = err == nil && (inst.Blocked || inst.Deleted)
			blocked[a.Domain] = isBlocked
		}
		if isBlocked {
			continue
		}
		seenActor[a.ActorURI] = true
		eligible = append(eligible, a)
		if a.SharedInboxURI != "" {
			sharedCount[a.SharedInboxURI]++
		}
	}

	targets := make([]string, 0, len(eligible))
	seen := make(map[string]bool)
	for _, a := range eligible {
		inbox := a.InboxURI
		if a.SharedInboxURI != "" && sharedCount[a.SharedInboxURI] > 1 {
			inbox = a.SharedInboxURI
		}
		if inbox == "" || seen[inbox] {
			continue
		}
		seen[inbox] = true
		targets = append(targets, inbox)
	}
	return targets
}
