package web

import (
	"net/http"
	"strings"

	"github.com/deemkeen/fedengine/activitypub"
	"github.com/deemkeen/fedengine/domain"
	"github.com/gin-gonic/gin"
)

// webfingerKinds are the actor kinds a handle can name. A person and a community may share a
// name, in which case both links are returned.
var webfingerKinds = []domain.ActorKind{domain.PersonActor, domain.CommunityActor, domain.MultiCommunityActor}

func (s *server) handleWebfinger(c *gin.Context) {
	name, ok := s.parseResource(c.Query("resource"))
	if !ok {
		webfingerNotFound(c)
		return
	}

	jrd := activitypub.WebfingerResponse{Subject: "acct:" + name + "@" + s.conf.Domain}
	kinds := webfingerKinds
	if name == s.conf.Domain {
		kinds = []domain.ActorKind{domain.SiteActor}
	}
	for _, kind := range kinds {
		actor, err := s.actors.ReadActorByName(kind, name, s.conf.Domain)
		if err != nil || !actor.Local || actor.Deleted {
			continue
		}
		typ := activitypub.ActorType(kind)
		jrd.Links = append(jrd.Links,
			activitypub.WebfingerLink{Rel: "http://webfinger.net/rel/profile-page", Type: "text/html", Href: actor.ActorURI},
			activitypub.WebfingerLink{
				Rel:        "self",
				Type:       activitypub.ContentType,
				Href:       actor.ActorURI,
				Properties: map[string]string{activitypub.WebfingerTypeProperty: typ},
			},
		)
	}
	if len(jrd.Links) == 0 {
		webfingerNotFound(c)
		return
	}
	c.Header("Content-Type", activitypub.WebfingerContentType+"; charset=utf-8")
	c.JSON(http.StatusOK, jrd)
}

// parseResource accepts acct:name@domain for our own domain only.
func (s *server) parseResource(resource string) (string, bool) {
	handle, ok := strings.CutPrefix(resource, "acct:")
	if !ok {
		return "", false
	}
	name, host, ok := strings.Cut(handle, "@")
	if !ok || name == "" || !strings.EqualFold(host, s.conf.Domain) {
		return "", false
	}
	return name, true
}

func webfingerNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
}
