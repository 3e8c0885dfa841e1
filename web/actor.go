package web

import (
	"encoding/json"
	"net/http"

	"github.com/deemkeen/fedengine/activitypub"
	"github.com/deemkeen/fedengine/domain"
	"github.com/gin-gonic/gin"
)

func (s *server) handleActor(kind domain.ActorKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if kind == domain.SiteActor {
			name = s.conf.Domain
		}
		actor, err := s.actors.ReadActorByName(kind, name, s.conf.Domain)
		if err != nil || !actor.Local {
			c.JSON(http.StatusNotFound, gin.H{"error": "Actor not found"})
			return
		}
		if actor.Deleted {
			c.JSON(http.StatusGone, gin.H{"error": "Actor deleted"})
			return
		}
		renderActivity(c, http.StatusOK, activitypub.NewActorObject(actor))
	}
}

func renderActivity(c *gin.Context, status int, obj any) {
	buf, err := json.Marshal(obj)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.Data(status, activitypub.ContentType+"; charset=utf-8", buf)
}
