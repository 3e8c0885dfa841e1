package web

import (
	"errors"
	"io"
	"net/http"

	"github.com/deemkeen/fedengine/activitypub"
	"github.com/gin-gonic/gin"
)

// handleInbox serves the shared, site and personal inboxes alike. Routing happens on the
// activity's addressing, not on the path it was posted to.
func (s *server) handleInbox(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	sig, err := activitypub.NewRequestSignature(c.Request, body)
	if err != nil {
		s.log.Warn("Inbox: unsigned request", "path", c.Request.URL.Path, "ip", c.ClientIP(), "error", err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing or invalid signature"})
		return
	}

	res := s.inbox.Receive(c.Request.Context(), body, sig)
	status := res.HTTPStatus()
	switch {
	case status >= http.StatusInternalServerError:
		c.JSON(status, gin.H{"error": "Internal error"})
		return
	case status >= http.StatusBadRequest:
		c.JSON(status, gin.H{"error": res.Err.Error()})
		return
	}
	c.Status(status)
}
