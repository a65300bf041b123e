package web

import (
	"net/http"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// orderedCollection is the followers collection of a local actor.
type orderedCollection struct {
	Context      string   `json:"@context"`
	Id           string   `json:"id"`
	Type         string   `json:"type"`
	TotalItems   int      `json:"totalItems"`
	OrderedItems []string `json:"orderedItems"`
}

// handleFollowers lists the accepted followers of an actor. Pending follow
// requests are not shown.
func (s *Server) handleFollowers(t domain.ActorType) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := s.loadActor(c, t, c.Param("name"))
		if err != nil {
			s.log.Error("Web: failed to load actor", zap.String("name", c.Param("name")), zap.Error(err))
			c.Status(http.StatusInternalServerError)
			return
		}
		if actor == nil {
			s.notFound(c, "Actor")
			return
		}

		follows, err := s.store.ReadFollowers(c.Request.Context(), actor.URI)
		if err != nil {
			s.log.Error("Web: failed to read followers", zap.String("actor", actor.URI), zap.Error(err))
			c.Status(http.StatusInternalServerError)
			return
		}

		items := make([]string, 0, len(follows))
		for _, f := range follows {
			items = append(items, f.ActorURI)
		}
		s.render(c, http.StatusOK, activitypub.ContentType, &orderedCollection{
			Context:      activitypub.ActivityStreamsContext,
			Id:           actor.FollowersURI,
			Type:         "OrderedCollection",
			TotalItems:   len(items),
			OrderedItems: items,
		})
	}
}
