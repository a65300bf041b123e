package web

import (
	"errors"
	"net/http"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// loadActor returns the local actor of the given type, or nil if there is
// none. A community is not served under /users and vice versa.
func (s *Server) loadActor(c *gin.Context, t domain.ActorType, username string) (*domain.Actor, error) {
	uri := s.iri.Actor(&domain.Account{Username: username, Type: t})
	entity, err := s.store.LoadLocalEntity(c.Request.Context(), uri)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entity.Actor, nil
}

func (s *Server) handleActor(t domain.ActorType) gin.HandlerFunc {
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
		s.render(c, http.StatusOK, activitypub.ContentType, activitypub.ActorDocument(actor))
	}
}

// handleObject serves a local post or comment. Deleted ones answer 410 with
// their tombstone.
func (s *Server) handleObject(kind domain.EntityKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			s.notFound(c, "Object")
			return
		}

		uri := s.iri.Object(&domain.Post{Id: id, Kind: kind})
		entity, err := s.store.LoadLocalEntity(c.Request.Context(), uri)
		if errors.Is(err, domain.ErrNotFound) {
			s.notFound(c, "Object")
			return
		}
		if err != nil {
			s.log.Error("Web: failed to load object", zap.String("uri", uri), zap.Error(err))
			c.Status(http.StatusInternalServerError)
			return
		}

		obj := entity.Object
		status := http.StatusOK
		if obj.Tombstone {
			status = http.StatusGone
		}
		s.render(c, status, activitypub.ContentType, activitypub.ObjectDocument(obj))
	}
}
