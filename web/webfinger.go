package web

import (
	"net/http"
	"strings"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (s *Server) handleWebfinger(c *gin.Context) {
	resource := c.Query("resource")
	if !strings.HasPrefix(resource, "acct:") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "resource must be an acct: uri"})
		return
	}
	user, host, err := activitypub.SplitHandle(resource)
	if err != nil || !strings.EqualFold(host, s.iri.Domain) {
		s.notFound(c, "Resource")
		return
	}

	for _, t := range []domain.ActorType{domain.ActorPerson, domain.ActorGroup} {
		actor, err := s.loadActor(c, t, user)
		if err != nil {
			s.log.Error("Web: webfinger lookup failed", zap.String("resource", resource), zap.Error(err))
			c.Status(http.StatusInternalServerError)
			return
		}
		if actor == nil {
			continue
		}
		s.render(c, http.StatusOK, activitypub.JRDContentType, webfingerFor(actor, s.iri.Domain))
		return
	}
	s.notFound(c, "Resource")
}

func webfingerFor(actor *domain.Actor, host string) *activitypub.JRD {
	return &activitypub.JRD{
		Subject: "acct:" + actor.Username + "@" + host,
		Aliases: []string{actor.URI},
		Links: []activitypub.JRDLink{
			{Rel: "self", Type: activitypub.ContentType, Href: actor.URI},
		},
	}
}
