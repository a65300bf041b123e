package web

import (
	"errors"
	"net/http"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// retryAfter is sent with 503 answers, in seconds.
const retryAfter = "120"

// handleInbox accepts an activity on the shared inbox (t empty) or on the
// inbox of one local actor. The receiver does its own routing, the per-actor
// inboxes only check that the actor exists.
func (s *Server) handleInbox(t domain.ActorType) gin.HandlerFunc {
	return func(c *gin.Context) {
		if t != "" {
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
		}

		body, err := c.GetRawData()
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read body"})
			return
		}

		out, err := s.receiver.Receive(c.Request.Context(), c.Request, body)
		status := InboxStatus(out, err)
		switch {
		case status == http.StatusServiceUnavailable:
			c.Header("Retry-After", retryAfter)
			c.JSON(status, gin.H{"error": err.Error()})
		case status >= 400:
			c.JSON(status, gin.H{"error": err.Error()})
		default:
			c.Status(status)
		}
	}
}

// InboxStatus maps the result of a delivery to the status the sender sees.
// Storage failures are acknowledged so the sender does not retry into them.
func InboxStatus(out activitypub.Outcome, err error) int {
	if err == nil {
		if out.Duplicate {
			return http.StatusOK
		}
		return http.StatusAccepted
	}

	var (
		forbidden *activitypub.ForbiddenError
		resolve   *activitypub.ResolveError
	)
	if errors.As(err, &forbidden) || (errors.As(err, &resolve) && resolve.Kind == activitypub.Blocked) {
		return http.StatusForbidden
	}
	if activitypub.IsRetryable(err) {
		return http.StatusServiceUnavailable
	}

	switch activitypub.Classify(err) {
	case activitypub.AuthenticityFailure:
		return http.StatusUnauthorized
	case activitypub.PersistenceFailure:
		return http.StatusAccepted
	default:
		return http.StatusBadRequest
	}
}
