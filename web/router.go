package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// maxBodySize caps inbound activities at 1 MiB.
const maxBodySize = 1 << 20

// Store is what the HTTP surface reads local entities from.
type Store interface {
	LoadLocalEntity(ctx context.Context, uri string) (*domain.Entity, error)
	ReadFollowers(ctx context.Context, targetURI string) ([]domain.Follow, error)
}

// InboxReceiver processes one inbound activity.
type InboxReceiver interface {
	Receive(ctx context.Context, req *http.Request, body []byte) (activitypub.Outcome, error)
}

// Server serves actor, object and webfinger documents and the inboxes.
type Server struct {
	conf         *util.AppConfig
	iri          domain.IRI
	store        Store
	receiver     InboxReceiver
	log          *zap.Logger
	limiter      *RateLimiter
	inboxLimiter *RateLimiter
}

func NewServer(conf *util.AppConfig, store Store, receiver InboxReceiver, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		conf:     conf,
		iri:      domain.IRI{Domain: conf.Conf.SslDomain},
		store:    store,
		receiver: receiver,
		log:      logger,
		// 10 requests per second per IP, burst of 20
		limiter: NewRateLimiter(rate.Limit(10), 20),
		// inboxes are stricter: 5 per second, burst of 10
		inboxLimiter: NewRateLimiter(rate.Limit(5), 10),
	}
}

// Handler builds the gin engine.
func (s *Server) Handler() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger(s.log), RateLimitMiddleware(s.limiter))

	docs := g.Group("/", gzip.Gzip(gzip.DefaultCompression))
	docs.GET("/users/:name", s.handleActor(domain.ActorPerson))
	docs.GET("/c/:name", s.handleActor(domain.ActorGroup))
	docs.GET("/users/:name/followers", s.handleFollowers(domain.ActorPerson))
	docs.GET("/c/:name/followers", s.handleFollowers(domain.ActorGroup))
	docs.GET("/post/:id", s.handleObject(domain.EntityPost))
	docs.GET("/comment/:id", s.handleObject(domain.EntityComment))
	docs.GET("/.well-known/webfinger", s.handleWebfinger)

	if s.conf.Conf.WithAp {
		inbox := g.Group("/", RateLimitMiddleware(s.inboxLimiter), MaxBytesMiddleware(maxBodySize))
		inbox.POST("/inbox", s.handleInbox(""))
		inbox.POST("/users/:name/inbox", s.handleInbox(domain.ActorPerson))
		inbox.POST("/c/:name/inbox", s.handleInbox(domain.ActorGroup))
	}
	return g
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.conf.Conf.Host, s.conf.Conf.HttpPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.limiter.Run(ctx)
	go s.inboxLimiter.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Web: listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.log.Info("Web: shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

// render writes doc with the ActivityPub content type.
func (s *Server) render(c *gin.Context, status int, contentType string, doc any) {
	b, err := json.Marshal(doc)
	if err != nil {
		s.log.Error("Web: failed to encode document", zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(status, contentType+"; charset=utf-8", b)
}

func (s *Server) notFound(c *gin.Context, what string) {
	c.JSON(http.StatusNotFound, gin.H{"error": what + " not found"})
}
