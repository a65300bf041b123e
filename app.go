package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"go.uber.org/zap"
)

// app holds the engine wired against the sqlite store.
type app struct {
	conf     *util.AppConfig
	log      *zap.Logger
	db       *db.DB
	iri      domain.IRI
	clock    util.Clock
	policy   *activitypub.Policy
	resolver *activitypub.Resolver
	registry *activitypub.Registry
	sender   *activitypub.Sender
}

func newApp() (*app, error) {
	conf, err := util.ReadConf()
	if err != nil {
		return nil, err
	}
	logger := util.NewLogger(debug || conf.Conf.Debug)

	iri := domain.IRI{Domain: conf.Conf.SslDomain}
	database, err := db.Open(util.ResolveFilePath(conf.Conf.Database), iri, logger)
	if err != nil {
		return nil, err
	}

	f := conf.Federation
	clock := util.RealClock{}
	policy := activitypub.NewPolicy(f.Enabled, iri.Domain, f.AllowedInstances, f.BlockedInstances)
	resolver := activitypub.NewResolver(activitypub.ResolverConfig{
		CacheTTL:      f.CacheTTL,
		NegativeTTL:   f.NegativeTTL,
		CacheSize:     f.CacheSize,
		FetchTimeout:  f.FetchTimeout,
		InstanceActor: instanceActorURI(conf, iri),
	}, iri, database, policy, &http.Client{}, clock, logger)

	return &app{
		conf:     conf,
		log:      logger,
		db:       database,
		iri:      iri,
		clock:    clock,
		policy:   policy,
		resolver: resolver,
		registry: activitypub.NewDefaultRegistry(iri, clock),
		sender:   activitypub.NewSender(database, database, resolver, policy, iri, clock, logger),
	}, nil
}

func instanceActorURI(conf *util.AppConfig, iri domain.IRI) string {
	if conf.Conf.InstanceActor == "" {
		return ""
	}
	return iri.Actor(&domain.Account{Username: conf.Conf.InstanceActor, Type: domain.ActorApplication})
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.log.Warn("Database: close failed", zap.Error(err))
	}
	_ = a.log.Sync()
}

func (a *app) receiver() *activitypub.Receiver {
	return activitypub.NewReceiver(&activitypub.Env{
		Store:    a.db,
		Resolver: a.resolver,
		Sender:   a.sender,
		Registry: a.registry,
		IRI:      a.iri,
		Clock:    a.clock,
		Log:      a.log,
	}, a.policy, a.conf.Federation.ClockSkew)
}

func (a *app) deliverer() *activitypub.Deliverer {
	f := a.conf.Federation
	return activitypub.NewDeliverer(activitypub.DelivererConfig{
		Workers:      f.Workers,
		BatchSize:    f.BatchSize,
		PollInterval: f.PollInterval,
		Lease:        f.Lease,
		Timeout:      f.DeliveryTimeout,
		MaxAttempts:  f.MaxAttempts,
		Backoff:      activitypub.NewBackoff(f.BackoffBase, f.BackoffCap, f.Jitter),
	}, a.db, a.db, &http.Client{}, a.clock, a.log, a.sender.Wake())
}

// ensureInstanceActor creates the Application actor that signs fetches.
func (a *app) ensureInstanceActor(ctx context.Context) error {
	name := a.conf.Conf.InstanceActor
	if name == "" {
		return nil
	}
	_, err := a.db.ReadAccByUsername(ctx, name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	keys, err := util.GeneratePemKeypair()
	if err != nil {
		return err
	}
	if _, err := a.db.CreateAccount(ctx, name, domain.ActorApplication, a.iri.Domain, keys); err != nil {
		return fmt.Errorf("create instance actor: %w", err)
	}
	a.log.Info("Created instance actor", zap.String("actor", instanceActorURI(a.conf, a.iri)))
	return nil
}

// localActor returns the URI of the local account username.
func (a *app) localActor(ctx context.Context, username string) (*domain.Account, string, error) {
	acc, err := a.db.ReadAccByUsername(ctx, username)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, "", fmt.Errorf("no local account %q", username)
	}
	if err != nil {
		return nil, "", err
	}
	return acc, a.iri.Actor(acc), nil
}

// logOutbound records an activity this instance sent.
func (a *app) logOutbound(ctx context.Context, doc *activitypub.Document) {
	kind, _ := doc.Kind()
	err := a.db.LogActivity(ctx, &domain.Activity{
		ActivityURI: doc.Id,
		Kind:        kind,
		ActorURI:    doc.ActorID(),
		ObjectURI:   doc.ObjectID(),
		RawJSON:     string(doc.Raw()),
		Local:       true,
	})
	if err != nil {
		a.log.Warn("Outbox: failed to log activity", zap.String("id", doc.Id), zap.Error(err))
	}
}
