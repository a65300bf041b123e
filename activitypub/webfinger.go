package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
)

const JRDContentType = "application/jrd+json"

// JRD is a WebFinger resource descriptor.
type JRD struct {
	Subject string    `json:"subject"`
	Aliases []string  `json:"aliases,omitempty"`
	Links   []JRDLink `json:"links"`
}

type JRDLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// SelfLink returns the href of the ActivityPub self link.
func (j *JRD) SelfLink() string {
	for _, l := range j.Links {
		if l.Rel == "self" && (l.Type == ContentType || strings.HasPrefix(l.Type, "application/ld+json")) {
			return l.Href
		}
	}
	return ""
}

// SplitHandle parses "user@host", "@user@host" or "acct:user@host".
func SplitHandle(handle string) (user, host string, err error) {
	h := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(handle), "acct:"), "@")
	user, host, ok := strings.Cut(h, "@")
	if !ok || user == "" || host == "" || strings.Contains(host, "@") {
		return "", "", invalid("invalid handle %q", handle)
	}
	return user, strings.ToLower(host), nil
}

// Discover looks up a handle via WebFinger and resolves the actor it names.
// Handles of this instance are resolved locally.
func (r *Resolver) Discover(ctx context.Context, handle string) (*domain.Actor, error) {
	user, host, err := SplitHandle(handle)
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(host, r.iri.Domain) {
		for _, t := range []domain.ActorType{domain.ActorPerson, domain.ActorGroup} {
			uri := r.iri.Actor(&domain.Account{Username: user, Type: t})
			if actor, err := r.ResolveActor(ctx, uri); err == nil {
				return actor, nil
			}
		}
		return nil, &ResolveError{Kind: Gone, URI: handle, Err: domain.ErrNotFound}
	}

	if err := r.policy.CheckHost(host); err != nil {
		return nil, &ResolveError{Kind: Blocked, URI: handle, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	q := url.Values{"resource": {fmt.Sprintf("acct:%s@%s", user, host)}}
	endpoint := fmt.Sprintf("%s://%s/.well-known/webfinger?%s", r.cfg.WebfingerScheme, host, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &ValidationError{Msg: "invalid handle " + handle, Err: err}
	}
	req.Header.Set("Accept", JRDContentType)
	req.Header.Set("User-Agent", util.UserAgent())

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &ResolveError{Kind: Unreachable, URI: handle, Err: &TransportError{URL: endpoint, Err: err}}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &ResolveError{Kind: Unreachable, URI: handle, Err: &TransportError{URL: endpoint, Status: resp.StatusCode}}
	default:
		return nil, &ResolveError{Kind: Gone, URI: handle, Err: &TransportError{URL: endpoint, Status: resp.StatusCode}}
	}

	var jrd JRD
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentSize)).Decode(&jrd); err != nil {
		return nil, &ValidationError{Msg: "unparseable webfinger response for " + handle, Err: err}
	}
	self := jrd.SelfLink()
	if self == "" {
		return nil, invalid("webfinger response for %s has no self link", handle)
	}
	return r.ResolveActor(ctx, self)
}
