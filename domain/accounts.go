package domain

import (
	"fmt"
	"github.com/google/uuid"
	"time"
)

// ActorType is the ActivityStreams type a local or remote actor is published as.
type ActorType string

const (
	ActorPerson      ActorType = "Person"
	ActorGroup       ActorType = "Group"
	ActorService     ActorType = "Service"
	ActorApplication ActorType = "Application"
)

// Account is a local actor: a person or a community hosted on this instance.
type Account struct {
	Id            uuid.UUID
	Username      string
	Type          ActorType
	DisplayName   string
	Summary       string
	WebPublicKey  string
	WebPrivateKey string
	CreatedAt     time.Time
}

// IsCommunity reports whether the account is published as a Group.
func (acc *Account) IsCommunity() bool {
	return acc.Type == ActorGroup
}

func (acc *Account) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tUsername: %s \n\tType: %s \n\tCREATED_AT: %s)", acc.Id, acc.Username, acc.Type, acc.CreatedAt)
}
