package database

import (
	"context"
	"errors"
	"time"
)

const (
	DurableCollectionName = "durable_subscriptions"
)

var (
	ErrClientIDEmpty   = errors.New("client_id is empty")
	ErrDurableNotFound = errors.New("durable subscription does not exist")
)

// DurableSubscription is the registration of a named topic subscription that
// outlives the connection which created it.
type DurableSubscription struct {
	ClientID  string    `bson:"client_id"`
	Name      string    `bson:"name"`
	Topic     string    `bson:"topic"`
	Selector  string    `bson:"selector"`
	NoLocal   bool      `bson:"no_local"`
	CreatedAt time.Time `bson:"created_at"`
}

func (d *DurableSubscription) Key() string {
	return DurableKey(d.ClientID, d.Name)
}

func DurableKey(clientID, name string) string {
	return clientID + "/" + name
}

// DurableStore persists durable subscription registrations.
type DurableStore interface {
	GetDurable(ctx context.Context, clientID, name string) (*DurableSubscription, error)
	SaveDurable(ctx context.Context, sub *DurableSubscription) error
	DeleteDurable(ctx context.Context, clientID, name string) error
	ListDurables(ctx context.Context) ([]*DurableSubscription, error)
}
