// Package events carries advisory product notifications from the catalog to
// any number of sinks. Delivery is best effort: emitting never blocks the
// caller and never reports a failure back to it.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-catalogcache/pkg/types"
)

// Kind names what happened to a product.
type Kind string

const (
	KindCreated Kind = "created"
	KindUpdated Kind = "updated"
	KindDeleted Kind = "deleted"
	KindViewed  Kind = "viewed"
)

// Event is a single product notification.
type Event struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	ProductID int64          `json:"productId"`
	Timestamp time.Time      `json:"timestamp"`
	Product   *types.Product `json:"product,omitempty"`
	UserID    string         `json:"userId,omitempty"`
}

// New stamps a fresh event with an ID and the current time.
func New(kind Kind, productID int64, product *types.Product, userID string) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		ProductID: productID,
		Timestamp: time.Now().UTC(),
		Product:   product,
		UserID:    userID,
	}
}
