// Package audit records who moved an order, escrow entry or pledge between
// states. Entries are written inside the same unit of work as the change
// they describe, so the trail never shows a transition that rolled back.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/cropstack/settlement/internal/logging"
)

// Entity types.
const (
	EntityOrder   = "order"
	EntityListing = "listing"
	EntityEscrow  = "escrow"
	EntityPledge  = "pledge"
)

// Actor roles. The caller identity is supplied by the surrounding system
// and trusted as-is.
const (
	RoleBuyer    = "buyer"
	RoleSeller   = "seller"
	RoleOperator = "operator"
	RoleVerifier = "verifier"
	RoleSystem   = "system"
)

var ErrInvalidEntry = errors.New("audit entry requires entity type, entity id and operation")

// Actor identifies the caller behind a request.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
}

type contextKey string

const actorKey contextKey = "audit_actor"

// WithActor attaches the caller to the context.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFrom returns the caller attached to ctx, or the system actor.
func ActorFrom(ctx context.Context) Actor {
	if a, ok := ctx.Value(actorKey).(Actor); ok && a.ID != "" {
		if a.Role == "" {
			a.Role = RoleSystem
		}
		return a
	}
	return Actor{ID: "system", Role: RoleSystem}
}

// Entry is a single audit record.
type Entry struct {
	ID         int64     `json:"id"`
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	Operation  string    `json:"operation"`
	FromStatus string    `json:"fromStatus,omitempty"`
	ToStatus   string    `json:"toStatus,omitempty"`
	ActorID    string    `json:"actorId"`
	ActorRole  string    `json:"actorRole"`
	RequestID  string    `json:"requestId,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Log persists audit entries.
type Log interface {
	Append(ctx context.Context, entry *Entry) error
	ForEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Entry, error)
}

// Record fills actor and request fields from ctx and appends the entry.
func Record(ctx context.Context, log Log, entry Entry) error {
	if log == nil {
		return nil
	}
	if entry.EntityType == "" || entry.EntityID == "" || entry.Operation == "" {
		return ErrInvalidEntry
	}
	actor := ActorFrom(ctx)
	entry.ActorID = actor.ID
	entry.ActorRole = actor.Role
	entry.RequestID = logging.RequestID(ctx)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return log.Append(ctx, &entry)
}
