package reconcile

import (
	"context"
	"errors"
	"fmt"
)

// UserDirectory is the external user-profile collaborator. Find methods
// return (nil, nil) when no user matches.
type UserDirectory interface {
	FindByID(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByExternalID(ctx context.Context, externalID string) (*User, error)
	FindByProviderCustomerID(ctx context.Context, customerID string) (*User, error)
	Update(ctx context.Context, userID string, patch UserPatch) error
}

// IdentityHint carries whatever user references an event happened to
// include. Any subset of fields may be set.
type IdentityHint struct {
	// UserID is a raw internal ID, usually from metadata.user_id.
	UserID string

	// ExternalID is a legacy external identifier.
	ExternalID string

	// Email is the customer's email address.
	Email string

	// CustomerID is the provider customer reference.
	CustomerID string

	// SubscriptionID is the provider subscription reference, used to fall
	// back to an already-resolved subscription record's user.
	SubscriptionID string
}

// Resolver maps identity hints to internal user IDs. Direct hints are
// tried first; when they are absent or fail (portal-initiated events
// often omit user metadata), it falls back to the provider customer
// link on the user profile, then to the stored subscription record.
type Resolver struct {
	dir   UserDirectory
	store Store
	log   Logger
}

// NewResolver creates a Resolver over a directory and store.
func NewResolver(dir UserDirectory, store Store, log Logger) *Resolver {
	if log == nil {
		log = &NoopLogger{}
	}
	return &Resolver{dir: dir, store: store, log: log}
}

// Resolve returns the internal user ID for a hint, or a
// ErrUserNotResolvable-wrapped error when every strategy fails.
func (r *Resolver) Resolve(ctx context.Context, hint IdentityHint) (string, error) {
	if hint.UserID != "" {
		user, err := r.dir.FindByID(ctx, hint.UserID)
		if err != nil {
			return "", fmt.Errorf("find by id: %w", err)
		}
		if user != nil {
			return user.ID, nil
		}
		r.log.Warn("identity hint user_id did not match a user", F("user_id", hint.UserID))
	}

	if hint.ExternalID != "" {
		user, err := r.dir.FindByExternalID(ctx, hint.ExternalID)
		if err != nil {
			return "", fmt.Errorf("find by external id: %w", err)
		}
		if user != nil {
			return user.ID, nil
		}
	}

	if hint.Email != "" {
		user, err := r.dir.FindByEmail(ctx, hint.Email)
		if err != nil {
			return "", fmt.Errorf("find by email: %w", err)
		}
		if user != nil {
			return user.ID, nil
		}
	}

	if hint.CustomerID != "" {
		user, err := r.dir.FindByProviderCustomerID(ctx, hint.CustomerID)
		if err != nil {
			return "", fmt.Errorf("find by provider customer id: %w", err)
		}
		if user != nil {
			return user.ID, nil
		}
	}

	if hint.SubscriptionID != "" {
		sub, err := r.store.SubscriptionByProviderID(ctx, hint.SubscriptionID)
		if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
			return "", fmt.Errorf("subscription lookup: %w", err)
		}
		if sub != nil && sub.UserID != "" {
			return sub.UserID, nil
		}
	}

	return "", fmt.Errorf("%w: customer=%q subscription=%q",
		ErrUserNotResolvable, hint.CustomerID, hint.SubscriptionID)
}
