package models

import "time"

// PrincipalKind is the identity mode of the caller.
type PrincipalKind int

const (
	Anonymous PrincipalKind = iota
	Guest
	Authenticated
)

func (k PrincipalKind) String() string {
	switch k {
	case Guest:
		return "guest"
	case Authenticated:
		return "authenticated"
	default:
		return "anonymous"
	}
}

// Principal identifies who is chatting. UserID and IsSubscribed are only
// meaningful for Authenticated principals.
type Principal struct {
	Kind         PrincipalKind `json:"kind"`
	UserID       int64         `json:"user_id,omitempty"`
	IsSubscribed bool          `json:"is_subscribed,omitempty"`
}

// IsFreeTier reports an authenticated principal without a subscription.
func (p Principal) IsFreeTier() bool {
	return p.Kind == Authenticated && !p.IsSubscribed
}

// Entitlement is an immutable snapshot of the caller's quota state.
// Credits is nil when the balance is unknown.
type Entitlement struct {
	Principal         Principal `json:"principal"`
	GuestMessageCount int       `json:"guest_message_count"`
	FreeMessageCount  int       `json:"free_message_count"`
	Credits           *int      `json:"credits"`
}

// Profile is the durable record of an authenticated user.
type Profile struct {
	UserID           int64     `json:"user_id"`
	Username         string    `json:"username"`
	IsSubscribed     bool      `json:"is_subscribed"`
	FreeMessageCount int       `json:"free_message_count"`
	Credits          *int      `json:"credits"`
	CreatedAt        time.Time `json:"created_at"`
}
