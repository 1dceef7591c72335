package auth

import "net/http"

// Roles supplied by the identity collaborator.
const (
	RoleCustomer = "customer"
	RoleProvider = "provider"
	RoleAdmin    = "admin"
)

// Principal is the authenticated caller. The core trusts only this value,
// never client-supplied identifiers, when deciding "am I the assigned
// provider / an admin".
type Principal struct {
	UserID string
	Role   string
}

func (p Principal) IsAdmin() bool    { return p.Role == RoleAdmin }
func (p Principal) IsProvider() bool { return p.Role == RoleProvider }

// FromRequest extracts the principal forwarded by the identity layer. The
// gateway strips and re-writes these headers, so their presence implies a
// verified session.
func FromRequest(r *http.Request) (Principal, bool) {
	id := r.Header.Get("X-User-ID")
	role := r.Header.Get("X-User-Role")
	if id == "" || role == "" {
		return Principal{}, false
	}
	return Principal{UserID: id, Role: role}, true
}
