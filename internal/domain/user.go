package domain

type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// User is the caller identity supplied by the authentication layer.
type User struct {
	ID   string
	Role Role
}

func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// CanAccess reports whether u may read or act on an order owned by ownerID.
func (u User) CanAccess(ownerID string) bool {
	return u.IsAdmin() || (u.ID != "" && u.ID == ownerID)
}
