package domain

const (
	RoleOwner   = "owner"
	RoleManager = "manager"
	RoleCashier = "cashier"
)

type User struct {
	ID         string `db:"id" json:"id"`
	BusinessID string `db:"business_id" json:"business_id"`
	Username   string `db:"username" json:"username"`
	Email      string `db:"email" json:"email"`
	Password   string `db:"password" json:"password,omitempty"`
	Role       string `db:"role" json:"role"`
	Active     bool   `db:"active" json:"active"`
	CreatedAt  string `db:"created_at" json:"created_at,omitempty"`
	UpdatedAt  string `db:"updated_at" json:"updated_at,omitempty"`
}

// ValidRole reports whether role is one of the known staff roles.
func ValidRole(role string) bool {
	return role == RoleOwner || role == RoleManager || role == RoleCashier
}
