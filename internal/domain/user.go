package domain

// UserRole identifies which side of a support conversation a user is on
type UserRole string

const (
	RoleCustomer UserRole = "CUSTOMER"
	RoleAgent    UserRole = "AGENT"
)

// User represents a chat participant. The ID is nil until the backend
// assigns one; a user referenced by a message is never mutated afterwards.
type User struct {
	ID       *int64   `json:"id,omitempty"`
	Username string   `json:"username" validate:"required,max=100"`
	Role     UserRole `json:"role" validate:"required,oneof=CUSTOMER AGENT"`
}

// NewCustomer returns a customer-side user with a known identifier.
func NewCustomer(id int64, username string) User {
	return User{ID: &id, Username: username, Role: RoleCustomer}
}
