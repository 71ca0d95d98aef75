package domain

// IssueCategory classifies a support request on the pre-chat form
type IssueCategory string

const (
	CategoryTechnical IssueCategory = "TECHNICAL"
	CategoryBilling   IssueCategory = "BILLING"
	CategoryProduct   IssueCategory = "PRODUCT"
	CategoryGeneral   IssueCategory = "GENERAL"
)

// DisplayName returns the human-readable label shown on the pre-chat form.
func (c IssueCategory) DisplayName() string {
	switch c {
	case CategoryTechnical:
		return "Technical Support"
	case CategoryBilling:
		return "Billing & Payments"
	case CategoryProduct:
		return "Product Information"
	case CategoryGeneral:
		return "General Inquiry"
	default:
		return string(c)
	}
}

// ChatSession represents one customer-support interaction. The ID is nil
// before the backend creates the session and is the single source of truth
// for routing once assigned. Agent stays nil until an agent joins. After ID
// assignment the session is only ever mutated to record its end.
type ChatSession struct {
	ID        *int64  `json:"id,omitempty"`
	User      *User   `json:"user,omitempty"`
	Agent     *User   `json:"agent,omitempty"`
	StartedAt string  `json:"startedAt,omitempty"`
	EndedAt   *string `json:"endedAt,omitempty"`
}

// SessionRequest is the payload for POST /chat.startSession
type SessionRequest struct {
	User     User          `json:"user" validate:"required"`
	Category IssueCategory `json:"category" validate:"omitempty,oneof=TECHNICAL BILLING PRODUCT GENERAL"`
}
