package domain

// Patient is read-only from the fulfillment pipeline's point of view.
type Patient struct {
	ID       string
	Name     string
	Age      int
	MemberID string
	Email    string
	History  []string // known conditions
}
