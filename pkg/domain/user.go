package domain

import "time"

// RawUserRecord is the untouched response captured by the extract step.
type RawUserRecord struct {
	Body        []byte
	ContentType string
	StatusCode  int
	FetchedAt   time.Time
}

// TransformedUser is the flat projection of the first user in a raw payload.
type TransformedUser struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Gender    string `json:"gender"`
	Country   string `json:"country"`
	Age       int    `json:"age"`
	Email     string `json:"email"`
}

// RoutingDecision selects exactly one downstream group writer.
type RoutingDecision string

const (
	GroupA RoutingDecision = "group_a"
	GroupB RoutingDecision = "group_b"
)

// Valid reports whether d is one of the known decisions.
func (d RoutingDecision) Valid() bool {
	return d == GroupA || d == GroupB
}

// RunState returns the run state reached once the decision is taken.
func (d RoutingDecision) RunState() RunState {
	if d == GroupA {
		return RunRoutedA
	}
	return RunRoutedB
}

// RoutedUser is the branch node output: the decision together with the record it was taken for.
type RoutedUser struct {
	Decision RoutingDecision
	User     TransformedUser
}

// WriteReceipt is the output of a group writer.
type WriteReceipt struct {
	Group RoutingDecision
	Path  string
	Bytes int
}
