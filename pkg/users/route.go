package users

import "github.com/polisai/polis-flow/pkg/domain"

// AgeThreshold is the first age that belongs to group A.
const AgeThreshold = 30

// Route selects the group for a user: age >= AgeThreshold goes to group A,
// everyone else to group B.
func Route(user domain.TransformedUser) domain.RoutingDecision {
	if user.Age >= AgeThreshold {
		return domain.GroupA
	}
	return domain.GroupB
}
