// Package peer owns one peer connection per remote attendee and runs perfect
// negotiation over the signaling transport.
package peer

type Role string

const (
	RolePolite   Role = "polite"
	RoleImpolite Role = "impolite"
)

// Polite reports whether self defers to remote when both offer at once. The
// lexicographically smaller identity is impolite, so the two sides always
// disagree without coordinating.
func Polite(self, remote string) bool {
	return self > remote
}

func RoleOf(self, remote string) Role {
	if Polite(self, remote) {
		return RolePolite
	}
	return RoleImpolite
}
