// Package rbac maps collaborator roles to capability sets. Pure functions
// only; both the locking and invitation flows call into it synchronously.
package rbac

type Role string

const (
	RoleViewer   Role = "viewer"
	RoleReviewer Role = "reviewer"
	RoleEditor   Role = "editor"
	RoleOwner    Role = "owner"
)

type Capabilities struct {
	CanEdit    bool `json:"canEdit"`
	CanReview  bool `json:"canReview"`
	CanInvite  bool `json:"canInvite"`
	CanDelete  bool `json:"canDelete"`
	CanPublish bool `json:"canPublish"`
}

func CapabilitiesFor(role Role) Capabilities {
	switch role {
	case RoleOwner:
		return Capabilities{CanEdit: true, CanReview: true, CanInvite: true, CanDelete: true, CanPublish: true}
	case RoleEditor:
		return Capabilities{CanEdit: true, CanReview: true, CanInvite: true}
	case RoleReviewer:
		return Capabilities{CanReview: true}
	default:
		return Capabilities{}
	}
}

// Rank orders roles totally: owner(4) > editor(3) > reviewer(2) > viewer(1).
func Rank(role Role) int {
	switch role {
	case RoleOwner:
		return 4
	case RoleEditor:
		return 3
	case RoleReviewer:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// CanManage reports whether a may assign or revoke b. Strictly-greater rank
// required, so no role manages its peers.
func CanManage(a, b Role) bool {
	return Rank(a) > Rank(b)
}

// CanForceRelease reports whether actor may force-release a lock held by
// holder: owners always may, otherwise the actor needs edit capability and a
// strictly higher rank than the holder.
func CanForceRelease(actor, holder Role) bool {
	if actor == RoleOwner {
		return true
	}
	return CapabilitiesFor(actor).CanEdit && Rank(actor) > Rank(holder)
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleReviewer, RoleEditor, RoleOwner:
		return Role(role)
	default:
		return RoleViewer
	}
}
