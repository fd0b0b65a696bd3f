package rbac

import "fmt"

type Role string
type Action string

const (
	RoleOwner  Role = "pad_owner"
	RoleEditor Role = "editor"
)

const (
	ActionEdit    Action = "edit"
	ActionAddUser Action = "add_user"
	ActionPublish Action = "publish"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleEditor:
		return action == ActionEdit
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleOwner, RoleEditor:
		return Role(role)
	default:
		return RoleEditor
	}
}

// CheckInvariants validates a pad's role map against its access set:
// exactly one owner, and every role-map entry backed by access membership.
// Run after every role-map mutation.
func CheckInvariants(roles map[string]Role, users []string) error {
	access := make(map[string]struct{}, len(users))
	for _, id := range users {
		access[id] = struct{}{}
	}

	owners := 0
	for id, role := range roles {
		if _, ok := access[id]; !ok {
			return fmt.Errorf("role map entry %s missing from access set", id)
		}
		if role == RoleOwner {
			owners++
		}
	}
	if owners != 1 {
		return fmt.Errorf("pad must have exactly one owner, found %d", owners)
	}
	return nil
}
