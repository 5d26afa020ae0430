package state

// a bitmap representing a set of capabilities
type Permission uint64

const (
	PermModerator       Permission = 1 << iota
	PermAdministrator              // 2
	PermCommunityAccess            // 4: cross-community visibility
	PermAuditRead                  // 8
)

var BuiltInPerms = map[string]Permission{
	"moderator":        PermModerator,
	"administrator":    PermAdministrator,
	"community-access": PermCommunityAccess,
	"audit-read":       PermAuditRead,
}

func (p Permission) Has(flag Permission) bool {
	return p&flag == flag
}

// HasAny reports whether any bit of flag is present.
func (p Permission) HasAny(flag Permission) bool {
	return p&flag != 0
}

// PermModeratorClass is the bitmap satisfying "moderator/administrator
// class" visibility checks on high-sensitivity event categories.
const PermModeratorClass = PermModerator | PermAdministrator
