package user

type Permission struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type Role struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	Rank        int          `json:"rank"`
	Permissions []Permission `json:"permissions"`
}

// Profile is the signed-in user as returned by /api/auth/me.
type Profile struct {
	ID          int64        `json:"id"`
	Username    string       `json:"username"`
	IsGuest     bool         `json:"is_guest"`
	IsActive    bool         `json:"is_active"`
	Roles       []Role       `json:"roles"`
	Permissions []Permission `json:"permissions"`
}

// Can reports whether the profile holds the named permission, directly or
// through one of its roles.
func (p *Profile) Can(name string) bool {
	if p == nil {
		return false
	}
	for _, perm := range p.Permissions {
		if perm.Name == name {
			return true
		}
	}
	for _, r := range p.Roles {
		for _, perm := range r.Permissions {
			if perm.Name == name {
				return true
			}
		}
	}
	return false
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
