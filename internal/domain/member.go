package domain

// HandleID addresses one live connection of a user.
type HandleID string

func (h HandleID) String() string { return string(h) }

// Member is a user taking part in a room through one specific handle.
type Member struct {
	User   User     `json:"user"`
	Handle HandleID `json:"handle"`
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(user User, handle HandleID) Member {
	return Member{User: user, Handle: handle}
}
