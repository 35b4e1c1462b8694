package custody

// AuthContext is the authenticated identity of a request, produced by session
// validation and passed explicitly to the protocols.
type AuthContext struct {
	UserID    string
	SessionID string
	DeviceID  string
}

// Valid reports whether the context names both a user and a session.
func (a AuthContext) Valid() bool { return a.UserID != "" && a.SessionID != "" }
