package models

// SessionState is the tri-state login status.
type SessionState int

const (
	SessionUnknown SessionState = iota
	SessionAuthenticated
	SessionUnauthenticated
)

func (s SessionState) String() string {
	switch s {
	case SessionAuthenticated:
		return "authenticated"
	case SessionUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
