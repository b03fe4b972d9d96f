package gateway

// TokenProvider supplies the current bearer credential and user id.
// Refresh and re-authentication are the provider's responsibility; the
// core treats both values as opaque and re-reads them per request.
type TokenProvider interface {
	Token() string
	UserID() string
}

// StaticTokens is a TokenProvider backed by fixed values, used by the
// daemon (config-sourced) and by tests.
type StaticTokens struct {
	AccessToken string
	User        string
}

func (s StaticTokens) Token() string  { return s.AccessToken }
func (s StaticTokens) UserID() string { return s.User }
