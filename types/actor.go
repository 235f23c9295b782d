package types

// Actor identifies who is asking for elevated rights.
type Actor struct {
	UserID   string   `json:"user_id"`
	TenantID string   `json:"tenant_id"`
	Market   string   `json:"market"`
	Roles    []string `json:"roles,omitempty"`
}

// Key returns the per-actor concurrency key used for pending-request caps.
func (a Actor) Key() string {
	return a.TenantID + "/" + a.UserID
}

// HasRole reports whether the actor holds the given role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the actor holds at least one of the given roles.
func (a Actor) HasAnyRole(roles []string) bool {
	for _, r := range roles {
		if a.HasRole(r) {
			return true
		}
	}
	return false
}

// CallContext carries per-call metadata from the integration that
// intercepted the command: where the call came from and, if the caller
// already holds an elevation token, its wire encoding.
type CallContext struct {
	SourceAddr string `json:"source_addr,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
	TokenBlob  string `json:"token,omitempty"`
}
