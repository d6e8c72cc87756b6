package libcaissa

type (
	// A User identifies the operator owning the session.
	User struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Role string `json:"role,omitempty"`
	}

	// A CheckPayload is the authorization snapshot returned by the backend.
	// It is the response of both the sign-in and the check-session endpoints,
	// except that check-session does not return a token.
	CheckPayload struct {
		Token             string             `json:"token,omitempty"`
		User              *User              `json:"user"`
		Permissions       []string           `json:"permissions"`
		Limits            map[string]float64 `json:"limits"`
		InterfaceAccess   map[string]bool    `json:"interface_access"`
		POSModules        map[string]bool    `json:"pos_modules"`
		BackofficeModules map[string]bool    `json:"backoffice_modules"`
	}
)

// Defined returns true if the payload carries a usable identity.
func (p *CheckPayload) Defined() bool {
	return p != nil && p.User != nil && p.User.ID != "" && p.User.Name != ""
}
