package model

// An Account represents an operator account of the backend database.
type Account struct {
	Base `msgpack:",inline" storm:"inline"`

	Email    string `msgpack:"email" storm:"unique"`
	Name     string `msgpack:"name"`
	Role     string `msgpack:"role"`
	Password string `msgpack:"password,omitempty"` // argon2 hash

	// Authorization snapshot served by the check-session endpoint.
	Permissions       []string           `msgpack:"permissions"`
	Limits            map[string]float64 `msgpack:"limits"`
	InterfaceAccess   map[string]bool    `msgpack:"interface_access"`
	POSModules        map[string]bool    `msgpack:"pos_modules"`
	BackofficeModules map[string]bool    `msgpack:"backoffice_modules"`
}

// NewAccount returns a new account with default authorization.
func NewAccount() *Account {
	return &Account{
		Role:        "cashier",
		Permissions: []string{"orders.read", "orders.write"},
		Limits: map[string]float64{
			"maxDiscountPercent": 10,
			"maxRefundAmount":    50,
		},
		InterfaceAccess:   map[string]bool{"pos": true},
		POSModules:        map[string]bool{"orders": true, "payments": true},
		BackofficeModules: map[string]bool{},
	}
}
