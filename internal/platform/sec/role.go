// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package sec

// # User Roles

// UserRole represents the authorization level granted to an account.
type UserRole string

const (
	// Unrestricted marketplace administration
	RoleAdmin UserRole = "admin"

	// Can list products and fulfil orders
	RoleSeller UserRole = "seller"

	// Default role for standard registered buyers
	RoleCustomer UserRole = "customer"
)

// # Role Hierarchy

// AtLeast checks if the current role meets or exceeds the required target role.
func (r UserRole) AtLeast(target UserRole) bool {
	return r.level() >= target.level()
}

// Valid reports whether r is one of the known roles.
func (r UserRole) Valid() bool {
	return r.level() > 0
}

// SelfService reports whether an account may be registered with this role without an admin.
func (r UserRole) SelfService() bool {
	return r == RoleCustomer || r == RoleSeller
}

// level maps a role to a numeric hierarchy level for comparison logic.
func (r UserRole) level() int {
	switch r {
	case RoleAdmin:
		return 30
	case RoleSeller:
		return 20
	case RoleCustomer:
		return 10
	default:
		return 0
	}
}
