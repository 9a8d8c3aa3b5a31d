// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

// Package schema names the tables and columns shared by the Postgres repositories.
package schema

import "strings"

// UserAccountTable represents the 'users.account' table
type UserAccountTable struct {
	Table            string
	ID               string
	Email            string
	Password         string
	DisplayName      string
	Role             string
	Status           string
	IsVerified       string
	IsSellerVerified string
	TwoFactorEnabled string
	CreatedAt        string
	UpdatedAt        string
	DeletedAt        string
}

// UserAccount is the schema definition for users.account
var UserAccount = UserAccountTable{
	Table:            "users.account",
	ID:               "id",
	Email:            "email",
	Password:         "passwordhash",
	DisplayName:      "displayname",
	Role:             "role",
	Status:           "status",
	IsVerified:       "isverified",
	IsSellerVerified: "issellerverified",
	TwoFactorEnabled: "twofactorenabled",
	CreatedAt:        "createdat",
	UpdatedAt:        "updatedat",
	DeletedAt:        "deletedat",
}

// Columns returns the readable columns in scan order. DeletedAt is excluded.
func (t UserAccountTable) Columns() []string {
	return []string{
		t.ID, t.Email, t.Password, t.DisplayName, t.Role, t.Status,
		t.IsVerified, t.IsSellerVerified, t.TwoFactorEnabled, t.CreatedAt, t.UpdatedAt,
	}
}

// ColumnList joins [UserAccountTable.Columns] for a SELECT or INSERT clause.
func (t UserAccountTable) ColumnList() string {
	return strings.Join(t.Columns(), ", ")
}
