package model

import (
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleStudent    Role = "student"
	RoleController Role = "controller"
)

// ParseRole resolves the role string of a request. "primary" is the legacy
// name of the controller role.
func ParseRole(value string) (Role, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "student", "":
		return RoleStudent, nil
	case "controller", "primary":
		return RoleController, nil
	default:
		return "", fmt.Errorf("unknown role %q", value)
	}
}

func (r Role) IsController() bool {
	return r == RoleController
}

// Profile is the caller-supplied part of a registration.
type Profile struct {
	Name       string
	Email      string
	Class      string
	Division   string
	ParentName string
	Place      string
	RollNumber *string
	Phone      *string
}

// Identity is a student or controller row in the record store. ID is issued by
// the identity directory and used as the primary key.
type Identity struct {
	ID           string
	Role         Role
	Username     string
	PasswordHash string
	Email        string
	Name         string
	Class        string
	Division     string
	ParentName   string
	Place        string
	RollNumber   *string
	Phone        *string
	QRTokenHash  string
	IsActive     bool
	EmailSent    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastLogin    *time.Time
}
