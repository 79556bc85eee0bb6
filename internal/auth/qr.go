package auth

import (
	"encoding/json"
	"errors"
	"strings"

	"schoolportal/identity/internal/model"
)

const (
	QRKindLogin        = "login"
	QRKindStudentLogin = "student_login"
)

var ErrMalformedQR = errors.New("malformed_qr")

// QRPayload is the unsigned login bundle rendered into a QR code. It carries
// the plaintext password and is as sensitive as the password itself.
type QRPayload struct {
	Kind      string     `json:"kind"`
	Username  string     `json:"username"`
	Password  string     `json:"password"`
	Role      model.Role `json:"role,omitempty"`
	StudentID string     `json:"studentId,omitempty"`
	Name      string     `json:"name,omitempty"`
	Class     string     `json:"class,omitempty"`
	Division  string     `json:"division,omitempty"`
}

// NewQRPayload builds the payload kind matching the identity's role.
func NewQRPayload(identity model.Identity, password string) QRPayload {
	if identity.Role == model.RoleStudent {
		return QRPayload{
			Kind:      QRKindStudentLogin,
			Username:  identity.Username,
			Password:  password,
			StudentID: identity.ID,
			Name:      identity.Name,
			Class:     identity.Class,
			Division:  identity.Division,
		}
	}
	return QRPayload{
		Kind:     QRKindLogin,
		Username: identity.Username,
		Password: password,
		Role:     identity.Role,
	}
}

// TargetRole is the identity space the payload logs into.
func (p QRPayload) TargetRole() model.Role {
	if p.Kind == QRKindStudentLogin {
		return model.RoleStudent
	}
	if p.Role == "" {
		return model.RoleController
	}
	return p.Role
}

func EncodeQRPayload(payload QRPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func DecodeQRPayload(value string) (QRPayload, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "{") {
		return QRPayload{}, ErrMalformedQR
	}
	var payload QRPayload
	if err := json.Unmarshal([]byte(value), &payload); err != nil {
		return QRPayload{}, ErrMalformedQR
	}
	switch payload.Kind {
	case QRKindLogin, QRKindStudentLogin:
	default:
		return QRPayload{}, ErrMalformedQR
	}
	if payload.Username == "" || payload.Password == "" {
		return QRPayload{}, ErrMalformedQR
	}
	if payload.Role != "" {
		role, err := model.ParseRole(string(payload.Role))
		if err != nil {
			return QRPayload{}, ErrMalformedQR
		}
		payload.Role = role
	}
	return payload, nil
}
