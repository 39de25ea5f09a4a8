package models

import (
	"time"
)

// Auth is the configuration surface handed to a driver by the application.
// For IMAP/SMTP providers AccessToken is an app-specific password, not an OAuth
// bearer token.
type Auth struct {
	Email       string `json:"email"`
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
}

// Account holds the stored mail credentials for one user.
type Account struct {
	UserID               string    `json:"user_id"`
	Email                string    `json:"email"`
	DisplayName          string    `json:"display_name"`
	EncryptedAppPassword []byte    `json:"-"`
	Aliases              []string  `json:"aliases"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}
