package models

import "time"

// CredentialRecord stores the OAuth tokens for one authorized identity.
// Exactly one record exists per user_id; email acts as a secondary lookup
// key. Records are created on first login and overwritten on re-auth,
// never deleted by the relay.
type CredentialRecord struct {
	UserID       string    `bson:"user_id" json:"user_id"`
	Email        string    `bson:"email" json:"email"`
	AccessToken  string    `bson:"access_token" json:"-"`
	RefreshToken string    `bson:"refresh_token" json:"-"`
	TokenExpiry  time.Time `bson:"token_expiry" json:"token_expiry"`
}
