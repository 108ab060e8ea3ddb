package session

import "errors"

var (
	// ErrInvalidToken is returned when an access token fails verification or validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when an otherwise valid access token is past its expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrUserMismatch is returned when a refreshed token belongs to a different user.
	ErrUserMismatch = errors.New("token user mismatch")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)
