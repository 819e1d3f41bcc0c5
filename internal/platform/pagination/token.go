// Package pagination implements the opaque cursor tokens and page-size
// handling shared by the HTTP handlers and the Firestore repositories.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid page size")
	ErrInvalidPageToken = errors.New("pagination: invalid page token")
)

// EncodeToken serialises the cursor payload into a base64 URL-safe page token.
// The payload is an implementation detail of the repository issuing the token;
// clients must treat the result as opaque.
func EncodeToken(payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeToken parses a token produced by EncodeToken into target.
func DecodeToken(token string, target any) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: empty token", ErrInvalidPageToken)
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	return nil
}
