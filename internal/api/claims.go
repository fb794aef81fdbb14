package api

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/matheus3301/nova/internal/model"
)

type tokenClaims struct {
	ID       string `json:"_id"`
	FullName string `json:"fullName"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
	jwt.RegisteredClaims
}

// UserFromToken reads the user identity carried in an access token. The
// signature is not verified; the server does that on every request.
func UserFromToken(token string) (model.User, error) {
	var claims tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return model.User{}, fmt.Errorf("parse access token: %w", err)
	}
	id := claims.ID
	if id == "" {
		id = claims.Subject
	}
	if id == "" {
		return model.User{}, errors.New("access token carries no user id")
	}
	return model.User{
		ID:          id,
		DisplayName: claims.FullName,
		Username:    claims.Username,
		AvatarRef:   claims.Avatar,
	}, nil
}
