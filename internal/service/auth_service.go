package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"card-grading-service/internal/model"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUserDisabled = errors.New("user disabled")
)

// AuthService asks the external identity provider who a bearer token
// belongs to.
type AuthService struct {
	authURL string
	client  *http.Client
}

type AuthUser struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
	Login       string   `json:"login"`
	Enabled     bool     `json:"enabled"`
}

func NewAuthService(authURL string, timeout time.Duration) *AuthService {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AuthService{
		authURL: strings.TrimRight(authURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Role picks the strongest role the user's permissions grant.
func (u AuthUser) Role() string {
	switch {
	case slices.Contains(u.Permissions, RoleAdmin):
		return RoleAdmin
	case slices.Contains(u.Permissions, RoleGrader):
		return RoleGrader
	case slices.Contains(u.Permissions, RoleCheckout):
		return RoleCheckout
	}
	return ""
}

// ValidateToken resolves token via GET {authURL}/users/current.
func (a *AuthService) ValidateToken(ctx context.Context, token string) (model.Actor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/users/current", a.authURL), nil)
	if err != nil {
		return model.Actor{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return model.Actor{}, fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.Actor{}, ErrInvalidToken
	}

	var user AuthUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return model.Actor{}, fmt.Errorf("decode auth user: %w", err)
	}
	if !user.Enabled {
		return model.Actor{}, ErrUserDisabled
	}

	return model.Actor{ID: user.ID, Name: user.Name, Role: user.Role()}, nil
}
