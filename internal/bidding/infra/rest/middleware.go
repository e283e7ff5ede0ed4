package rest

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// Identity headers are set by the authenticating gateway in front of the engine.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
	RoleAdmin      = "admin"

	identityKey = "identity"
)

type Identity struct {
	UserID uuid.UUID
	Role   string
}

func (i Identity) IsAdmin() bool {
	return strings.EqualFold(i.Role, RoleAdmin)
}

// Authenticate stores the caller identity in the request locals. Anonymous
// requests pass through, a malformed id is rejected.
func Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := strings.TrimSpace(c.Get(HeaderUserID))
		if raw == "" {
			return c.Next()
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return ErrUnauthorized
		}
		c.Locals(identityKey, Identity{UserID: id, Role: strings.TrimSpace(c.Get(HeaderUserRole))})
		return c.Next()
	}
}

func RequireUser() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if _, ok := IdentityFrom(c); !ok {
			return ErrUnauthorized
		}
		return c.Next()
	}
}

func RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, ok := IdentityFrom(c)
		if !ok {
			return ErrUnauthorized
		}
		if !id.IsAdmin() {
			return ErrForbidden
		}
		return c.Next()
	}
}

func IdentityFrom(c *fiber.Ctx) (Identity, bool) {
	id, ok := c.Locals(identityKey).(Identity)
	return id, ok
}
