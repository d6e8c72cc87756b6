package middlewares

import (
	"net/http"
	"strings"

	"github.com/caissapos/caissa/internal/server/session"
	"github.com/labstack/echo/v4"
)

const (
	// CurrentAccountContextKey is the key to retrieve the authenticated
	// account from echo.Context.
	CurrentAccountContextKey = "current_account"
	// TokenIDContextKey is the key to retrieve the token id, used by sign-out.
	TokenIDContextKey = "token_id"
)

// CurrentAccount authenticates the bearer token and stores the matching
// account into echo.Context.
func CurrentAccount(sessions session.Manager) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{
					"success": false,
					"error": echo.Map{
						"message": "No bearer token provided.",
					},
				})
			}

			account, id, err := sessions.Validate(token)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{
					"success": false,
					"error": echo.Map{
						"message": err.Error(),
					},
				})
			}

			c.Set(CurrentAccountContextKey, account)
			c.Set(TokenIDContextKey, id)

			if err = next(c); err != nil {
				c.Error(err)
			}

			return nil
		}
	}
}
