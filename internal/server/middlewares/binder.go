package middlewares

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type binder struct {
	echo.DefaultBinder
	// bodyless lists POST routes allowed to carry an empty body.
	bodyless map[string]bool
}

// NewBinder returns a wrap of the default binder implementation with extra checks.
func NewBinder() echo.Binder {
	return &binder{
		bodyless: map[string]bool{
			"/auth/sign_out": true,
		},
	}
}

// Bind implements the echo.Binder interface.
func (b *binder) Bind(i interface{}, c echo.Context) (err error) {
	r := c.Request()
	switch r.Method {
	case http.MethodPost, http.MethodPatch, http.MethodPut:
		if r.ContentLength == 0 && !b.bodyless[c.Path()] {
			return echo.NewHTTPError(http.StatusBadRequest, "Request body can't be empty")
		}
	}
	return b.DefaultBinder.Bind(i, c)
}
