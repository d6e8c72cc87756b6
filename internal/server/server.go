// Package server exposes the authentication backend consumed by the register
// terminals: sign-in, session check and sign-out over a small JSON API.
package server

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/caissapos/caissa/internal/database"
	"github.com/caissapos/caissa/internal/server/middlewares"
	"github.com/caissapos/caissa/internal/server/session"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// An IOC is an Inversion Of Control pattern used to init the server package.
type IOC struct {
	Version        string
	Database       database.Client
	NoRegistration bool
	// JWT params
	SigningKey []byte
	// Session params
	SessionDuration time.Duration
}

// EchoEngine instantiates the web server.
func EchoEngine(ctrl IOC) *echo.Echo {
	engine := echo.New()
	engine.Use(middleware.Recover())
	engine.Use(middleware.Secure())
	engine.Use(middleware.CORSWithConfig(middleware.DefaultCORSConfig))
	engine.Use(middleware.Gzip())

	engine.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${status}] ${method} ${uri} (${bytes_in}) ${latency_human}\n",
	}))
	engine.Binder = middlewares.NewBinder()
	// Error handler
	engine.HTTPErrorHandler = middlewares.HTTPErrorHandler

	engine.Pre(middleware.Rewrite(map[string]string{
		"/": "/version",
	}))

	////////////
	// Router //
	////////////

	sessions := session.NewManager(ctrl.Database, ctrl.SigningKey, ctrl.SessionDuration)

	router := engine.Group("")
	restricted := router.Group("")
	restricted.Use(middlewares.CurrentAccount(sessions))

	//
	// generic handlers
	//
	router.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{
			"version": ctrl.Version,
		})
	})

	//
	// auth handlers
	//
	auth := &auth{
		db:       ctrl.Database,
		sessions: sessions,
	}
	if !ctrl.NoRegistration {
		router.POST("/auth", auth.Register)
	}
	router.POST("/auth/sign_in", auth.Login)
	restricted.GET("/auth/check", auth.Check)
	restricted.POST("/auth/sign_out", auth.Logout)

	return engine
}

// PrintRoutes prints the Echo engine exposed routes.
func PrintRoutes(e *echo.Echo) {
	ignored := map[string]bool{
		".":  true,
		"/*": true,
	}

	routes := e.Routes()
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Path < routes[j].Path
	})

	fmt.Println("Routes:")
	for _, route := range routes {
		if ignored[route.Path] {
			continue
		}
		fmt.Printf("%6s %s\n", route.Method, route.Path)
	}
}
