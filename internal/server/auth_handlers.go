package server

import (
	"net/http"

	"github.com/caissapos/caissa/internal/database"
	"github.com/caissapos/caissa/internal/model"
	"github.com/caissapos/caissa/internal/server/middlewares"
	"github.com/caissapos/caissa/internal/server/serializer"
	"github.com/caissapos/caissa/internal/server/session"
	"github.com/labstack/echo/v4"
	argon2 "github.com/mdouchement/simple-argon2"
	"github.com/pkg/errors"
)

// auth contains all authentication handlers.
type auth struct {
	db       database.Client
	sessions session.Manager
}

///// Register
////
//

// Register handler creates an operator account.
func (h *auth) Register(c echo.Context) error {
	var params struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
		Role     string `json:"role"`
	}
	if err := c.Bind(&params); err != nil {
		return c.JSON(http.StatusBadRequest, apierror("Could not get account's params."))
	}

	if params.Email == "" || params.Password == "" || params.Name == "" {
		return c.JSON(http.StatusBadRequest, apierror("No email, name or password provided."))
	}

	if _, err := h.db.FindAccountByMail(params.Email); err == nil {
		return c.JSON(http.StatusConflict, apierror("This email is already registered."))
	} else if !h.db.IsNotFound(err) {
		return errors.Wrap(err, "could not get access to database")
	}

	account := model.NewAccount()
	account.Email = params.Email
	account.Name = params.Name
	if params.Role != "" {
		account.Role = params.Role
	}

	var err error
	account.Password, err = argon2.GenerateFromPasswordString(params.Password, argon2.Default)
	if err != nil {
		return errors.Wrap(err, "could not store credentials")
	}

	if err = h.db.Save(account); err != nil {
		return errors.Wrap(err, "could not persist account")
	}

	token, err := h.sessions.Token(account)
	if err != nil {
		return err
	}

	render := serializer.Payload(account)
	render["token"] = token
	return c.JSON(http.StatusOK, serializer.Global(render))
}

///// Login
////
//

// Login authenticates an operator and returns a bearer token alongside the
// authorization snapshot.
func (h *auth) Login(c echo.Context) error {
	var params struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.Bind(&params); err != nil {
		return c.JSON(http.StatusBadRequest, apierror("Could not get credentials."))
	}

	if params.Email == "" || params.Password == "" {
		return c.JSON(http.StatusBadRequest, apierror("No email or password provided."))
	}

	account, err := h.db.FindAccountByMail(params.Email)
	if err != nil {
		if h.db.IsNotFound(err) {
			return c.JSON(http.StatusUnauthorized, apierror("Invalid email or password."))
		}
		return errors.Wrap(err, "could not get access to database")
	}

	if err = argon2.CompareHashAndPasswordString(account.Password, params.Password); err != nil {
		if err == argon2.ErrMismatchedHashAndPassword {
			return c.JSON(http.StatusUnauthorized, apierror("Invalid email or password."))
		}
		return errors.Wrap(err, "could not verify credentials")
	}

	token, err := h.sessions.Token(account)
	if err != nil {
		return err
	}

	render := serializer.Payload(account)
	render["token"] = token
	return c.JSON(http.StatusOK, serializer.Global(render))
}

///// Check
////
//

// Check revalidates the bearer token and returns a fresh authorization
// snapshot. The token itself is not repeated in the response.
func (h *auth) Check(c echo.Context) error {
	account := currentAccount(c)
	return c.JSON(http.StatusOK, serializer.Global(serializer.Payload(account)))
}

///// Logout
////
//

// Logout revokes the bearer token.
func (h *auth) Logout(c echo.Context) error {
	if id, ok := c.Get(middlewares.TokenIDContextKey).(string); ok {
		h.sessions.Revoke(id)
	}
	return c.NoContent(http.StatusNoContent)
}

func currentAccount(c echo.Context) *model.Account {
	account, ok := c.Get(middlewares.CurrentAccountContextKey).(*model.Account)
	if !ok {
		panic("authentication middleware is missing")
	}
	return account
}

func apierror(message string) echo.Map {
	return echo.Map{
		"success": false,
		"error": echo.Map{
			"message": message,
		},
	}
}
