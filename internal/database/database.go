package database

import (
	"github.com/caissapos/caissa/internal/model"
)

type (
	// A Client can interact with the backend database.
	Client interface {
		// Save inserts or updates the entry in database with the given model.
		Save(m model.Model) error
		// Delete deletes the entry in database with the given model.
		Delete(m model.Model) error
		// Close the database.
		Close() error
		// IsNotFound returns true if err is a not found error.
		IsNotFound(err error) bool

		AccountInteraction
	}

	// An AccountInteraction defines all the methods used to interact with an account record.
	AccountInteraction interface {
		// FindAccount returns the account for the given id (UUID).
		FindAccount(id string) (*model.Account, error)
		// FindAccountByMail returns the account for the given email.
		FindAccountByMail(email string) (*model.Account, error)
	}
)
