package session_test

import (
	"os"
	"testing"
	"time"

	"github.com/caissapos/caissa/internal/database"
	"github.com/caissapos/caissa/internal/model"
	"github.com/caissapos/caissa/internal/server/session"
	"github.com/stretchr/testify/assert"
)

func setup(t *testing.T) (database.Client, *model.Account, func()) {
	tmpfile, err := os.CreateTemp("", "caissad.*.db")
	assert.NoError(t, err)
	filename := tmpfile.Name()
	tmpfile.Close()

	db, err := database.StormOpen(filename)
	assert.NoError(t, err)

	account := model.NewAccount()
	account.Email = "george.abitbol@nowhere.lan"
	account.Name = "George Abitbol"
	assert.NoError(t, db.Save(account))

	return db, account, func() {
		db.Close()
		os.RemoveAll(filename)
	}
}

func TestManagerTokenRoundTrip(t *testing.T) {
	db, account, cleanup := setup(t)
	defer cleanup()

	sessions := session.NewManager(db, []byte("secret"), time.Hour)

	token, err := sessions.Token(account)
	assert.NoError(t, err)
	assert.Regexp(t, `.*\..*\..*`, token)

	got, id, err := sessions.Validate(token)
	assert.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, account.ID, got.ID)
	assert.Equal(t, account.Email, got.Email)
}

func TestManagerRejectsForgedToken(t *testing.T) {
	db, account, cleanup := setup(t)
	defer cleanup()

	sessions := session.NewManager(db, []byte("secret"), time.Hour)
	forger := session.NewManager(db, []byte("not-the-secret"), time.Hour)

	token, err := forger.Token(account)
	assert.NoError(t, err)

	_, _, err = sessions.Validate(token)
	assert.EqualError(t, err, "invalid token")

	_, _, err = sessions.Validate("plop")
	assert.EqualError(t, err, "invalid token")
}

func TestManagerRejectsExpiredToken(t *testing.T) {
	db, account, cleanup := setup(t)
	defer cleanup()

	sessions := session.NewManager(db, []byte("secret"), -time.Minute)

	token, err := sessions.Token(account)
	assert.NoError(t, err)

	_, _, err = sessions.Validate(token)
	assert.EqualError(t, err, "invalid token")
}

func TestManagerRevoke(t *testing.T) {
	db, account, cleanup := setup(t)
	defer cleanup()

	sessions := session.NewManager(db, []byte("secret"), time.Hour)

	token, err := sessions.Token(account)
	assert.NoError(t, err)

	_, id, err := sessions.Validate(token)
	assert.NoError(t, err)

	sessions.Revoke(id)

	_, _, err = sessions.Validate(token)
	assert.EqualError(t, err, "revoked token")

	// Other tokens of the same account are untouched.
	token, err = sessions.Token(account)
	assert.NoError(t, err)
	_, _, err = sessions.Validate(token)
	assert.NoError(t, err)
}
