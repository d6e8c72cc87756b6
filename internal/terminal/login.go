package terminal

import (
	"fmt"

	"github.com/caissapos/caissa/pkg/libcaissa"
	"github.com/chzyer/readline"
	"github.com/pkg/errors"
)

// Login authenticates against the backend and opens a session in the
// profile directory. Other terminals of the profile pick it up.
func Login(profile string) error {
	cfg, err := Load(profile)
	if err != nil {
		cfg = Config{}

		cfg.Endpoint, err = readline.Line("Endpoint: ")
		if err != nil {
			return errors.Wrap(err, "could not read endpoint from stdin")
		}
	}

	client, err := libcaissa.NewDefaultClient(cfg.Endpoint)
	if err != nil {
		return errors.Wrap(err, "could not reach given endpoint")
	}

	if cfg.Email == "" {
		cfg.Email, err = readline.Line("Email: ")
		if err != nil {
			return errors.Wrap(err, "could not read email from stdin")
		}
	}

	password, err := readline.Password("Password: ")
	if err != nil {
		return errors.Wrap(err, "could not read password from stdin")
	}

	payload, err := client.SignIn(cfg.Email, string(password))
	if err != nil {
		return errors.Wrap(err, "could not login")
	}

	if err = Save(profile, cfg); err != nil {
		return err
	}

	runtime, err := Open(profile)
	if err != nil {
		return err
	}
	defer runtime.Close()

	if !runtime.Orchestrator.CreateSession(payload) {
		return errors.New("backend returned an unusable session payload")
	}

	fmt.Printf("Signed in as %s.\n", payload.User.Name)
	return nil
}

// Logout closes the session everywhere and revokes the credential.
func Logout(profile string) error {
	runtime, err := Open(profile)
	if err != nil {
		return err
	}
	defer runtime.Close()

	if !runtime.Orchestrator.HasSession() {
		fmt.Println("No session.")
		return nil
	}

	ctx, cancel := commandContext()
	defer cancel()
	return runtime.Orchestrator.Logout(ctx, sessionLogoutOptions())
}
