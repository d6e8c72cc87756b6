package main

import (
	"fmt"
	"os"

	"github.com/caissapos/caissa/internal/terminal"
	"github.com/muesli/coral"
)

var (
	version  = "dev"
	revision = "none"
	date     = "unknown"

	profile string
)

func main() {
	c := &coral.Command{
		Use:     "caissa",
		Short:   "Register terminal for the caissa point of sale",
		Version: fmt.Sprintf("%s - build %.7s @ %s", version, revision, date),
		Args:    coral.NoArgs,
	}
	c.PersistentFlags().StringVarP(&profile, "profile", "p", terminal.DefaultProfile(),
		"Profile directory shared by the terminals of one register")

	c.AddCommand(loginCmd)
	c.AddCommand(logoutCmd)
	c.AddCommand(runCmd)
	c.AddCommand(statusCmd)

	if err := c.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

var (
	loginCmd = &coral.Command{
		Use:   "login",
		Short: "Sign in and open a session for the whole register",
		Args:  coral.NoArgs,
		RunE: func(_ *coral.Command, _ []string) error {
			return terminal.Login(profile)
		},
	}

	logoutCmd = &coral.Command{
		Use:   "logout",
		Short: "Close the session on every terminal of the register",
		Args:  coral.NoArgs,
		RunE: func(_ *coral.Command, _ []string) error {
			return terminal.Logout(profile)
		},
	}

	runCmd = &coral.Command{
		Use:   "run",
		Short: "Run an interactive terminal over the register session",
		Args:  coral.NoArgs,
		RunE: func(_ *coral.Command, _ []string) error {
			return terminal.Run(profile)
		},
	}

	statusCmd = &coral.Command{
		Use:   "status",
		Short: "Print a diagnostic snapshot of the register session",
		Args:  coral.NoArgs,
		RunE: func(_ *coral.Command, _ []string) error {
			return terminal.Status(profile)
		},
	}
)
