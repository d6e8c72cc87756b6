package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/caissapos/caissa/internal/database"
	"github.com/caissapos/caissa/internal/model"
	"github.com/caissapos/caissa/internal/server"
	"github.com/chzyer/readline"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	argon2 "github.com/mdouchement/simple-argon2"
	"github.com/muesli/coral"
	"github.com/pkg/errors"
)

const dbname = "caissad.db"

var (
	version  = "dev"
	revision = "none"
	date     = "unknown"

	cfg string
)

func main() {
	c := &coral.Command{
		Use:     "caissad",
		Short:   "Authentication backend for caissa registers",
		Version: fmt.Sprintf("%s - build %.7s @ %s - %s", version, revision, date, runtime.Version()),
		Args:    coral.ExactArgs(0),
	}
	initCmd.Flags().StringVarP(&cfg, "config", "c", "", "Configuration file")
	c.AddCommand(initCmd)

	registerCmd.Flags().StringVarP(&cfg, "config", "c", "", "Configuration file")
	c.AddCommand(registerCmd)

	serverCmd.Flags().StringVarP(&cfg, "config", "c", "", "Configuration file")
	c.AddCommand(serverCmd)

	if err := c.Execute(); err != nil {
		log.Fatalf("%+v", err)
	}
}

func dbnameWithPath(path string) string {
	if len(path) == 0 {
		return dbname
	}
	return filepath.Join(path, dbname)
}

func load() (*koanf.Koanf, error) {
	konf := koanf.New(".")
	err := konf.Load(file.Provider(cfg), yaml.Parser())
	return konf, err
}

var (
	initCmd = &coral.Command{
		Use:   "init",
		Short: "Init the database",
		Args:  coral.ExactArgs(0),
		RunE: func(_ *coral.Command, _ []string) error {
			konf, err := load()
			if err != nil {
				return err
			}

			return database.StormInit(dbnameWithPath(konf.String("database_path")))
		},
	}

	//
	registerCmd = &coral.Command{
		Use:   "register",
		Short: "Create an operator account",
		Args:  coral.ExactArgs(0),
		RunE: func(_ *coral.Command, _ []string) error {
			konf, err := load()
			if err != nil {
				return err
			}

			db, err := database.StormOpen(dbnameWithPath(konf.String("database_path")))
			if err != nil {
				return errors.Wrap(err, "could not open database")
			}
			defer db.Close()

			account := model.NewAccount()
			if account.Email, err = readline.Line("Email: "); err != nil {
				return errors.Wrap(err, "could not read email from stdin")
			}
			if account.Name, err = readline.Line("Name: "); err != nil {
				return errors.Wrap(err, "could not read name from stdin")
			}
			if role, err := readline.Line(fmt.Sprintf("Role [%s]: ", account.Role)); err == nil && role != "" {
				account.Role = role
			}

			password, err := readline.Password("Password: ")
			if err != nil {
				return errors.Wrap(err, "could not read password from stdin")
			}
			account.Password, err = argon2.GenerateFromPasswordString(string(password), argon2.Default)
			if err != nil {
				return errors.Wrap(err, "could not hash password")
			}

			if err = db.Save(account); err != nil {
				return errors.Wrap(err, "could not persist account")
			}

			fmt.Printf("Account %s created.\n", account.ID)
			return nil
		},
	}

	//
	//
	serverCmd = &coral.Command{
		Use:   "server",
		Short: "Start server",
		Args:  coral.ExactArgs(0),
		RunE: func(_ *coral.Command, _ []string) error {
			konf, err := load()
			if err != nil {
				return err
			}

			if konf.String("secret_key") == "" {
				return errors.New("secret_key not found")
			}

			db, err := database.StormOpen(dbnameWithPath(konf.String("database_path")))
			if err != nil {
				return errors.Wrap(err, "could not open database")
			}
			defer db.Close()

			engine := server.EchoEngine(server.IOC{
				Version:         version,
				Database:        db,
				NoRegistration:  konf.Bool("no_registration"),
				SigningKey:      konf.MustBytes("secret_key"),
				SessionDuration: konf.MustDuration("session.ttl"),
			})
			server.PrintRoutes(engine)

			address := konf.String("address")
			message := "could not run server"
			log.Printf("Server listening on %s\n", address)
			parts := strings.Split(address, ":")
			if len(parts) == 2 && parts[0] == "unix" {
				socketFile := parts[1]
				if _, err := os.Stat(socketFile); err == nil {
					log.Printf("Removing existing %s\n", socketFile)
					os.Remove(socketFile)
				}
				defer os.Remove(socketFile)
				listener, err := net.Listen(parts[0], socketFile)
				if err != nil {
					return err
				}
				return errors.Wrap(engine.Server.Serve(listener), message)
			}
			return errors.Wrap(engine.Start(address), message)
		},
	}
)
