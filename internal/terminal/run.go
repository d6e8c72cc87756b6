package terminal

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caissapos/caissa/internal/session"
	"github.com/caissapos/caissa/pkg/bus"
	"github.com/sanity-io/litter"
)

// Run starts an interactive terminal: every input line counts as operator
// activity, a few commands poke the session, and lifecycle events print as
// they happen. SIGCONT re-checks the session as on a foregrounded terminal.
func Run(profile string) error {
	runtime, err := Open(profile)
	if err != nil {
		return err
	}
	defer runtime.Close()

	orchestrator := runtime.Orchestrator
	announce(orchestrator)

	ctx, cancel := commandContext()
	record, err := orchestrator.RestoreSession(ctx)
	cancel()
	if err != nil {
		return err
	}
	if record == nil {
		fmt.Println("No session. Run `caissa login` first.")
		return nil
	}
	fmt.Printf("Session restored for %s. Type `help` for commands.\n", record.User.Name)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGCONT)
	defer signal.Stop(signals)

	for {
		select {
		case sig := <-signals:
			if sig == syscall.SIGCONT {
				orchestrator.RecordActivity()
				runtime.Coordinator.WakeUp()
				continue
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if !command(runtime, line) {
				return nil
			}
		}
	}
}

// command interprets one input line. Returns false to quit.
func command(runtime *Runtime, line string) bool {
	orchestrator := runtime.Orchestrator
	orchestrator.RecordActivity()

	switch line {
	case "help":
		fmt.Println("commands: status, extend, validate, logout, quit (any other input only counts as activity)")
	case "status":
		fmt.Println(litter.Sdump(orchestrator.GetStatus()))
	case "extend":
		if orchestrator.Extend() {
			fmt.Println("Session extended.")
		} else {
			fmt.Println("No session to extend.")
		}
	case "validate":
		ctx, cancel := commandContext()
		result := orchestrator.Validate(ctx)
		cancel()
		if result.OK {
			fmt.Println("Session confirmed by server.")
		} else {
			fmt.Printf("Validation failed: %s\n", result.Reason)
		}
	case "logout":
		ctx, cancel := commandContext()
		defer cancel()
		if err := orchestrator.Logout(ctx, sessionLogoutOptions()); err != nil {
			fmt.Println(err)
		}
		return false
	case "quit", "exit":
		return false
	}
	return true
}

// announce prints the user-visible lifecycle events.
func announce(orchestrator *session.Orchestrator) {
	orchestrator.On(session.EventExpiringSoon, func(e bus.Event) {
		warning, ok := e.Payload.(session.ExpiringSoon)
		if !ok {
			return
		}
		if warning.Critical {
			fmt.Printf("\n!! Session expires in %s. Type `extend` to keep working.\n", warning.TimeUntilExpiry.Round(time.Second))
			return
		}
		fmt.Printf("\nSession expires in %s.\n", warning.TimeUntilExpiry.Round(time.Second))
	})
	orchestrator.On(session.EventExpired, func(bus.Event) {
		fmt.Println("\nSession expired. Run `caissa login` to sign in again.")
	})
	orchestrator.On(session.EventCleared, func(e bus.Event) {
		cleared, ok := e.Payload.(session.Cleared)
		if ok && cleared.Remote {
			fmt.Println("\nSession closed by another terminal.")
		}
	})
	orchestrator.On(session.EventValidationFailed, func(e bus.Event) {
		failed, ok := e.Payload.(session.ValidationFailed)
		if ok {
			fmt.Printf("\nSession rejected by server (%s).\n", failed.Reason)
		}
	})
}

// Status prints a diagnostic snapshot of the profile's session.
func Status(profile string) error {
	runtime, err := Open(profile)
	if err != nil {
		return err
	}
	defer runtime.Close()

	fmt.Println(litter.Sdump(runtime.Orchestrator.GetStatus()))
	return nil
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}

func sessionLogoutOptions() session.LogoutOptions {
	return session.LogoutOptions{Revoke: true, Reason: "logout"}
}
