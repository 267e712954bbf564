package cmd

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"grimm.is/warden/internal/auth"
	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/ledger"
)

// RunAddUser creates an account in the ledger. The password is read
// from the terminal when not supplied, so it never lands in shell
// history.
func RunAddUser(configFile, email, password, fullName string, admin, confirmed bool) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	if password == "" {
		password, err = promptPassword()
		if err != nil {
			return err
		}
	}
	if err := auth.ValidatePassword(password, auth.DefaultPasswordPolicy(), email); err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}

	store, err := ledger.Open(cfg.Database.Path, &clock.RealClock{})
	if err != nil {
		return err
	}
	defer store.Close()

	role := ledger.RoleUser
	if admin {
		role = ledger.RoleAdmin
	}
	u, err := store.CreateUser(email, hash, fullName, role, confirmed)
	if err != nil {
		return err
	}

	fmt.Printf("created %s account %s (confirmed: %v)\n", u.Role, u.Email, u.Confirmed)
	return nil
}

// RunConfirm marks an account's email as confirmed and approves it.
func RunConfirm(configFile, email string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	store, err := ledger.Open(cfg.Database.Path, &clock.RealClock{})
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.ConfirmUser(email); err != nil {
		return err
	}
	fmt.Printf("confirmed %s\n", strings.ToLower(email))
	return nil
}

func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	fmt.Fprint(os.Stderr, "Repeat password: ")
	confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	if string(pw) != string(confirm) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(pw), nil
}
