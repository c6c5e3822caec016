// Package login implements the interactive prompt that stores the agent's
// secrets in the system keyring.
package login

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/nhle/mailtriage/internal/credential"
	"github.com/nhle/mailtriage/internal/theme"
)

// Secrets are the values collected by the form.
type Secrets struct {
	Account       string
	EmailPassword string
	APIKey        string
}

// store is replaced in tests.
var store = credential.Set

// BuildForm returns the prompt for the mailbox password and API key.
// account is shown for context only; it comes from the config file.
func BuildForm(s *Secrets) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("mailtriage credentials").
				Description(fmt.Sprintf("Account: %s", s.Account)),
			huh.NewInput().
				Title("Mailbox password").
				Description("Used for both IMAP and SMTP").
				EchoMode(huh.EchoModePassword).
				Value(&s.EmailPassword).
				Validate(validateRequired("Password")),
			huh.NewInput().
				Title("Classification API key").
				Description("Bearer token for the chat-completions endpoint").
				EchoMode(huh.EchoModePassword).
				Value(&s.APIKey).
				Validate(validateRequired("API key")),
		),
	)
}

// Run shows the form and saves the answers to the keyring.
func Run(w io.Writer, account string) error {
	s := &Secrets{Account: account}
	if err := BuildForm(s).Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Fprintln(w, theme.HelpStyle.Render("aborted, nothing saved"))
			return nil
		}
		return fmt.Errorf("running login form: %w", err)
	}

	if err := Save(s); err != nil {
		return err
	}

	fmt.Fprintln(w, theme.CheckStyle("ok").Render("Credentials saved to the system keyring."))
	fmt.Fprintln(w, theme.HelpStyle.Render("Leave email_password and api_key empty in config.yaml to use them."))
	return nil
}

// Save writes the collected secrets to the keyring.
func Save(s *Secrets) error {
	if err := store(credential.KeyEmailPassword, s.EmailPassword); err != nil {
		return fmt.Errorf("saving mailbox password: %w", err)
	}
	if err := store(credential.KeyAPIKey, s.APIKey); err != nil {
		return fmt.Errorf("saving API key: %w", err)
	}
	return nil
}

func validateRequired(fieldName string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", fieldName)
		}
		return nil
	}
}
