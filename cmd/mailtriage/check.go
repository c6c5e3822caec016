package main

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/source"
	"github.com/nhle/mailtriage/internal/source/email"
	"github.com/nhle/mailtriage/internal/theme"
)

func newCheckCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config and test the mailbox connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath, true)
			if err != nil {
				return err
			}
			dialer := email.NewIMAPClient(email.IMAPConfigFrom(cfg))
			return runCheck(cmd.Context(), cmd.OutOrStdout(), cfg, dialer)
		},
	}
}

// runCheck connects once, counts unread messages and prints the routing
// table. It never sends mail or changes flags.
func runCheck(ctx context.Context, w io.Writer, cfg *model.Config, dialer source.Dialer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	rows := []string{
		theme.Row("account", cfg.EmailAccount),
		theme.Row("imap", fmt.Sprintf("%s:%d", cfg.IMAPServer, cfg.IMAPPort)),
		theme.Row("smtp", fmt.Sprintf("%s:%d", cfg.SMTPServer, cfg.SMTPPort)),
		theme.Row("classifier", cfg.APIURL),
	}

	var checkErr error
	mb, err := dialer.Dial(ctx)
	if err != nil {
		checkErr = err
		rows = append(rows, theme.Row("mailbox", theme.CheckStyle("fail").Render(err.Error())))
	} else {
		ids, err := mb.ListUnread(ctx)
		_ = mb.Close()
		if err != nil {
			checkErr = err
			rows = append(rows, theme.Row("mailbox", theme.CheckStyle("fail").Render(err.Error())))
		} else {
			rows = append(rows, theme.Row("mailbox",
				theme.CheckStyle("ok").Render(fmt.Sprintf("connected, %d unread", len(ids)))))
		}
	}

	for i, name := range cfg.Departments {
		key := model.Category(i).Key()
		target := theme.CheckStyle("warn").Render("not forwarded")
		if addr, ok := cfg.Recipient(key); ok {
			target = addr
		}
		label := fmt.Sprintf("%s %s", key, name)
		if i == cfg.DefaultCategory {
			label += " *"
		}
		rows = append(rows, theme.Row(label, target))
	}

	fmt.Fprintln(w, theme.HeaderStyle.Render("mailtriage check"))
	fmt.Fprintln(w, theme.PanelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...)))
	fmt.Fprintln(w, theme.HelpStyle.Render("* default category"))

	if checkErr != nil {
		return fmt.Errorf("mailbox check failed: %w", checkErr)
	}
	return nil
}
