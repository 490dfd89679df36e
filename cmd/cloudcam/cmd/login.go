package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/cloudcam/session"
)

var loginCode string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and store the session",
	Long: `Logs in with the configured credentials and stores the access token and
MFA trust token. When the account asks for a verification code and no TOTP
secret is configured, the code is read from --code or prompted for.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger := cfg.NewLogger(os.Stderr)
		ctx := cmd.Context()

		prompt := stdinPrompt(cmd.InOrStdin(), cmd.ErrOrStderr())
		a, err := newApp(ctx, cfg, logger, session.WithCodePrompt(prompt))
		if err != nil {
			return err
		}
		defer a.Close()

		var tok session.Token
		if loginCode != "" {
			tok, err = a.session.LoginWithCode(ctx, loginCode)
		} else {
			tok, err = a.session.Login(ctx)
		}
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s until %s\n", cfg.Username, tok.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
		if tok.TrustToken != "" {
			fmt.Fprintln(cmd.OutOrStdout(), "This device is trusted; later logins skip the verification code.")
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Username == "" {
			return fmt.Errorf("username is required")
		}
		if err := cfg.ValidateStore(); err != nil {
			return err
		}
		store, closeStore, err := openTokenStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeStore()
		if err := store.Delete(cfg.Username); err != nil {
			return fmt.Errorf("failed to delete stored session: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stored session for %s removed\n", cfg.Username)
		return nil
	},
}

// stdinPrompt asks for a verification code on out and reads one line from in.
func stdinPrompt(in io.Reader, out io.Writer) session.CodePrompt {
	reader := bufio.NewReader(in)
	return func(ctx context.Context) (string, error) {
		fmt.Fprint(out, "Verification code: ")
		line, err := reader.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return "", fmt.Errorf("reading verification code: %w", err)
		}
		return strings.TrimSpace(line), nil
	}
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	loginCmd.Flags().StringVar(&loginCode, "code", "", "Verification code for the MFA challenge")
}
