package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/greenvcm/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(signupCmd)
	rootCmd.AddCommand(signinCmd)
	rootCmd.AddCommand(anonCmd)
	rootCmd.AddCommand(signoutCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(verifyCmd)
}

var signupCmd = &cobra.Command{
	Use:   "signup <email> <password>",
	Short: "Create an account and sign in",
	Long:  "Create an email/password account, sign in, and request a verification code.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return signInWith(cmd.OutOrStdout(), func(ctx context.Context, auth *chatsync.Auth) (*chatsync.User, error) {
			return auth.SignUp(ctx, args[0], args[1])
		})
	},
}

var signinCmd = &cobra.Command{
	Use:   "signin <email> <password>",
	Short: "Sign in with email and password",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return signInWith(cmd.OutOrStdout(), func(ctx context.Context, auth *chatsync.Auth) (*chatsync.User, error) {
			return auth.SignIn(ctx, args[0], args[1])
		})
	},
}

var anonCmd = &cobra.Command{
	Use:   "anon",
	Short: "Sign in anonymously",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return signInWith(cmd.OutOrStdout(), func(ctx context.Context, auth *chatsync.Auth) (*chatsync.User, error) {
			return auth.SignInAnonymously(ctx)
		})
	},
}

// signInWith runs a sign-in flow, persists the session and prints where the
// user should go next.
func signInWith(out io.Writer, signIn func(context.Context, *chatsync.Auth) (*chatsync.User, error)) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := commandContext(30 * time.Second)
	defer cancel()

	if err := s.client.Start(ctx); err != nil {
		return err
	}
	defer s.client.Listeners().Teardown()

	u, err := signIn(ctx, s.auth)
	if err != nil {
		return err
	}
	if err := s.saveCredentials(); err != nil {
		return err
	}

	fmt.Fprintln(out, "Signed in.")
	fmt.Fprintf(out, "  User ID: %s\n", u.UID)
	if u.Email != "" {
		fmt.Fprintf(out, "  Email:   %s\n", u.Email)
	}
	if u.Anonymous {
		fmt.Fprintln(out, "  (anonymous account)")
		return nil
	}
	route, err := s.client.NextStep(ctx)
	if err != nil {
		return err
	}
	switch route {
	case chatsync.RouteOnboarding:
		fmt.Fprintln(out, "Next: create your profile with 'chatsync profile onboard --name <name>'.")
	case chatsync.RouteVerification:
		fmt.Fprintln(out, "Next: verify your email with 'chatsync verify <code>'.")
	default:
		fmt.Fprintln(out, "You're all set.")
	}
	return nil
}

var signoutCmd = &cobra.Command{
	Use:   "signout",
	Short: "Sign out and forget the stored session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := commandContext(10 * time.Second)
		defer cancel()

		if err := s.client.SignOut(ctx); err != nil {
			return err
		}
		if err := s.saveCredentials(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <code>",
	Short: "Verify your email address",
	Long:  "Submit the verification code that was sent to your email address.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.requireSignedIn(); err != nil {
			return err
		}

		ctx, cancel := commandContext(10 * time.Second)
		defer cancel()

		if err := s.remote.Verify(ctx, s.auth.Current(), args[0]); err != nil {
			return err
		}
		verified, err := s.client.CheckVerification(ctx)
		if err != nil {
			return err
		}
		if verified {
			fmt.Fprintln(cmd.OutOrStdout(), "Email verified.")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "Email not verified yet.")
		}
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the stored session and live account status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL: %s\n", valueOrDefault(s.cfg.Default.BaseURL, chatsync.DefaultBaseURL))
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		if s.cfg.Auth.UID == "" {
			fmt.Fprintln(out, "  User ID: (not signed in)")
			return nil
		}
		fmt.Fprintf(out, "  User ID: %s\n", s.cfg.Auth.UID)
		fmt.Fprintf(out, "  Email:   %s\n", valueOrDefault(s.cfg.Auth.Email, "(anonymous)"))

		tokenStatus := "present (no expiry set)"
		if s.cfg.Auth.TokenExpires != "" {
			expires, err := time.Parse(time.RFC3339, s.cfg.Auth.TokenExpires)
			switch {
			case err != nil:
				tokenStatus = fmt.Sprintf("present (unparseable expiry: %s)", s.cfg.Auth.TokenExpires)
			case time.Now().Before(expires):
				tokenStatus = fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
			default:
				tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
			}
		}
		fmt.Fprintf(out, "  Token:   %s %s\n", maskToken(s.cfg.Auth.Token), tokenStatus)

		ctx, cancel := commandContext(10 * time.Second)
		defer cancel()

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		u, err := s.auth.Reload(ctx)
		if err != nil {
			fmt.Fprintf(out, "  Error fetching account info: %s\n", describeError(err))
			return nil
		}
		fmt.Fprintf(out, "  Verified: %t\n", u.EmailVerified)
		p, err := s.client.Profile(ctx)
		switch {
		case err != nil:
			fmt.Fprintf(out, "  Profile:  error: %s\n", describeError(err))
		case p == nil:
			fmt.Fprintln(out, "  Profile:  (none)")
		default:
			fmt.Fprintf(out, "  Name:     %s\n", p.Name)
			fmt.Fprintf(out, "  Online:   %t\n", p.IsOnline)
		}
		return nil
	},
}
