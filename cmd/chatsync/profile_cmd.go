package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	profileJSON        bool
	profileOnboardName string
	profileOnboardBio  string
)

func init() {
	profileShowCmd.Flags().BoolVar(&profileJSON, "json", false, "Output raw JSON")
	profileOnboardCmd.Flags().StringVar(&profileOnboardName, "name", "", "Display name (required)")
	profileOnboardCmd.Flags().StringVar(&profileOnboardBio, "bio", "", "Short bio")
	_ = profileOnboardCmd.MarkFlagRequired("name")

	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileOnboardCmd)
	profileCmd.AddCommand(profilePictureCmd)
	rootCmd.AddCommand(profileCmd)
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "View or edit your profile",
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show your profile",
	Args:  cobra.NoArgs,
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

		p, err := s.client.Profile(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if p == nil {
			fmt.Fprintln(out, "No profile yet. Run 'chatsync profile onboard --name <name>'.")
			return nil
		}
		if profileJSON {
			data, err := json.MarshalIndent(p, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
			return nil
		}
		fmt.Fprintf(out, "Name:    %s\n", p.Name)
		fmt.Fprintf(out, "Bio:     %s\n", valueOrDefault(p.Bio, "(none)"))
		fmt.Fprintf(out, "Email:   %s\n", valueOrDefault(p.Email, "(none)"))
		fmt.Fprintf(out, "Picture: %s\n", valueOrDefault(p.PictureURL, "(default)"))
		fmt.Fprintf(out, "Online:  %t\n", p.IsOnline)
		if !p.CreatedAt.IsZero() {
			fmt.Fprintf(out, "Joined:  %s\n", p.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var profileOnboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Create your profile",
	Args:  cobra.NoArgs,
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

		p, err := s.client.CompleteOnboarding(ctx, profileOnboardName, profileOnboardBio)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Profile created for %s.\n", p.Name)
		return nil
	},
}

var profilePictureCmd = &cobra.Command{
	Use:   "picture <url>",
	Short: "Set the URL of your profile picture",
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

		if err := s.client.SetProfilePicture(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Profile picture updated.")
		return nil
	},
}
