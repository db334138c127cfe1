package main

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	jsocialflux "github.com/BevzyukIvan/JSocialFlux"
)

var authPassword string

func init() {
	for _, c := range []*cobra.Command{loginCmd, registerCmd} {
		c.Flags().StringVar(&authPassword, "password", "", "Password (read from stdin when omitted)")
	}
	rootCmd.AddCommand(loginCmd, registerCmd, logoutCmd, statusCmd)
}

func readPassword() (string, error) {
	if authPassword != "" {
		return authPassword, nil
	}
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("cannot read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Sign in and store the token locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword()
		if err != nil {
			return err
		}
		cfg, client := mustClient()

		ctx, cancel := requestContext()
		defer cancel()

		res, err := client.Auth.Login(ctx, args[0], password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		file, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		file.Auth.Token = res.Token
		file.Auth.Username = args[0]
		if file.Default.BaseURL == "" {
			file.Default.BaseURL = cfg.Default.BaseURL
		}
		if err := saveConfig(file); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Signed in as %s\n", args[0])
		if res.Token == "" {
			fmt.Println("  (server returned a cookie session only; it is not persisted)")
		}
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Create an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword()
		if err != nil {
			return err
		}
		_, client := mustClient()

		ctx, cancel := requestContext()
		defer cancel()

		if _, err := client.Auth.Register(ctx, args[0], password); err != nil {
			if jsocialflux.IsStatus(err, http.StatusConflict) {
				return fmt.Errorf("user %q already exists", args[0])
			}
			return fmt.Errorf("registration failed: %w", err)
		}
		fmt.Println("Registration successful! Run 'jsocialflux login " + args[0] + "' to sign in.")
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client := mustClient()

		ctx, cancel := requestContext()
		defer cancel()

		if err := client.Auth.Logout(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Server logout failed: %v\n", err)
		}

		file, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		file.Auth = ConfigAuth{}
		if err := saveConfig(file); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Signed out.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, client := mustClient()

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:     %s\n", client.BaseURL())
		fmt.Printf("  Realtime URL: %s\n", client.RealtimeURL(cfg.Default.WSURL))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:        %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:        (not set)")
		}
		fmt.Printf("  Username:     %s\n", valueOrDefault(cfg.Auth.Username, "(not signed in)"))

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := requestContext()
		defer cancel()

		me, err := client.Auth.Me(ctx)
		if err != nil {
			fmt.Printf("  Error fetching account info: %v\n", err)
			return nil
		}
		profile, err := client.Users.Profile(ctx, me.Username)
		if err != nil {
			fmt.Printf("  Username:  %s\n", me.Username)
			return nil
		}
		fmt.Printf("  Username:  %s\n", profile.Username)
		fmt.Printf("  Followers: %d\n", profile.FollowersCnt)
		fmt.Printf("  Following: %d\n", profile.FollowingCnt)
		return nil
	},
}
