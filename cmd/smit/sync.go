package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/goeb/smit/internal/syncengine"
)

var (
	userFlag     string
	passwordFlag string
)

var cloneCmd = &cobra.Command{
	Use:   "clone <url> <dir>",
	Short: "Clone the projects of a smit server or repository root",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		url, dir := args[0], args[1]
		creds, err := credentials(url, os.Stdin, os.Stderr)
		if err != nil {
			return err
		}
		rep, err := newEngine().Clone(rootCtx, url, dir, creds)
		printReport(os.Stdout, "clone", rep)
		return err
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull [dir]",
	Short: "Fetch and merge the changes of the remote into a clone",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := cloneDir(args)
		creds, err := cloneCredentials(dir)
		if err != nil {
			return err
		}
		rep, err := newEngine().Pull(rootCtx, dir, creds)
		printReport(os.Stdout, "pull", rep)
		return err
	},
}

var pushCmd = &cobra.Command{
	Use:   "push [dir]",
	Short: "Send the local changes of a clone to the remote",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := cloneDir(args)
		creds, err := cloneCredentials(dir)
		if err != nil {
			return err
		}
		rep, err := newEngine().Push(rootCtx, dir, creds)
		printReport(os.Stdout, "push", rep)
		return err
	},
}

func init() {
	for _, cmd := range []*cobra.Command{cloneCmd, pullCmd, pushCmd} {
		cmd.Flags().StringVar(&userFlag, "user", "", "User name on the server")
		cmd.Flags().StringVar(&passwordFlag, "password", "", "Password (prompted when omitted)")
		rootCmd.AddCommand(cmd)
	}
}

func newEngine() *syncengine.Engine {
	return syncengine.New(newDriver(), syncengine.Options{
		Logger:      logger,
		LockTimeout: settings.LockTimeout,
		Remote: syncengine.RemoteOptions{
			Logger:  logger,
			Timeout: settings.HTTPTimeout,
		},
	})
}

func cloneDir(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return "."
}

// cloneCredentials takes the user recorded at clone time unless --user
// overrides it.
func cloneCredentials(dir string) (syncengine.Credentials, error) {
	info, err := syncengine.ReadCloneInfo(dir)
	if err != nil {
		return syncengine.Credentials{}, err
	}
	if userFlag == "" {
		userFlag = info.User
	}
	return credentials(info.URL, os.Stdin, os.Stderr)
}

// credentials resolves the user and password of a transfer. Directory
// remotes need none; the password of a server is prompted on the
// terminal when not given.
func credentials(url string, in *os.File, prompt io.Writer) (syncengine.Credentials, error) {
	creds := syncengine.Credentials{User: userFlag, Password: passwordFlag}
	if !isServerURL(url) || creds.Password != "" {
		return creds, nil
	}
	if creds.User == "" {
		creds.User = settings.Actor
	}
	if creds.User == "" {
		return creds, fmt.Errorf("--user is required for %s", url)
	}
	if !term.IsTerminal(int(in.Fd())) {
		return creds, fmt.Errorf("--password is required when stdin is not a terminal")
	}
	fmt.Fprintf(prompt, "Password for %s: ", creds.User)
	pw, err := term.ReadPassword(int(in.Fd()))
	fmt.Fprintln(prompt)
	if err != nil {
		return creds, fmt.Errorf("failed to read password: %w", err)
	}
	creds.Password = string(pw)
	return creds, nil
}

func isServerURL(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}
