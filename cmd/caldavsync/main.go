// Command caldavsync is the CLI surface over the Account lifecycle and
// Scheduler interfaces: discover a server, attach an account, list
// accounts, and run a sync. Thin wiring only (config load -> logger ->
// components), with github.com/spf13/cobra for the subcommand surface.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sonroyaalmerol/caldav-sync/internal/config"
	"github.com/sonroyaalmerol/caldav-sync/internal/credstore"
	"github.com/sonroyaalmerol/caldav-sync/internal/ics"
	"github.com/sonroyaalmerol/caldav-sync/internal/logging"
	"github.com/sonroyaalmerol/caldav-sync/internal/occurrence"
	"github.com/sonroyaalmerol/caldav-sync/internal/reconciler"
	"github.com/sonroyaalmerol/caldav-sync/internal/store"
	"github.com/sonroyaalmerol/caldav-sync/internal/store/memstore"
	"github.com/sonroyaalmerol/caldav-sync/internal/store/postgres"
	"github.com/sonroyaalmerol/caldav-sync/internal/store/sqlite"
	"github.com/sonroyaalmerol/caldav-sync/internal/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "caldavsync",
		Short: "CalDAV synchronization engine CLI",
	}
	root.AddCommand(newDiscoverCmd(), newAttachCmd(), newSyncCmd(), newAccountsCmd())
	return root
}

// app bundles the wired components every subcommand needs; built once per
// invocation from config.Load().
type app struct {
	cfg *config.Config
	st  store.Store
	cr  credstore.Store
	rec *reconciler.Reconciler
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger := logging.New(cfg.LogLevel)

	var st store.Store
	switch cfg.Storage.Type {
	case "postgres":
		st, err = postgres.New(context.Background(), cfg.Storage.PostgresURL, logger)
	case "memory":
		st = memstore.New()
	default:
		st, err = sqlite.New(cfg.Storage.SQLitePath, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	var cr credstore.Store
	if cfg.Credential.Backend == "memory" {
		cr = credstore.New(cfg.Credential.Service, credstore.NewMockKeyring())
	} else {
		cr = credstore.NewSystem(cfg.Credential.Service)
	}

	codec := ics.New()
	occEng := occurrence.New(nil)
	rec := reconciler.New(st, cr, codec, occEng, cfg.Sync, cfg.Transport, logger)

	return &app{cfg: cfg, st: st, cr: cr, rec: rec}, nil
}

func (a *app) Close() {
	_ = a.st.Close()
}

func newDiscoverCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "discover <base-url>",
		Short: "Discover calendar collections on a bare server URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.rec.Discover(cmd.Context(), args[0], transport.Credentials{Username: username, Password: password})
			if err != nil {
				return err
			}
			fmt.Printf("provider family: %s\n", res.Family)
			fmt.Printf("principal url:   %s\n", res.PrincipalURL)
			fmt.Printf("calendar home:   %s\n", res.CalendarHomeURL)
			fmt.Println("calendars:")
			for _, c := range res.Calendars {
				ro := ""
				if c.ReadOnly {
					ro = " (read-only)"
				}
				fmt.Printf("  - %s %q%s\n", c.URL, c.DisplayName, ro)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "account username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password or app password")
	return cmd
}

func newAttachCmd() *cobra.Command {
	var username, password, identity string
	cmd := &cobra.Command{
		Use:   "attach <base-url>",
		Short: "Discover then attach an account with all discovered calendars",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			creds := transport.Credentials{Username: username, Password: password}
			res, err := a.rec.Discover(cmd.Context(), args[0], creds)
			if err != nil {
				return err
			}
			if identity == "" {
				identity = username
			}
			meta := reconciler.AccountMeta{
				Provider:        res.Family,
				BaseURL:         res.BaseURL,
				PrincipalURL:    res.PrincipalURL,
				CalendarHomeURL: res.CalendarHomeURL,
				IdentityLabel:   identity,
				Credentials:     creds,
			}
			accountID, err := a.rec.Attach(cmd.Context(), meta, res.Calendars)
			if err != nil {
				return err
			}
			fmt.Printf("attached account %s (%d calendars)\n", accountID, len(res.Calendars))
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "account username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password or app password")
	cmd.Flags().StringVar(&identity, "identity", "", "identity label (defaults to username)")
	return cmd
}

func newSyncCmd() *cobra.Command {
	var forceFull bool
	cmd := &cobra.Command{
		Use:   "sync <account-id>",
		Short: "Run one sync session across an account's calendars",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.rec.SyncAccount(cmd.Context(), args[0], forceFull)
			if res != nil {
				fmt.Printf("result: %s\n", res.Result)
				for calID, sess := range res.CalendarResults {
					fmt.Printf("  calendar %s: %s (+%d ~%d -%d >%d)\n", calID, sess.Result, sess.Added, sess.Updated, sess.Deleted, sess.Moved)
				}
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&forceFull, "force-full", false, "extend the pull window to the epoch origin")
	return cmd
}

func newAccountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List attached accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			accounts, err := a.st.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			for _, acc := range accounts {
				fmt.Printf("%s\t%s\t%s\t%s\n", acc.ID, acc.Provider, acc.IdentityLabel, acc.BaseURL)
			}
			return nil
		},
	}
}
