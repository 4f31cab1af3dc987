package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/config"
	"github.com/newpush/coach-sub004/internal/database"
	"github.com/newpush/coach-sub004/internal/middleware"
)

func newIntegrationsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "integrations",
		Short: "Manage provider connections",
	}

	var in database.Integration
	var providerName string
	connect := &cobra.Command{
		Use:     "connect",
		Short:   "Store credentials for a user's provider account",
		Example: "  cli integrations connect --user u1 --provider intervals --athlete i123 --api-key KEY --timezone Europe/London",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Provider = canonical.Provider(providerName)
			if in.Timezone != "" {
				if _, err := time.LoadLocation(in.Timezone); err != nil {
					return fmt.Errorf("--timezone: %w", err)
				}
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.UpsertIntegration(cmd.Context(), &in); err != nil {
				return err
			}
			fmt.Printf("Connected %s for user %s\n", in.Provider, in.UserID)
			return nil
		},
	}
	connect.Flags().StringVar(&in.UserID, "user", "", "User ID")
	connect.Flags().StringVar(&providerName, "provider", "", "Provider name (strava, intervals, whoop)")
	connect.Flags().StringVar(&in.AthleteID, "athlete", "", "Athlete ID at the provider")
	connect.Flags().StringVar(&in.AccessToken, "token", "", "OAuth access token")
	connect.Flags().StringVar(&in.APIKey, "api-key", "", "API key")
	connect.Flags().StringVar(&in.Timezone, "timezone", "", "Athlete IANA timezone")
	connect.MarkFlagRequired("user")
	connect.MarkFlagRequired("provider")
	connect.MarkFlagRequired("athlete")

	list := &cobra.Command{
		Use:   "list",
		Short: "List connected integrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			user, _ := cmd.Flags().GetString("user")
			integrations, err := db.ListIntegrations(cmd.Context(), user)
			if err != nil {
				return err
			}
			if len(integrations) == 0 {
				fmt.Println("No integrations")
				return nil
			}
			for _, i := range integrations {
				status := "ok"
				if i.NeedsReauth {
					status = "needs reauth"
				}
				fmt.Printf("%-20s %-10s athlete=%-12s tz=%-20s %s\n", i.UserID, i.Provider, i.AthleteID, i.Timezone, status)
			}
			return nil
		},
	}
	list.Flags().String("user", "", "Only this user")

	cmd.AddCommand(connect, list)
	return cmd
}

func openDB(cfg *config.Config) (*database.DB, error) {
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := db.Init(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func newTokenCommand() *cobra.Command {
	var userID string
	var admin bool
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the internal API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var scopes []string
			if admin {
				scopes = append(scopes, middleware.ScopeAdmin)
			}
			token, err := middleware.NewJWTAuth(cfg.InternalAPISecret, cfg.InternalAPIIssuer).GenerateToken(userID, scopes, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Subject user ID")
	cmd.Flags().BoolVar(&admin, "admin", false, "Allow acting on behalf of any user")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	cmd.MarkFlagRequired("user")
	return cmd
}

func newSubscriptionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strava-subscriptions",
		Short: "Manage the Strava webhook subscription",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List active subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()
			if engine.Strava == nil {
				return errStravaDisabled
			}

			subs, err := engine.Strava.ListSubscriptions(cmd.Context())
			if err != nil {
				return err
			}
			if len(subs) == 0 {
				fmt.Println("No active subscriptions")
				return nil
			}
			for _, s := range subs {
				fmt.Printf("%d  %s  created %s\n", s.ID, s.CallbackURL, s.CreatedAt)
			}
			return nil
		},
	}

	var callbackURL string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a subscription pointing at this server",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, cfg, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()
			if engine.Strava == nil {
				return errStravaDisabled
			}
			if cfg.StravaVerifyToken == "" {
				return fmt.Errorf("STRAVA_VERIFY_TOKEN must be set")
			}

			// Strava calls the verification endpoint before replying, so the
			// server must already be reachable at the callback URL
			sub, err := engine.Strava.CreateSubscription(cmd.Context(), callbackURL, cfg.StravaVerifyToken)
			if err != nil {
				return err
			}
			fmt.Printf("Created subscription %d\n", sub.ID)
			return nil
		},
	}
	create.Flags().StringVar(&callbackURL, "callback-url", "", "Public URL of GET/POST /webhooks/strava")
	create.MarkFlagRequired("callback-url")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid subscription ID %q", args[0])
			}
			engine, _, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()
			if engine.Strava == nil {
				return errStravaDisabled
			}

			if err := engine.Strava.DeleteSubscription(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("Deleted subscription %d\n", id)
			return nil
		},
	}

	cmd.AddCommand(list, create, del)
	return cmd
}

var errStravaDisabled = fmt.Errorf("strava is not configured: set STRAVA_CLIENT_ID and STRAVA_CLIENT_SECRET")
