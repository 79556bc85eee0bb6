// Command provision registers a controller account from the command line and
// prints its one-time credentials. It reads the same environment as the server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"schoolportal/identity/internal/app"
	"schoolportal/identity/internal/apperrors"
	"schoolportal/identity/internal/config"
	"schoolportal/identity/internal/model"
)

type output struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	QRToken   string `json:"qrToken"`
	QRPayload string `json:"qrPayload"`
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "provision:", err)
		if apperrors.HasCode(err, apperrors.CodeOrphanedIdentityAccount) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("provision", pflag.ContinueOnError)
	name := flags.StringP("name", "n", "", "display name of the controller")
	email := flags.StringP("email", "e", "", "email address of the controller")
	store := flags.String("store", "", "record store override (postgres or memory)")
	databaseURL := flags.String("database-url", "", "database url override")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *name == "" || *email == "" {
		flags.Usage()
		return fmt.Errorf("--name and --email are required")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *store != "" {
		cfg.RecordStore = *store
	}
	if *databaseURL != "" {
		cfg.DatabaseURL = *databaseURL
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := app.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline, err := app.Build(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	result, err := pipeline.Registrar.Register(ctx, model.RoleController, model.Profile{Name: *name, Email: *email})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(output{
		ID:        result.Identity.ID,
		Role:      string(result.Identity.Role),
		Username:  result.Credentials.Username,
		Password:  result.Credentials.Password,
		Email:     result.Identity.Email,
		Name:      result.Identity.Name,
		QRToken:   result.QRToken,
		QRPayload: result.QRPayload,
	})
}
