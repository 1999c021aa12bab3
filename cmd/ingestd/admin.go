package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"event-ingestion-service/internal/bus"
	"event-ingestion-service/internal/store/postgres"
)

func newMigrateCmd(cfgPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the event store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), cfgPath(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			// sqlite applies its schema on open; memory has none.
			if repo, ok := a.store.(*postgres.EventRepo); ok {
				if err := repo.Migrate(cmd.Context()); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", a.cfg.Store.Driver)
			return nil
		},
	}
}

func newReplayCmd(cfgPath func() string) *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "replay <event-id> [event-id...]",
		Short: "Move dead-lettered events back to PENDING",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenant == "" {
				return errors.New("--tenant is required")
			}
			a, err := loadApp(cmd.Context(), cfgPath(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			var errs []error
			for _, id := range args {
				ev, err := a.svc.Replay(cmd.Context(), tenant, id)
				if err != nil {
					errs = append(errs, fmt.Errorf("replay %s: %w", id, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s retryCount=%d\n", ev.ID, ev.Status, ev.RetryCount)
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant that owns the events")
	return cmd
}

func newPublishCmd(cfgPath func() string) *cobra.Command {
	var msg bus.InboundMessage
	var payloadFile string

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one event to the NATS inbound stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(payloadFile, cmd.InOrStdin())
			if err != nil {
				return err
			}
			msg.Payload = payload

			a, err := loadApp(cmd.Context(), cfgPath(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			if a.bus == nil {
				return errors.New("NATS_URL is required")
			}
			if err := a.bus.EnsureStream(cmd.Context()); err != nil {
				return err
			}
			if err := a.bus.PublishInbound(cmd.Context(), msg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s/%s\n", msg.TenantID, msg.ExternalID)
			return nil
		},
	}
	cmd.Flags().StringVar(&msg.TenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&msg.ExternalID, "external-id", "", "source system's event id")
	cmd.Flags().StringVar(&msg.Type, "type", "", "event type, e.g. issue_created")
	cmd.Flags().StringVar(&payloadFile, "payload", "", "JSON payload file, - for stdin; empty means {}")
	return cmd
}

func readPayload(path string, stdin io.Reader) (json.RawMessage, error) {
	var (
		b   []byte
		err error
	)
	switch path {
	case "":
		return json.RawMessage(`{}`), nil
	case "-":
		b, err = io.ReadAll(stdin)
	default:
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if !json.Valid(b) {
		return nil, errors.New("payload is not valid JSON")
	}
	return b, nil
}
