package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/coderun/dispatcher/internal/output"
	"github.com/coderun/dispatcher/internal/sessionreg"
)

func getRegistry() (*sessionreg.Registry, *redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPass,
		DB:       redisDB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	return sessionreg.New(client, 0, nil), client, nil
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage sessions in the registry",
	}
	cmd.AddCommand(sessionsListCmd(), sessionsGetCmd(), sessionsDeleteCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	var outputFormat string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, client, err := getRegistry()
			if err != nil {
				return err
			}
			defer client.Close()

			sessions, err := registry.List(context.Background(), limit, offset)
			if err != nil {
				return err
			}

			printer := output.NewPrinter(output.ParseFormat(outputFormat))
			rows := make([]output.SessionRow, 0, len(sessions))
			for _, s := range sessions {
				row := output.SessionRow{
					ID:         s.ID,
					Status:     string(s.Status),
					EntityID:   s.EntityID,
					UserID:     s.UserID,
					Created:    s.CreatedAt.Format("2006-01-02 15:04:05"),
					LastActive: s.LastActive.Format("2006-01-02 15:04:05"),
				}
				if !s.ExpiresAt.IsZero() {
					row.ExpiresAt = s.ExpiresAt.Format("2006-01-02 15:04:05")
				}
				rows = append(rows, row)
			}
			return printer.PrintSessions(rows)
		},
	}
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format")
	cmd.Flags().IntVar(&limit, "limit", 50, "Max sessions to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "Sessions to skip")
	return cmd
}

func sessionsGetCmd() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "get <session-id>",
		Short: "Get a single session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, client, err := getRegistry()
			if err != nil {
				return err
			}
			defer client.Close()

			s, err := registry.Get(context.Background(), args[0])
			if err != nil {
				return err
			}

			printer := output.NewPrinter(output.ParseFormat(outputFormat))
			row := output.SessionRow{
				ID:         s.ID,
				Status:     string(s.Status),
				EntityID:   s.EntityID,
				UserID:     s.UserID,
				Created:    s.CreatedAt.Format(time.RFC3339),
				LastActive: s.LastActive.Format(time.RFC3339),
			}
			if !s.ExpiresAt.IsZero() {
				row.ExpiresAt = s.ExpiresAt.Format(time.RFC3339)
			}
			return printer.PrintSessions([]output.SessionRow{row})
		},
	}
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format")
	return cmd
}

func sessionsDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, client, err := getRegistry()
			if err != nil {
				return err
			}
			defer client.Close()

			printer := output.NewPrinter(output.FormatTable)

			deleted, err := registry.Delete(context.Background(), args[0], nil)
			if err != nil {
				return err
			}
			if !deleted {
				printer.Warning("session %s was already gone", args[0])
				return nil
			}
			printer.Success("deleted session %s", args[0])
			return nil
		},
	}
	return cmd
}
