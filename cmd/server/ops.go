package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/datamorph/internal/core"
	"github.com/JonMunkholm/datamorph/internal/database"
)

func newMigrateCmd(a *app) *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply (or roll back one) database migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := database.Connect(ctx, a.cfg.Database)
			if err != nil {
				return err
			}
			defer pool.Close()

			if down {
				err = database.MigrateDown(ctx, pool)
			} else {
				err = database.Migrate(ctx, pool)
			}
			if err != nil {
				return err
			}
			v, err := database.MigrationVersion(ctx, pool)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back the most recent migration")
	return cmd
}

func newSweepCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep and print what it fixed",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.service.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}

func newTenantCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	var tier string
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a tenant and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := core.ParseTier(tier)
			if err != nil {
				return err
			}
			rt, err := openRuntime(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			tenant, err := rt.service.CreateTenant(cmd.Context(), args[0], t)
			if err != nil {
				return err
			}
			return printJSON(cmd, tenant)
		},
	}
	create.Flags().StringVar(&tier, "tier", string(core.TierStarter), "subscription tier: starter, professional, team or enterprise")

	usage := &cobra.Command{
		Use:   "usage TENANT_ID",
		Short: "Print a tenant's storage usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID(args[0])
			if err != nil {
				return err
			}
			rt, err := openRuntime(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			u, err := rt.service.Usage(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, u)
		},
	}

	cmd.AddCommand(create, usage)
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseUUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return id, nil
}
