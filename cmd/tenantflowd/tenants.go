package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	configpkg "github.com/drblury/tenantflow/internal/runtime/config"
	loggingpkg "github.com/drblury/tenantflow/internal/runtime/logging"
	"github.com/drblury/tenantflow/internal/runtime/naming"
	"github.com/drblury/tenantflow/internal/runtime/tenant"
	"github.com/drblury/tenantflow/transport"
)

func newTenantsCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "tenants", Short: "Tenant directory commands"}
	cmd.AddCommand(newTenantsListCommand())
	cmd.AddCommand(newTenantsNotifyCommand())
	return cmd
}

// openDirectory returns the configured tenant directory and a closer.
func openDirectory(conf *configpkg.Config) (tenant.Directory, func(), error) {
	switch {
	case conf.TenantsFile != "":
		return tenant.YAMLDirectory{Path: conf.TenantsFile}, func() {}, nil
	case conf.RedisAddr != "":
		client, err := tenant.ConnectRedis(conf.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		return tenant.NewRedisDirectory(client, conf.RedisKey), func() { _ = client.Close() }, nil
	default:
		return nil, nil, errors.New("no tenant directory configured: set tenants_file or redis_addr")
	}
}

func newTenantsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants and their connectors from the configured directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			dir, closeDir, err := openDirectory(conf)
			if err != nil {
				return err
			}
			defer closeDir()
			tenants, err := dir.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TOKEN\tNAME\tCONNECTORS\tINBOUND TOPIC")
			for _, t := range tenants {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", t.Token, t.Name, len(t.Connectors),
					naming.TenantTopic(conf.InstanceID, t.Token, naming.PurposeInboundEvents))
			}
			return w.Flush()
		},
	}
}

func newTenantsNotifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify TOKEN",
		Short: "Publish a tenant model update so running services reload the tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			kind, _ := cmd.Flags().GetString("type")
			n := tenant.Notification{Type: tenant.NotificationType(kind), Token: args[0]}
			if n.Type != tenant.NotificationRemoved {
				if dir, closeDir, err := openDirectory(conf); err == nil {
					defer closeDir()
					t, ok, err := dir.Get(cmd.Context(), n.Token)
					if err != nil {
						return err
					}
					if ok {
						n.Tenant = &t
					}
				}
			}
			return publishNotification(cmd.Context(), conf, n)
		},
	}
	cmd.Flags().String("type", string(tenant.NotificationUpdated), "Notification type: added, updated or removed")
	return cmd
}

func publishNotification(ctx context.Context, conf *configpkg.Config, n tenant.Notification) error {
	switch n.Type {
	case tenant.NotificationAdded, tenant.NotificationUpdated, tenant.NotificationRemoved:
	default:
		return fmt.Errorf("unknown notification type %q", n.Type)
	}
	msg, err := tenant.NewNotificationMessage(n)
	if err != nil {
		return err
	}
	t, err := transport.Build(ctx, conf.WithRole(transport.RolePublisher), loggingpkg.NewWatermillAdapter(loggingpkg.Discard()))
	if err != nil {
		return fmt.Errorf("build %s publisher: %w", conf.PubSubSystem, err)
	}
	defer t.Close()
	return t.Publisher.Publish(naming.TenantModelUpdates(conf.InstanceID), msg)
}
