package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawline/internal/config"
	"github.com/nextlevelbuilder/clawline/internal/pairing"
	"github.com/nextlevelbuilder/clawline/internal/streamkey"
)

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Manage paired devices",
	}
	cmd.AddCommand(devicesListCmd())
	cmd.AddCommand(devicesApproveCmd())
	cmd.AddCommand(devicesDenyCmd())
	cmd.AddCommand(devicesRevokeCmd())
	return cmd
}

func openPairingStore() (*pairing.Store, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return pairing.NewStore(cfg.StatePath(""))
}

func devicesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List approved and pending devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, err := openPairingStore()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STATUS\tDEVICE\tUSER\tADMIN\tPLATFORM\tMODEL")
			for _, e := range ps.AllowlistEntries() {
				fmt.Fprintf(w, "approved\t%s\t%s\t%v\t%s\t%s\n",
					e.DeviceID, e.UserID, e.IsAdmin, e.DeviceInfo.Platform, e.DeviceInfo.Model)
			}
			for _, e := range ps.PendingEntries() {
				fmt.Fprintf(w, "pending\t%s\t%s\t\t%s\t%s\n",
					e.DeviceID, e.ClaimedName, e.DeviceInfo.Platform, e.DeviceInfo.Model)
			}
			return w.Flush()
		},
	}
}

func devicesApproveCmd() *cobra.Command {
	var userID string
	var admin bool
	cmd := &cobra.Command{
		Use:   "approve <deviceId>",
		Short: "Approve a pending device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, err := openPairingStore()
			if err != nil {
				return err
			}
			deviceID := args[0]
			uid := userID
			if uid == "" {
				if p, ok := ps.Pending(deviceID); ok && p.ClaimedName != "" {
					uid = streamkey.NormalizeUserID(p.ClaimedName)
				}
			}
			if uid == "" {
				uid = streamkey.GenerateUserID()
			}
			if err := ps.Approve(deviceID, uid, admin); err != nil {
				return err
			}
			fmt.Printf("approved %s as user %q (admin=%v)\n", deviceID, uid, admin)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to bind (default: derived from the claimed name)")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant administrator access")
	return cmd
}

func devicesDenyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deny <deviceId>",
		Short: "Deny a pending pair request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, err := openPairingStore()
			if err != nil {
				return err
			}
			if err := ps.Deny(args[0]); err != nil {
				return err
			}
			fmt.Printf("denied %s\n", args[0])
			return nil
		},
	}
}

func devicesRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <deviceId>",
		Short: "Revoke a device (denylist; evicts live sessions)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, err := openPairingStore()
			if err != nil {
				return err
			}
			if err := ps.Revoke(args[0]); err != nil {
				return err
			}
			fmt.Printf("revoked %s\n", args[0])
			return nil
		},
	}
}
