package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawline/internal/config"
)

func sendCmd() *cobra.Command {
	var userID, streamKey, token string
	var mediaURLs []string
	cmd := &cobra.Command{
		Use:   "send <text>",
		Short: "Send an assistant message through a running gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if token == "" {
				token = os.Getenv("CLAWLINE_TOKEN")
			}
			if token == "" {
				return fmt.Errorf("an admin bearer token is required (--token or CLAWLINE_TOKEN)")
			}
			if userID == "" {
				return fmt.Errorf("--user is required")
			}

			body, err := json.Marshal(map[string]any{
				"userId":     userID,
				"sessionKey": streamKey,
				"content":    args[0],
				"mediaUrls":  mediaURLs,
			})
			if err != nil {
				return err
			}
			url := fmt.Sprintf("http://%s:%d/api/send", cfg.Gateway.Host, cfg.Gateway.Port)
			req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+token)
			req.Header.Set("Content-Type", "application/json")

			client := &http.Client{Timeout: 60 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("gateway unreachable: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				return fmt.Errorf("send failed: %s: %s", resp.Status, msg)
			}
			fmt.Println("sent")
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "target user id")
	cmd.Flags().StringVar(&streamKey, "stream", "", "target stream key (default: the user's main stream)")
	cmd.Flags().StringVar(&token, "token", "", "admin bearer token (default: $CLAWLINE_TOKEN)")
	cmd.Flags().StringArrayVar(&mediaURLs, "media-url", nil, "media URL to attach (repeatable)")
	return cmd
}
