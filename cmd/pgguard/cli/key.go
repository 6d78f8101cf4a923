package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pgguard/pgguard/internal/config"
	"github.com/pgguard/pgguard/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, list, and revoke the API keys clients use to authenticate against the gateway.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())

	return cmd
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		label   string
		expires time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Generate a new API key. The raw key is shown once and cannot be retrieved again; only its hash is stored.",
		Example: `  pgguard key create --label "analytics agent"
  pgguard key create --label ci --expires 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyCreate(label, expires)
		},
	}

	cmd.Flags().StringVar(&label, "label", "", "Human-readable label for the key")
	cmd.Flags().DurationVar(&expires, "expires", 0, "Lifetime of the key (e.g. 720h); zero means no expiry")

	return cmd
}

func runKeyCreate(label string, expires time.Duration) error {
	store, err := openConfigStore()
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer store.Close()

	var expiresAt *time.Time
	if expires > 0 {
		t := time.Now().Add(expires).UTC()
		expiresAt = &t
	}

	authSvc := service.NewAuthService(store, "", 0)
	rawKey, key, err := authSvc.CreateKey(context.Background(), label, expiresAt)
	if err != nil {
		return err
	}

	fmt.Println("API key created:")
	fmt.Println()
	fmt.Printf("  Key:    %s\n", rawKey)
	fmt.Printf("  Prefix: %s\n", key.KeyPrefix)
	if label != "" {
		fmt.Printf("  Label:  %s\n", label)
	}
	if expiresAt != nil {
		fmt.Printf("  Expires: %s\n", expiresAt.Format(time.RFC3339))
	}
	fmt.Println()
	fmt.Println("  Save this key now - it cannot be retrieved again.")
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyList(jsonOutput bool) error {
	store, err := openConfigStore()
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer store.Close()

	keys, err := store.ListAPIKeys(context.Background())
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	type keyRow struct {
		Prefix   string `json:"prefix"`
		Label    string `json:"label"`
		Active   bool   `json:"active"`
		Created  string `json:"created"`
		LastUsed string `json:"last_used,omitempty"`
		Expires  string `json:"expires,omitempty"`
	}

	rows := make([]keyRow, len(keys))
	for i, k := range keys {
		row := keyRow{
			Prefix:  k.KeyPrefix,
			Label:   k.Label,
			Active:  k.IsActive,
			Created: k.CreatedAt.Format("2006-01-02"),
		}
		if k.LastUsedAt != nil {
			row.LastUsed = k.LastUsedAt.Format("2006-01-02 15:04")
		}
		if k.ExpiresAt != nil {
			row.Expires = k.ExpiresAt.Format("2006-01-02")
		}
		rows[i] = row
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No API keys configured. Use 'pgguard key create' to create one.")
		return nil
	}

	fmt.Printf("%-16s %-24s %-8s %-12s %-18s %-12s\n", "PREFIX", "LABEL", "ACTIVE", "CREATED", "LAST USED", "EXPIRES")
	for _, k := range rows {
		active := "yes"
		if !k.Active {
			active = "no"
		}
		fmt.Printf("%-16s %-24s %-8s %-12s %-18s %-12s\n", k.Prefix, k.Label, active, k.Created, k.LastUsed, k.Expires)
	}

	return nil
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <prefix>",
		Short: "Revoke an API key by its prefix",
		Long:  "Deactivate an API key, preventing any further authenticated requests using that key.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRevoke(args[0])
		},
	}

	return cmd
}

func runKeyRevoke(prefix string) error {
	store, err := openConfigStore()
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer store.Close()

	if err := store.RevokeAPIKeyByPrefix(context.Background(), prefix); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return fmt.Errorf("no active API key found with prefix %q", prefix)
		}
		return fmt.Errorf("revoke api key: %w", err)
	}

	fmt.Printf("Revoked API key with prefix %q\n", prefix)
	return nil
}
