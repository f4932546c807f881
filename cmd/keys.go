package cmd

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"renderhub/webhookauth"

	"github.com/spf13/cobra"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Fetch and print the provider callback key set",
	RunE:  runKeys,
}

func init() {
	rootCmd.AddCommand(keysCmd)
}

func runKeys(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	ks := webhookauth.NewKeySet(cfg.FalJWKSURL, cfg.FalJWKSTTL, nil, log)
	if err := ks.Refresh(ctx); err != nil {
		return err
	}
	keys, err := ks.Keys(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %d key(s)\n", cfg.FalJWKSURL, len(keys))
	for i, k := range keys {
		fmt.Fprintf(out, "  [%d] %s\n", i, base64.RawURLEncoding.EncodeToString(k))
	}
	return nil
}
