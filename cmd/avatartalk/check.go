package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harunnryd/avatartalk/pkg/config"
	"github.com/harunnryd/avatartalk/pkg/engine"
)

func newCheckCmd(flags *rootFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration, the microphone and the relay credentials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runChecks(ctx, cmd.OutOrStdout(), engine.DefaultRegistry(), cfg)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "overall deadline for the checks")
	return cmd
}

var errChecksFailed = errors.New("one or more checks failed")

func runChecks(ctx context.Context, out io.Writer, registry *engine.Registry, cfg config.Config) error {
	failed := false
	report := func(name string, err error, detail string) {
		if err != nil {
			failed = true
			fmt.Fprintf(out, "FAIL  %-10s %v\n", name, err)
			return
		}
		fmt.Fprintf(out, "ok    %-10s %s\n", name, detail)
	}

	names := registry.Names()
	for _, kind := range []string{"transcript", "chat", "avatar", "relay"} {
		fmt.Fprintf(out, "      %-10s providers: %s\n", kind, strings.Join(names[kind], ", "))
	}

	source, err := registry.BuildTranscript(cfg)
	if err != nil {
		report("transcript", err, "")
	} else {
		ok, err := source.CheckMicrophone(ctx)
		if err == nil && !ok {
			err = errors.New("microphone unavailable")
		}
		report("microphone", err, source.Name())
	}

	if _, err := registry.BuildChat(cfg); err != nil {
		report("chat", err, "")
	} else {
		report("chat", nil, cfg.Vendors.Chat.Provider)
	}

	relays, err := registry.BuildRelay(cfg)
	switch {
	case err != nil:
		report("relay", err, "")
	case relays == nil:
		report("relay", nil, "none configured")
	default:
		creds, err := relays.Fetch(ctx)
		detail := ""
		if err == nil {
			detail = fmt.Sprintf("%s: %d url(s)", relays.Name(), len(creds.URLs))
			if !creds.ExpiresAt.IsZero() {
				detail += ", expires " + creds.ExpiresAt.Format(time.RFC3339)
			}
		}
		report("relay", err, detail)
	}

	if _, err := registry.BuildAvatar(cfg, relays); err != nil {
		report("avatar", err, "")
	} else {
		report("avatar", nil, cfg.Vendors.Avatar.Provider+" "+cfg.Avatar.Appearance().String())
	}

	if failed {
		return errChecksFailed
	}
	return nil
}
