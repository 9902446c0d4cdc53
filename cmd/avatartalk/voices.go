package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/harunnryd/avatartalk/pkg/avatar"
)

func newVoicesCmd() *cobra.Command {
	var lang string
	cmd := &cobra.Command{
		Use:   "voices",
		Short: "List the language to voice table, or resolve one tag with --lang",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if lang != "" {
				fmt.Fprintln(out, avatar.VoiceForLanguage(lang))
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "LANGUAGE\tVOICE")
			for _, v := range avatar.Voices() {
				fmt.Fprintf(tw, "%s\t%s\n", v.Language, v.Voice)
			}
			fmt.Fprintf(tw, "*\t%s\n", avatar.DefaultVoice)
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&lang, "lang", "", "BCP-47 language tag to resolve")
	return cmd
}
