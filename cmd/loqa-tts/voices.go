package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/loqalabs/loqa-tts/internal/voice"
	"github.com/spf13/cobra"
)

var voicesCmd = &cobra.Command{
	Use:   "voices",
	Short: "List the public voice catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tLANGUAGE\tGENDER\tENGINE VOICE")
		for _, v := range voice.List() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", v.ID, v.Name, v.Language, v.Gender, v.EngineVoice)
		}
		return w.Flush()
	},
}
