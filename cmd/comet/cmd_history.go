package main

import (
	"fmt"
	"time"

	"cometnerd/internal/history"

	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent asks",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		store, err := history.Open(s.cfg.History.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		recs, err := store.Recent(historyLimit)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No history yet.")
			return nil
		}
		for _, rec := range recs {
			outcome := rec.Elapsed.Round(time.Second).String()
			if rec.TimedOut {
				outcome = "timed out after " + outcome
			}
			fmt.Printf("%s  %s  (%s)\n", rec.AskedAt.Local().Format("2006-01-02 15:04"), rec.Prompt, outcome)
			if rec.Answer != "" {
				fmt.Printf("    %s\n", firstLine(rec.Answer))
			}
		}
		return nil
	},
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "number of records")
}
