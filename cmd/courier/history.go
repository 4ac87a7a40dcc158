package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/CZERTAINLY/Courier/internal/store"
)

var (
	flagHistoryLimit  int
	flagHistoryFailed bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "history prints the most recently finished transfers",
	RunE:  doHistory,
}

func initHistoryFlags() {
	historyCmd.Flags().IntVar(&flagHistoryLimit, "limit", 20, "number of transfers to print")
	historyCmd.Flags().BoolVar(&flagHistoryFailed, "failed", false, "print failed transfers only")
}

func doHistory(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd, "history")
	if config.History == nil {
		return errors.New("history is not configured")
	}
	db, err := store.InitDB(ctx, config.History.Path)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	rows, err := store.Recent(ctx, db, flagHistoryLimit, flagHistoryFailed)
	if err != nil {
		return err
	}
	return printHistory(os.Stdout, rows, time.Now())
}

func printHistory(w io.Writer, rows []store.RecordRow, now time.Time) error {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "DIR", "LOCAL", "REMOTE", "BYTES", "TOOK", "FINISHED", "RESULT").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, r := range rows {
		result := "ok"
		if !r.Success {
			result = "failed"
			if r.FailureReason != nil {
				result += ": " + *r.FailureReason
			}
		}
		t.Row(
			strconv.FormatInt(r.TransferID, 10),
			string(r.Direction),
			r.LocalPath,
			r.Remote,
			humanize.IBytes(uint64(max(r.Bytes, 0))),
			r.Duration().Round(time.Millisecond).String(),
			humanize.RelTime(r.FinishedAt, now, "ago", "from now"),
			result,
		)
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}
