package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/CZERTAINLY/Courier/internal/httptpc"
	"github.com/CZERTAINLY/Courier/internal/model"
	"github.com/CZERTAINLY/Courier/internal/transfer"
)

var (
	flagListURL string
	flagFilter  transfer.Filter
	flagSort    string
	flagDir     string
)

var listCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "ls prints the active transfers of a running courier",
	RunE:    doList,
}

func initListFlags() {
	f := listCmd.Flags()
	f.StringVar(&flagListURL, "url", "", "courier to ask, default is http:// + service.listen")
	f.StringVar(&flagFilter.Pool, "pool", "", "pool glob")
	f.StringVar(&flagFilter.Host, "host", "", "remote host glob")
	f.StringVar(&flagFilter.LocalPath, "local", "", "local path glob, ** matches across directories")
	f.StringVar(&flagFilter.RemotePath, "remote", "", "remote path glob")
	f.StringVar(&flagDir, "direction", "", "pull or push")
	f.StringVar(&flagFilter.IPFamily, "ip", "", "ipv4 or ipv6")
	f.StringVar(&flagSort, "sort", "", "id, host, pool, lifetime or running")
}

func listURL() string {
	if flagListURL != "" {
		return flagListURL
	}
	host := config.Service.Listen
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	return "http://" + host
}

func doList(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd, "ls")
	order, err := transfer.ParseSort(flagSort)
	if err != nil {
		return err
	}
	f := flagFilter
	f.Direction = model.Direction(strings.ToUpper(flagDir))
	if err := f.Validate(); err != nil {
		return err
	}

	client, err := httptpc.NewClient(listURL())
	if err != nil {
		return err
	}
	listing, err := client.List(ctx, f, order)
	if err != nil {
		return err
	}
	return printListing(os.Stdout, listing)
}

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

func printListing(w io.Writer, listing transfer.Listing) error {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "DIR", "STATE", "POOL", "REMOTE", "LOCAL", "PROGRESS", "AGE", "RUNNING").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, r := range listing.Transfers {
		t.Row(
			strconv.FormatInt(r.ID, 10),
			string(r.Direction),
			r.State,
			r.Pool,
			r.Remote,
			r.LocalPath,
			progress(r),
			humanize.RelTime(r.SubmittedAt, listing.Now, "ago", "from now"),
			running(r, listing.Now),
		)
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func progress(r transfer.Row) string {
	done := humanize.IBytes(uint64(max(r.Transferred, 0)))
	if p, ok := r.Percent(); ok {
		return fmt.Sprintf("%s / %s (%.0f%%)", done, humanize.IBytes(uint64(*r.Expected)), p)
	}
	return done
}

func running(r transfer.Row, now time.Time) string {
	if r.StartedAt == nil {
		return "queued " + r.Queued(now).Round(time.Second).String()
	}
	return r.Running(now).Round(time.Second).String()
}
