package transfer

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/CZERTAINLY/Courier/internal/model"
)

// writeMarker writes one performance marker block.
func writeMarker(w io.Writer, now time.Time, state model.State, info *model.IoJobInfo) error {
	var sb strings.Builder
	sb.WriteString("Perf Marker\n")
	fmt.Fprintf(&sb, "    Timestamp: %d\n", now.Unix())
	fmt.Fprintf(&sb, "    State: %d\n", state)
	fmt.Fprintf(&sb, "    State description: %s\n", state)
	sb.WriteString("    Stripe Index: 0\n")
	if info != nil {
		fmt.Fprintf(&sb, "    Stripe Start Time: %d\n", unix(info.StartTime))
		fmt.Fprintf(&sb, "    Stripe Last Transferred: %d\n", unix(info.LastTransferred))
		fmt.Fprintf(&sb, "    Stripe Transfer Time: %d\n", int64(info.TransferTime/time.Second))
		fmt.Fprintf(&sb, "    Stripe Bytes Transferred: %d\n", info.BytesTransferred)
		fmt.Fprintf(&sb, "    Stripe Status: %s\n", info.Status)
	}
	sb.WriteString("    Total Stripe Count: 1\n")
	if info != nil {
		if conns := info.ConnectionsString(); conns != "" {
			fmt.Fprintf(&sb, "    RemoteConnections: %s\n", conns)
		}
	}
	sb.WriteString("End\n")
	_, err := io.WriteString(w, sb.String())
	return err
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func writeResult(w io.Writer, failure string) error {
	var line string
	if failure == "" {
		line = "success: " + successCreated + "\n"
	} else {
		line = "failure: " + failure + "\n"
	}
	_, err := io.WriteString(w, line)
	return err
}
