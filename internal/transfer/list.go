package transfer

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/CZERTAINLY/Courier/internal/model"
	"github.com/bmatcuk/doublestar/v4"
)

// Filter selects transfers for listing. Empty fields match everything.
// Pool, Host, LocalPath and RemotePath are glob patterns.
type Filter struct {
	Pool       string          `json:"pool,omitempty"`
	Host       string          `json:"host,omitempty"`
	LocalPath  string          `json:"local,omitempty"`
	RemotePath string          `json:"remote,omitempty"`
	Direction  model.Direction `json:"direction,omitempty"`
	// IPFamily is "ipv4" or "ipv6".
	IPFamily string `json:"ip,omitempty"`
}

func (f Filter) Validate() error {
	for _, p := range []string{f.Pool, f.Host, f.LocalPath, f.RemotePath} {
		if p != "" && !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid pattern %q", p)
		}
	}
	switch f.Direction {
	case "", model.DirectionPull, model.DirectionPush:
	default:
		return fmt.Errorf("invalid direction %q", f.Direction)
	}
	switch f.IPFamily {
	case "", "ipv4", "ipv6":
	default:
		return fmt.Errorf("invalid ip family %q, use ipv4 or ipv6", f.IPFamily)
	}
	return nil
}

func (f Filter) Match(s Status) bool {
	switch {
	case !glob(f.Pool, s.Pool),
		!glob(f.Host, s.RemoteHost),
		!glob(f.LocalPath, s.Path),
		!glob(f.RemotePath, s.RemotePath),
		f.Direction != "" && f.Direction != s.Direction:
		return false
	}
	return f.IPFamily == "" || slices.Contains(families(s), f.IPFamily)
}

func glob(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	ok, err := doublestar.Match(pattern, value)
	return err == nil && ok
}

func families(s Status) []string {
	var ret []string
	for _, a := range s.Addrs {
		family := "ipv6"
		if a.Is4() {
			family = "ipv4"
		}
		if !slices.Contains(ret, family) {
			ret = append(ret, family)
		}
	}
	return ret
}

type SortOrder string

const (
	SortID       SortOrder = "id"
	SortHost     SortOrder = "host"
	SortPool     SortOrder = "pool"
	SortLifetime SortOrder = "lifetime"
	SortRunning  SortOrder = "running"
)

var sortOrders = []SortOrder{SortID, SortHost, SortPool, SortLifetime, SortRunning}

// ParseSort accepts an empty string as SortID.
func ParseSort(s string) (SortOrder, error) {
	if s == "" {
		return SortID, nil
	}
	o := SortOrder(strings.ToLower(s))
	if !slices.Contains(sortOrders, o) {
		names := make([]string, 0, len(sortOrders))
		for _, o := range sortOrders {
			names = append(names, string(o))
		}
		return "", fmt.Errorf("unknown sort order %q, use one of %s", s, strings.Join(names, ", "))
	}
	return o, nil
}

// Sort orders statuses in place. Ties are broken by id.
func Sort(statuses []Status, order SortOrder) {
	slices.SortFunc(statuses, func(a, b Status) int {
		var c int
		switch order {
		case SortHost:
			c = cmp.Compare(a.RemoteHost, b.RemoteHost)
		case SortPool:
			// unassigned first
			c = cmp.Compare(a.Pool, b.Pool)
		case SortLifetime:
			// youngest first
			c = b.SubmittedAt.Compare(a.SubmittedAt)
		case SortRunning:
			// queued first, then the most recently started
			switch {
			case a.StartedAt.IsZero() && b.StartedAt.IsZero():
			case a.StartedAt.IsZero():
				c = -1
			case b.StartedAt.IsZero():
				c = 1
			default:
				c = b.StartedAt.Compare(a.StartedAt)
			}
		}
		if c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// Row is the listing view of a transfer.
type Row struct {
	ID          int64           `json:"id"`
	Direction   model.Direction `json:"direction"`
	Phase       Phase           `json:"phase"`
	State       string          `json:"state"`
	Pool        string          `json:"pool,omitempty"`
	RemoteHost  string          `json:"remote_host"`
	RemotePath  string          `json:"remote_path"`
	Remote      string          `json:"remote"`
	LocalPath   string          `json:"local_path"`
	IPFamilies  []string        `json:"ip_families,omitempty"`
	Connections string          `json:"connections,omitempty"`
	SubmittedAt time.Time       `json:"submitted"`
	StartedAt   *time.Time      `json:"started,omitempty"`
	Transferred int64           `json:"transferred"`
	Expected    *int64          `json:"expected,omitempty"`
}

// Lifetime is the time since submission.
func (r Row) Lifetime(now time.Time) time.Duration {
	return now.Sub(r.SubmittedAt)
}

// Queued is the time the transfer waited before it started.
func (r Row) Queued(now time.Time) time.Duration {
	if r.StartedAt == nil {
		return now.Sub(r.SubmittedAt)
	}
	return r.StartedAt.Sub(r.SubmittedAt)
}

// Running is the time since the transfer started, zero if it has not.
func (r Row) Running(now time.Time) time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	return now.Sub(*r.StartedAt)
}

// Percent is the transferred share of the expected size.
func (r Row) Percent() (float64, bool) {
	if r.Expected == nil || *r.Expected <= 0 {
		return 0, false
	}
	return 100 * float64(r.Transferred) / float64(*r.Expected), true
}

func NewRow(s Status) Row {
	r := Row{
		ID:          s.ID,
		Direction:   s.Direction,
		Phase:       s.Phase,
		State:       s.State.String(),
		Pool:        s.Pool,
		RemoteHost:  s.RemoteHost,
		RemotePath:  s.RemotePath,
		Remote:      s.Remote,
		LocalPath:   s.Path,
		IPFamilies:  families(s),
		SubmittedAt: s.SubmittedAt,
		Transferred: s.Transferred(),
		Expected:    s.ExpectedSize,
	}
	if !s.StartedAt.IsZero() {
		started := s.StartedAt
		r.StartedAt = &started
	}
	if s.Info != nil {
		r.Connections = s.Info.ConnectionsString()
	}
	return r
}

// Listing is the answer to a listing request.
type Listing struct {
	Now       time.Time `json:"now"`
	Transfers []Row     `json:"transfers"`
}

// List returns the rows of the active transfers matching f.
func (h *Handler) List(f Filter, order SortOrder) Listing {
	var matched []Status
	for _, s := range h.Transfers() {
		if f.Match(s) {
			matched = append(matched, s)
		}
	}
	Sort(matched, order)
	rows := make([]Row, 0, len(matched))
	for _, s := range matched {
		rows = append(rows, NewRow(s))
	}
	return Listing{Now: h.now(), Transfers: rows}
}
