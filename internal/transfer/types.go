package transfer

import (
	"context"
	"fmt"
	"maps"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/CZERTAINLY/Courier/internal/checksum"
	"github.com/CZERTAINLY/Courier/internal/model"
)

// CredentialSource names where the worker takes its credential from.
type CredentialSource string

const (
	CredentialNone     CredentialSource = "none"
	CredentialGridSite CredentialSource = "gridsite"
	CredentialOIDC     CredentialSource = "oidc"
)

// TransferType is a transport scheme the worker understands.
type TransferType struct {
	Scheme      string
	DefaultPort int
	Credentials []CredentialSource
}

var transferTypes = []TransferType{
	{Scheme: "gsiftp", DefaultPort: 2811, Credentials: []CredentialSource{CredentialGridSite}},
	{Scheme: "http", DefaultPort: 80, Credentials: []CredentialSource{CredentialNone}},
	{Scheme: "https", DefaultPort: 443, Credentials: []CredentialSource{CredentialGridSite, CredentialOIDC, CredentialNone}},
}

// Schemes lists the supported schemes.
func Schemes() []string {
	schemes := make([]string, 0, len(transferTypes))
	for _, tt := range transferTypes {
		schemes = append(schemes, tt.Scheme)
	}
	return schemes
}

// LookupTransferType returns the transfer type of scheme or an
// UNSUPPORTED_TRANSPORT error.
func LookupTransferType(scheme string) (TransferType, error) {
	scheme = strings.ToLower(scheme)
	for _, tt := range transferTypes {
		if tt.Scheme == scheme {
			return tt, nil
		}
	}
	return TransferType{}, model.Errorf(model.KindUnsupportedTransport,
		"%q is not a supported transfer scheme, use one of %s", scheme, strings.Join(Schemes(), ", "))
}

// Supports reports whether the type can authenticate with source.
func (tt TransferType) Supports(source CredentialSource) bool {
	return slices.Contains(tt.Credentials, source)
}

// Port returns the port of u or the scheme default.
func (tt TransferType) Port(u *url.URL) int {
	if p := u.Port(); p != "" {
		var port int
		if _, err := fmt.Sscanf(p, "%d", &port); err == nil {
			return port
		}
	}
	return tt.DefaultPort
}

// Credential is what the peer authenticated the remote side with.
type Credential struct {
	Source  CredentialSource
	Subject string
	Token   string
}

// Request is a validated third party copy request.
type Request struct {
	Direction           model.Direction
	Path                string
	Remote              *url.URL
	Credential          Credential
	Overwrite           bool
	RequireVerification bool
	WantDigest          checksum.Type
	Headers             map[string]string
}

// Resolver maps a host name to its addresses.
type Resolver func(ctx context.Context, host string) ([]netip.Addr, error)

// Peer is the requester waiting for progress. A transfer never calls it
// from two goroutines at once.
type Peer interface {
	SetHeader(key, value string)
	// Commit sends the status line and headers.
	Commit(status int) error
	Write(p []byte) (int, error)
	SetTrailer(key, value string)
	AcceptsTrailers() bool
	Connected() bool
	// Complete ends the response.
	Complete()
}

// RequestError rejects a request before anything was registered.
type RequestError struct {
	Status  int
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	return e.Message
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func requestErr(status int, err error, format string, args ...any) *RequestError {
	return &RequestError{Status: status, Message: fmt.Sprintf(format, args...), Err: err}
}

// Scheduler runs periodic tasks. The first run happens one period after
// Every returns.
type Scheduler interface {
	Every(period time.Duration, f func()) (Task, error)
}

// Task is a handle of a periodic task.
type Task interface {
	Cancel()
}

// Observer is told about every finished transfer.
type Observer interface {
	TransferFinished(ctx context.Context, s Status, err error)
}

// Status is a point in time copy of a transfer.
type Status struct {
	ID                  int64
	Direction           model.Direction
	Phase               Phase
	Path                string
	Remote              string
	RemoteHost          string
	RemotePath          string
	Addrs               []netip.Addr
	Credential          CredentialSource
	RequireVerification bool
	Pool                string
	State               model.State
	Info                *model.IoJobInfo
	ExpectedSize        *int64
	SubmittedAt         time.Time
	StartedAt           time.Time
	FinishedAt          time.Time
	Headers             map[string]string
}

// Transferred returns the bytes moved so far.
func (s Status) Transferred() int64 {
	if s.Info == nil {
		return 0
	}
	return s.Info.BytesTransferred
}

func cloneInfo(info *model.IoJobInfo) *model.IoJobInfo {
	if info == nil {
		return nil
	}
	c := *info
	c.RemoteConnections = slices.Clone(info.RemoteConnections)
	return &c
}

func cloneHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	return maps.Clone(h)
}

const (
	ContentTypeMarkers = "text/perf-marker-stream"
	successCreated     = "Created"
)
