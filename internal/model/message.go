package model

import (
	"strings"
	"time"
)

// Header is embedded by every bus vehicle. It carries the reply status and
// the reply-required flag.
type Header struct {
	RC            int    `cbor:"rc,omitempty"`
	Detail        string `cbor:"detail,omitempty"`
	ReplyRequired bool   `cbor:"reply_required,omitempty"`
}

func (h *Header) ReturnCode() int {
	return h.RC
}

func (h *Header) ErrorDetail() string {
	return h.Detail
}

func (h *Header) SetReplyRequired(v bool) {
	h.ReplyRequired = v
}

// SetFailed marks the vehicle as a failed reply.
func (h *Header) SetFailed(code int, detail string) {
	h.RC = code
	h.Detail = detail
}

// Fail sets the reply status from err.
func (h *Header) Fail(err error) {
	h.SetFailed(CodeOf(err), err.Error())
}

// Status is implemented by replies carrying an embedded return code.
type Status interface {
	ReturnCode() int
	ErrorDetail() string
}

// ReplyRequirer is implemented by vehicles that can ask for a reply.
type ReplyRequirer interface {
	SetReplyRequired(bool)
}

type Direction string

const (
	DirectionPull Direction = "PULL"
	DirectionPush Direction = "PUSH"
)

// Role names the remote side as seen from the local file.
func (d Direction) Role() string {
	if d == DirectionPush {
		return "Destination"
	}
	return "Source"
}

// State is the worker side lifecycle code of a transfer.
type State int

const (
	StateUnknown State = iota
	StateQueued
	StateRunning
	StateCancelling
	StateFinished
	StateFailed
)

var stateNames = [...]string{"unknown", "queued", "running", "cancelling", "finished", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Credential references the material the worker authenticates with.
type Credential struct {
	Source  string `cbor:"source"`
	Subject string `cbor:"subject,omitempty"`
	Token   string `cbor:"token,omitempty"`
}

// ProtocolInfo describes how the worker reaches the remote endpoint.
type ProtocolInfo struct {
	Scheme              string            `cbor:"scheme"`
	Host                string            `cbor:"host"`
	Port                int               `cbor:"port"`
	Addr                string            `cbor:"addr,omitempty"`
	URI                 string            `cbor:"uri"`
	RequireVerification bool              `cbor:"require_verification,omitempty"`
	Headers             map[string]string `cbor:"headers,omitempty"`
	Credential          Credential        `cbor:"credential"`
	Checksum            string            `cbor:"checksum,omitempty"`
}

// TransferRequest submits a job. The reply carries the assigned ID.
type TransferRequest struct {
	Header
	Door      string       `cbor:"door"`
	Path      string       `cbor:"path"`
	FileID    string       `cbor:"file_id"`
	Direction Direction    `cbor:"direction"`
	Protocol  ProtocolInfo `cbor:"protocol"`
	ID        int64        `cbor:"id,omitempty"`
}

// IoJobInfo is the progress snapshot of a running transfer.
type IoJobInfo struct {
	BytesTransferred  int64         `cbor:"bytes"`
	RequestedBytes    int64         `cbor:"requested,omitempty"`
	StartTime         time.Time     `cbor:"start"`
	LastTransferred   time.Time     `cbor:"last"`
	TransferTime      time.Duration `cbor:"transfer_time"`
	Status            string        `cbor:"status"`
	RemoteConnections []string      `cbor:"connections,omitempty"`
}

// ConnectionsString renders remote connections as tcp:<addr>,...
func (i IoJobInfo) ConnectionsString() string {
	if len(i.RemoteConnections) == 0 {
		return ""
	}
	parts := make([]string, 0, len(i.RemoteConnections))
	for _, c := range i.RemoteConnections {
		parts = append(parts, "tcp:"+c)
	}
	return strings.Join(parts, ",")
}

// TransferStatusQuery asks the worker for the state of job ID.
type TransferStatusQuery struct {
	Header
	ID    int64      `cbor:"id"`
	State State      `cbor:"state,omitempty"`
	Info  *IoJobInfo `cbor:"info,omitempty"`
	Pool  string     `cbor:"pool,omitempty"`
}

type CancelTransfer struct {
	Header
	ID          int64  `cbor:"id"`
	Explanation string `cbor:"explanation"`
}

// TransferComplete is sent by the worker once job ID succeeded.
type TransferComplete struct {
	Header
	ID int64 `cbor:"id"`
}

// TransferFailed is sent by the worker once job ID failed.
type TransferFailed struct {
	Header
	ID    int64  `cbor:"id"`
	Error string `cbor:"error"`
}

const (
	FileTypeRegular = "regular"
	FileTypeDir     = "dir"
)

// FileAttributes is what the namespace knows about an entry.
type FileAttributes struct {
	ID        string            `cbor:"id"`
	Type      string            `cbor:"type"`
	Size      *int64            `cbor:"size,omitempty"`
	Checksums map[string]string `cbor:"checksums,omitempty"`
	Xattrs    map[string]string `cbor:"xattrs,omitempty"`
}

type NamespaceResolve struct {
	Header
	Path     string          `cbor:"path"`
	Checksum string          `cbor:"checksum,omitempty"`
	Attrs    *FileAttributes `cbor:"attrs,omitempty"`
}

type NamespaceCreate struct {
	Header
	Path   string            `cbor:"path"`
	Xattrs map[string]string `cbor:"xattrs,omitempty"`
	Attrs  *FileAttributes   `cbor:"attrs,omitempty"`
}

type NamespaceDelete struct {
	Header
	ID   string `cbor:"id"`
	Path string `cbor:"path"`
}

type NamespaceChecksum struct {
	Header
	Path  string `cbor:"path"`
	Type  string `cbor:"type"`
	Value string `cbor:"value,omitempty"`
}
