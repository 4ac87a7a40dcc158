// Package transfer supervises third party copies executed by a remote
// transfer manager.
//
// A Handler accepts a request, resolves the local path, submits the job
// and polls the manager until it reports the outcome. Progress is written
// to the waiting peer as performance markers. Whatever ends the transfer
// first (manager notification, a job the manager no longer knows, a peer
// that went away, shutdown) goes through finalize, and only the caller
// that removes the transfer from the registry gets to run it.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/Courier/internal/bus"
	"github.com/CZERTAINLY/Courier/internal/checksum"
	"github.com/CZERTAINLY/Courier/internal/log"
	"github.com/CZERTAINLY/Courier/internal/model"
	"github.com/CZERTAINLY/Courier/internal/namespace"
	"github.com/CZERTAINLY/Courier/internal/parallel"
	"github.com/CZERTAINLY/Courier/internal/stub"
)

const (
	DefaultMarkerPeriod   = 5 * time.Second
	DefaultMissingStrikes = 2
	// ShutdownMessage is the failure reported for transfers still running
	// when the handler shuts down.
	ShutdownMessage = "service is shutting down"
)

type Config struct {
	// Door is the address the manager sends notifications to.
	Door           bus.Address
	MarkerPeriod   time.Duration
	MissingStrikes int
}

type Handler struct {
	cfg       Config
	manager   stub.Stub
	ns        namespace.Namespace
	scheduler Scheduler
	registry  *Registry
	resolve   Resolver
	observers []Observer
	now       func() time.Time
	closed    atomic.Bool
	early     earlyNotes
}

var _ bus.Handler = (*Handler)(nil)

type Option func(*Handler)

func WithResolver(r Resolver) Option {
	return func(h *Handler) {
		h.resolve = r
	}
}

func WithObserver(o Observer) Option {
	return func(h *Handler) {
		h.observers = append(h.observers, o)
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

func NewHandler(cfg Config, manager stub.Stub, ns namespace.Namespace, scheduler Scheduler, opts ...Option) *Handler {
	if cfg.MarkerPeriod <= 0 {
		cfg.MarkerPeriod = DefaultMarkerPeriod
	}
	if cfg.MissingStrikes < 1 {
		cfg.MissingStrikes = DefaultMissingStrikes
	}
	h := &Handler{
		cfg:       cfg,
		manager:   manager,
		ns:        ns,
		scheduler: scheduler,
		registry:  NewRegistry(),
		resolve:   lookupHost,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func lookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	for i, a := range addrs {
		addrs[i] = a.Unmap()
	}
	return addrs, nil
}

// Registry returns the active transfers.
func (h *Handler) Registry() *Registry {
	return h.registry
}

// Transfers returns the status of every active transfer.
func (h *Handler) Transfers() []Status {
	active := h.registry.Snapshot()
	ret := make([]Status, 0, len(active))
	for _, t := range active {
		ret = append(ret, t.Status())
	}
	return ret
}

// AcceptRequest submits req to the manager and starts supervising it. The
// returned transfer has already committed the 202 response to peer; its
// Future resolves once the final line has been written. On error nothing
// was registered and the peer was not written to.
func (h *Handler) AcceptRequest(ctx context.Context, req Request, peer Peer) (*Transfer, error) {
	if h.closed.Load() {
		return nil, requestErr(http.StatusServiceUnavailable, nil, "%s", ShutdownMessage)
	}
	role := strings.ToLower(req.Direction.Role())
	if req.Remote == nil || req.Remote.Host == "" {
		return nil, requestErr(http.StatusBadRequest, nil, "missing %s", role)
	}
	tt, err := LookupTransferType(req.Remote.Scheme)
	if err != nil {
		return nil, requestErr(http.StatusBadRequest, err, "%s", err)
	}
	cred := req.Credential
	if cred.Source == "" {
		cred.Source = CredentialNone
	}
	if !tt.Supports(cred.Source) {
		err := model.Errorf(model.KindUnsupportedTransport, "%s credential is not supported for %s transfers", cred.Source, tt.Scheme)
		return nil, requestErr(http.StatusBadRequest, err, "%s", err)
	}
	addrs, err := h.resolve(ctx, req.Remote.Hostname())
	if err != nil || len(addrs) == 0 {
		return nil, requestErr(http.StatusBadRequest, err, "Unknown %s hostname", role)
	}

	remote := *req.Remote
	t := &Transfer{
		h:                   h,
		peer:                peer,
		future:              newFuture(),
		direction:           req.Direction,
		path:                req.Path,
		remote:              &remote,
		addrs:               addrs,
		credential:          cred,
		overwrite:           req.Overwrite,
		requireVerification: req.RequireVerification,
		wantDigest:          req.WantDigest,
		headers:             maps.Clone(req.Headers),
		submittedAt:         h.now(),
		phase:               PhaseCreated,
	}
	t.ctx = log.ContextAttrs(context.WithoutCancel(ctx),
		slog.String("direction", string(t.direction)),
		slog.String("path", t.path),
		slog.String("remote", t.remote.Redacted()),
	)

	if err := h.resolvePath(ctx, t); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.phase = PhaseSubmitting
	t.mu.Unlock()
	h.early.begin()
	reply, err := stub.CallAndWait(ctx, h.manager, &model.TransferRequest{
		Door:      string(h.cfg.Door),
		Path:      t.path,
		FileID:    t.fileID,
		Direction: t.direction,
		Protocol:  t.protocolInfo(tt),
	})
	if err == nil && reply.ID == 0 {
		err = model.Errorf(model.KindInternal, "no transfer id assigned")
	}
	if err != nil {
		h.early.abandon()
		h.discard(t)
		return nil, submitErr(ctx, err)
	}
	t.id = reply.ID
	t.ctx = log.ContextAttrs(t.ctx, slog.Int64("transfer_id", t.id))

	// the response is committed before any marker or result is written
	t.wmu.Lock()
	t.mu.Lock()
	note, err := h.early.publish(t.id, func() error { return h.registry.Put(t) })
	if err != nil {
		t.mu.Unlock()
		t.wmu.Unlock()
		h.discard(t)
		return nil, requestErr(http.StatusInternalServerError, err, "transfer not accepted: %s", err)
	}
	t.phase = PhaseActive
	task, err := h.scheduler.Every(h.cfg.MarkerPeriod, t.tick)
	t.task = task
	t.mu.Unlock()
	h.commit(t)
	t.wmu.Unlock()

	slog.InfoContext(t.ctx, "transfer accepted")
	switch {
	case err != nil:
		h.finalize(t, fmt.Sprintf("scheduling progress markers: %s", err))
	case note != nil:
		// the manager finished the job before its id was published
		h.finalize(t, *note)
	case h.closed.Load():
		// raced with Shutdown, which took its snapshot before the Put
		h.finalize(t, ShutdownMessage)
	}
	return t, nil
}

// resolvePath checks or creates the local entry.
func (h *Handler) resolvePath(ctx context.Context, t *Transfer) error {
	if t.direction == model.DirectionPush {
		attrs, err := h.ns.Resolve(ctx, t.path, t.wantDigest)
		if err != nil {
			return namespaceErr(err)
		}
		if attrs.Type != model.FileTypeRegular {
			return requestErr(http.StatusBadRequest, nil, "Not a file")
		}
		if attrs.Size == nil {
			return requestErr(http.StatusConflict, nil, "File upload in progress")
		}
		t.fileID = attrs.ID
		t.expectedSize = attrs.Size
		if value, ok := attrs.Checksums[string(t.wantDigest)]; ok {
			digest, err := checksum.DigestHeader(t.wantDigest, value)
			if err != nil {
				slog.WarnContext(t.ctx, "ignoring stored checksum", "error", err)
			} else {
				t.digest = digest
			}
		}
		return nil
	}

	xattrs := map[string]string{namespace.XattrOriginURL: t.remote.Redacted()}
	attrs, err := h.ns.CreateEntry(ctx, t.path, xattrs)
	if errors.Is(err, model.ErrAlreadyExists) {
		if !t.overwrite {
			return requestErr(http.StatusPreconditionFailed, err, "File already exists")
		}
		if err := h.ns.DeleteEntry(ctx, "", t.path); err != nil && !errors.Is(err, model.ErrNotFound) {
			return namespaceErr(err)
		}
		attrs, err = h.ns.CreateEntry(ctx, t.path, xattrs)
	}
	if err != nil {
		return namespaceErr(err)
	}
	t.fileID = attrs.ID
	return nil
}

func namespaceErr(err error) *RequestError {
	switch model.KindOf(err) {
	case model.KindNotFound:
		return requestErr(http.StatusNotFound, err, "no such file")
	case model.KindPermissionDenied:
		return requestErr(http.StatusUnauthorized, err, "Permission denied")
	case model.KindConflict:
		return requestErr(http.StatusConflict, err, "%s", err)
	case model.KindAlreadyExists:
		return requestErr(http.StatusPreconditionFailed, err, "File already exists")
	default:
		return requestErr(http.StatusInternalServerError, err, "Internal problem with server")
	}
}

func submitErr(ctx context.Context, err error) *RequestError {
	switch {
	case ctx.Err() != nil:
		return requestErr(http.StatusServiceUnavailable, err, "transfer not accepted: request canceled")
	case errors.Is(err, model.ErrTimeout):
		return requestErr(http.StatusServiceUnavailable, err, "transfer service unavailable")
	default:
		return requestErr(http.StatusInternalServerError, err, "transfer not accepted: %s", err)
	}
}

// discard removes the entry a rejected PULL created.
func (h *Handler) discard(t *Transfer) {
	if t.direction != model.DirectionPull || t.fileID == "" {
		return
	}
	if err := h.ns.DeleteEntry(t.ctx, t.fileID, t.path); err != nil && !errors.Is(err, model.ErrNotFound) {
		slog.WarnContext(t.ctx, "removing entry of rejected transfer failed", "error", err)
	}
}

// commit sends the response head. Callers hold t.mu.
func (h *Handler) commit(t *Transfer) {
	t.peer.SetHeader("Content-Type", ContentTypeMarkers)
	if t.wantDigest != "" {
		switch {
		case t.peer.AcceptsTrailers():
			t.peer.SetHeader("Trailer", "Digest")
		case t.digest != "":
			t.peer.SetHeader("Digest", t.digest)
		}
	}
	if err := t.peer.Commit(http.StatusAccepted); err != nil {
		slog.DebugContext(t.ctx, "committing response failed", "error", err)
	}
}

// Deliver handles the manager's completion notifications.
func (h *Handler) Deliver(ctx context.Context, msg *bus.Message) {
	switch n := msg.Payload.(type) {
	case *model.TransferComplete:
		h.notified(ctx, msg, n.ID, "")
	case *model.TransferFailed:
		failure := n.Error
		if failure == "" {
			failure = "transfer failed"
		}
		h.notified(ctx, msg, n.ID, failure)
	default:
		slog.DebugContext(ctx, "ignoring message", "type", msg.Type, "source", msg.Source)
		return
	}
	if msg.ReplyRequired {
		if err := msg.Reply(ctx, msg.Payload); err != nil {
			slog.DebugContext(ctx, "acknowledging notification failed", "error", err)
		}
	}
}

func (h *Handler) notified(ctx context.Context, msg *bus.Message, id int64, failure string) {
	t, kept := h.early.lookup(id, failure, h.registry.Get)
	switch {
	case kept:
		slog.DebugContext(ctx, "notification ahead of submission reply", "transfer_id", id, "source", msg.Source)
	case t == nil:
		slog.DebugContext(ctx, "notification for unknown transfer", "transfer_id", id, "source", msg.Source)
	default:
		h.finalize(t, failure)
	}
}

// finalize ends t with failure, or successfully if failure is empty. Only
// the first caller for a given transfer has any effect.
func (h *Handler) finalize(t *Transfer, failure string) {
	if h.registry.Remove(t.id) == nil {
		return
	}

	t.mu.Lock()
	t.phase = PhaseFinalizing
	task := t.task
	t.task = nil
	t.mu.Unlock()
	if task != nil {
		task.Cancel()
	}

	var trailer string
	if failure == "" {
		trailer = h.trailerDigest(t)
	} else if t.direction == model.DirectionPull {
		err := h.ns.DeleteEntry(t.ctx, t.fileID, t.path)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			failure = fmt.Sprintf("%s (failed to remove badly transferred file: %s)", failure, err)
		}
	}

	// a marker already past its phase check is written first
	t.wmu.Lock()
	if err := writeResult(t.peer, failure); err != nil {
		slog.DebugContext(t.ctx, "writing result failed", "error", err)
	}
	if trailer != "" {
		t.peer.SetTrailer("Digest", trailer)
	}
	t.peer.Complete()
	t.wmu.Unlock()

	t.mu.Lock()
	t.phase = PhaseDone
	t.finishedAt = h.now()
	t.mu.Unlock()

	var outcome error
	if failure != "" {
		outcome = errors.New(failure)
		slog.WarnContext(t.ctx, "transfer failed", "error", failure)
	} else {
		slog.InfoContext(t.ctx, "transfer finished")
	}
	t.future.resolve(outcome)

	status := t.Status()
	for _, o := range h.observers {
		o.TransferFinished(t.ctx, status, outcome)
	}
}

// trailerDigest returns the Digest trailer of a successful transfer, if
// the peer takes one.
func (h *Handler) trailerDigest(t *Transfer) string {
	if t.wantDigest == "" || !t.peer.AcceptsTrailers() {
		return ""
	}
	value, ok, err := h.ns.FetchChecksum(t.ctx, t.path, t.wantDigest)
	switch {
	case err != nil:
		slog.WarnContext(t.ctx, "fetching checksum failed", "type", t.wantDigest, "error", err)
		return t.digest
	case !ok:
		return t.digest
	}
	digest, err := checksum.DigestHeader(t.wantDigest, value)
	if err != nil {
		slog.WarnContext(t.ctx, "invalid checksum", "type", t.wantDigest, "error", err)
		return t.digest
	}
	return digest
}

// Shutdown fails every active transfer. Requests arriving afterwards are
// rejected.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.closed.Store(true)
	active := h.registry.Snapshot()
	if len(active) == 0 {
		return nil
	}
	slog.InfoContext(ctx, "failing active transfers", "count", len(active))
	return parallel.Each(ctx, 16, slices.Values(active), func(_ context.Context, t *Transfer) error {
		h.finalize(t, ShutdownMessage)
		return nil
	})
}
