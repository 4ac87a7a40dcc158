package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"sync"
	"time"

	"github.com/CZERTAINLY/Courier/internal/bus"
	"github.com/CZERTAINLY/Courier/internal/checksum"
	"github.com/CZERTAINLY/Courier/internal/model"
	"github.com/CZERTAINLY/Courier/internal/stub"
)

type Phase int

const (
	PhaseCreated Phase = iota
	PhaseSubmitting
	PhaseActive
	PhaseFinalizing
	PhaseDone
)

var phaseNames = [...]string{"created", "submitting", "active", "finalizing", "done"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	for i, name := range phaseNames {
		if name == string(b) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", b)
}

// Transfer supervises one job delegated to the worker. Fields above mu are
// set before the transfer is published in the registry and never change.
type Transfer struct {
	h      *Handler
	ctx    context.Context
	peer   Peer
	future *Future

	id                  int64
	direction           model.Direction
	path                string
	remote              *url.URL
	addrs               []netip.Addr
	credential          Credential
	overwrite           bool
	requireVerification bool
	wantDigest          checksum.Type
	headers             map[string]string
	fileID              string
	expectedSize        *int64
	digest              string
	submittedAt         time.Time

	// wmu serializes writes to peer. It is taken before mu, never while
	// holding it.
	wmu sync.Mutex

	mu         sync.Mutex
	phase      Phase
	task       Task
	state      model.State
	info       *model.IoJobInfo
	pool       string
	startedAt  time.Time
	finishedAt time.Time
	strikes    int
	cancelling bool
}

func (t *Transfer) ID() int64 {
	return t.id
}

func (t *Transfer) Future() *Future {
	return t.future
}

// Status returns a copy of the current state.
func (t *Transfer) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Status{
		ID:                  t.id,
		Direction:           t.direction,
		Phase:               t.phase,
		Path:                t.path,
		Remote:              t.remote.Redacted(),
		RemoteHost:          t.remote.Hostname(),
		RemotePath:          t.remote.Path,
		Addrs:               append([]netip.Addr(nil), t.addrs...),
		Credential:          t.credential.Source,
		RequireVerification: t.requireVerification,
		Pool:                t.pool,
		State:               t.state,
		Info:                cloneInfo(t.info),
		SubmittedAt:         t.submittedAt,
		StartedAt:           t.startedAt,
		FinishedAt:          t.finishedAt,
		Headers:             cloneHeaders(t.headers),
	}
	if t.expectedSize != nil {
		size := *t.expectedSize
		s.ExpectedSize = &size
	} else if t.info != nil && t.info.RequestedBytes > 0 {
		size := t.info.RequestedBytes
		s.ExpectedSize = &size
	}
	return s
}

func (t *Transfer) active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase == PhaseActive
}

func (t *Transfer) protocolInfo(tt TransferType) model.ProtocolInfo {
	port := tt.Port(t.remote)
	info := model.ProtocolInfo{
		Scheme:              tt.Scheme,
		Host:                t.remote.Hostname(),
		Port:                port,
		URI:                 t.remote.String(),
		RequireVerification: t.requireVerification,
		Headers:             cloneHeaders(t.headers),
		Credential: model.Credential{
			Source:  string(t.credential.Source),
			Subject: t.credential.Subject,
			Token:   t.credential.Token,
		},
		Checksum: string(t.wantDigest),
	}
	if len(t.addrs) > 0 {
		info.Addr = netip.AddrPortFrom(t.addrs[0], uint16(port)).String()
	}
	return info
}

// tick runs on the scheduler. The status query is asynchronous so a slow
// worker never delays other transfers.
func (t *Transfer) tick() {
	if !t.active() {
		return
	}
	s := t.h.manager.WithTimeout(t.h.cfg.MarkerPeriod / 2)
	err := stub.Call(t.ctx, s, &model.TransferStatusQuery{ID: t.id}, stub.Funcs[*model.TransferStatusQuery]{
		OnSuccess: t.statusArrived,
		OnFailure: t.statusFailed,
		OnTimeout: func(detail string) {
			slog.DebugContext(t.ctx, "status query timed out", "detail", detail)
			t.afterPoll()
		},
		OnNoRoute: func(dst bus.Address) {
			slog.WarnContext(t.ctx, "transfer manager not reachable", "destination", dst)
			t.afterPoll()
		},
	})
	if err != nil {
		slog.ErrorContext(t.ctx, "status query not sent", "error", err)
	}
}

func (t *Transfer) statusArrived(reply *model.TransferStatusQuery) {
	t.mu.Lock()
	if t.phase != PhaseActive {
		t.mu.Unlock()
		return
	}
	t.strikes = 0
	t.state = reply.State
	if reply.Info != nil {
		t.info = reply.Info
		if t.startedAt.IsZero() && reply.Info.TransferTime > 0 {
			t.startedAt = t.h.now().Add(-reply.Info.TransferTime)
		}
	}
	if t.pool == "" && reply.Pool != "" {
		t.pool = reply.Pool
	}
	t.mu.Unlock()
	t.afterPoll()
}

func (t *Transfer) statusFailed(code int, detail string) {
	if code == model.CodeResourceMissing {
		t.mu.Lock()
		t.strikes++
		strikes := t.strikes
		t.mu.Unlock()
		// the worker may not know the job yet or lost it on restart
		if strikes >= t.h.cfg.MissingStrikes {
			slog.WarnContext(t.ctx, "transfer unknown to transfer manager", "strikes", strikes, "detail", detail)
			t.h.finalize(t, fmt.Sprintf("%s restarted", t.h.manager.Destination()))
			return
		}
		slog.DebugContext(t.ctx, "transfer unknown to transfer manager", "strikes", strikes, "detail", detail)
	} else {
		slog.WarnContext(t.ctx, "status query failed", "code", code, "detail", detail)
	}
	t.afterPoll()
}

func (t *Transfer) afterPoll() {
	t.sendMarker()
	t.checkPeer()
}

func (t *Transfer) sendMarker() {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	t.mu.Lock()
	if t.phase != PhaseActive {
		t.mu.Unlock()
		return
	}
	state, info := t.state, cloneInfo(t.info)
	t.mu.Unlock()

	if err := writeMarker(t.peer, t.h.now(), state, info); err != nil {
		slog.DebugContext(t.ctx, "writing progress marker failed", "error", err)
	}
}

// checkPeer asks the worker to cancel once the peer has gone away. The
// transfer ends when the worker reports it, not before.
func (t *Transfer) checkPeer() {
	t.mu.Lock()
	if t.phase != PhaseActive || t.cancelling || t.peer.Connected() {
		t.mu.Unlock()
		return
	}
	t.cancelling = true
	t.mu.Unlock()

	slog.InfoContext(t.ctx, "client went away, cancelling transfer")
	const explanation = "client went away"
	err := stub.Call(t.ctx, t.h.manager, &model.CancelTransfer{ID: t.id, Explanation: explanation}, stub.Funcs[*model.CancelTransfer]{
		OnSuccess: func(*model.CancelTransfer) {
			slog.DebugContext(t.ctx, "cancellation accepted")
		},
		OnFailure: func(code int, detail string) {
			if code == model.CodeResourceMissing {
				t.h.finalize(t, "client went away, but failed to cancel transfer: "+detail)
				return
			}
			slog.WarnContext(t.ctx, "cancellation failed", "code", code, "detail", detail)
			t.retryCancel()
		},
		OnTimeout: func(detail string) {
			slog.WarnContext(t.ctx, "cancellation timed out", "detail", detail)
			t.retryCancel()
		},
		OnNoRoute: func(dst bus.Address) {
			slog.WarnContext(t.ctx, "cancellation not delivered", "destination", dst)
			t.retryCancel()
		},
	})
	if err != nil {
		slog.ErrorContext(t.ctx, "cancellation not sent", "error", err)
		t.retryCancel()
	}
}

func (t *Transfer) retryCancel() {
	t.mu.Lock()
	t.cancelling = false
	t.mu.Unlock()
}
