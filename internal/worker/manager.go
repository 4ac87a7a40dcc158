// Package worker is a transfer manager that runs every job as an external
// command, one process per transfer.
//
// Commands report progress by printing "progress <bytes>" lines to stderr.
// Any other stderr line is logged, and the last one becomes the failure
// detail if the command exits with an error. Without progress lines the
// size of the local file is reported for PULL transfers.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/Courier/internal/bus"
	"github.com/CZERTAINLY/Courier/internal/log"
	"github.com/CZERTAINLY/Courier/internal/model"
	"github.com/CZERTAINLY/Courier/internal/stub"
)

type Manager struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time
	slots  chan struct{}
	wg     sync.WaitGroup

	mx       sync.Mutex
	endpoint bus.Endpoint
	nextID   int64
	jobs     map[int64]*job
}

var _ bus.Handler = (*Manager)(nil)

type job struct {
	id     int64
	req    *model.TransferRequest
	local  string
	ctx    context.Context
	cancel context.CancelFunc
	runner *Runner

	mx          sync.Mutex
	state       model.State
	started     time.Time
	bytes       int64
	progressed  bool
	last        time.Time
	lastLine    string
	explanation string
}

// NewManager returns a manager that is not yet reachable. Connect it to a
// bus and pass the connection to Attach.
func NewManager(ctx context.Context, cfg Config) *Manager {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = DefaultMaxActive
	}
	if cfg.Pool == "" {
		cfg.Pool = DefaultPool
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Manager{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
		slots:  make(chan struct{}, cfg.MaxActive),
		// ids survive a restart without colliding with earlier ones
		nextID: time.Now().UnixMilli(),
		jobs:   make(map[int64]*job),
	}
}

// Attach sets the endpoint completion notifications are sent from.
func (m *Manager) Attach(endpoint bus.Endpoint) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.endpoint = endpoint
}

func (m *Manager) Deliver(ctx context.Context, msg *bus.Message) {
	var start func()
	switch req := msg.Payload.(type) {
	case *model.TransferRequest:
		var err error
		if start, err = m.submit(req); err != nil {
			req.Fail(err)
		}
	case *model.TransferStatusQuery:
		m.status(req)
	case *model.CancelTransfer:
		m.cancelJob(ctx, req)
	default:
		slog.DebugContext(ctx, "ignoring message", "type", msg.Type, "source", msg.Source)
		return
	}
	if msg.ReplyRequired {
		if err := msg.Reply(ctx, msg.Payload); err != nil {
			slog.DebugContext(ctx, "reply failed", "type", msg.Type, "error", err)
		}
	}
	// the requester learns the id before the job can end
	if start != nil {
		start()
	}
}

func (m *Manager) command(d model.Direction) (CommandConfig, error) {
	var c CommandConfig
	switch d {
	case model.DirectionPull:
		c = m.cfg.Pull
	case model.DirectionPush:
		c = m.cfg.Push
	default:
		return c, model.Errorf(model.KindUnsupportedTransport, "unknown direction %q", d)
	}
	if c.Path == "" {
		return c, model.Errorf(model.KindUnsupportedTransport, "%s transfers are not configured", d)
	}
	return c, nil
}

// localPath maps a namespace path below the worker root.
func (m *Manager) localPath(p string) string {
	return filepath.Join(m.cfg.Root, filepath.FromSlash(path.Clean("/"+p)))
}

// submit registers the job of req. The returned func starts it.
func (m *Manager) submit(req *model.TransferRequest) (func(), error) {
	if req.Door == "" {
		return nil, model.Errorf(model.KindInternal, "request carries no notification address")
	}
	if _, err := m.command(req.Direction); err != nil {
		return nil, err
	}

	m.mx.Lock()
	if m.ctx.Err() != nil {
		m.mx.Unlock()
		return nil, model.Errorf(model.KindInternal, "transfer manager is shutting down")
	}
	m.nextID++
	id := m.nextID
	ctx := log.ContextAttrs(m.ctx,
		slog.Int64("transfer_id", id),
		slog.String("direction", string(req.Direction)),
		slog.String("path", req.Path),
	)
	ctx, cancel := context.WithCancel(ctx)
	j := &job{
		id:     id,
		req:    req,
		local:  m.localPath(req.Path),
		ctx:    ctx,
		cancel: cancel,
		runner: NewRunner(),
		state:  model.StateQueued,
	}
	m.jobs[id] = j
	// counted under mx so Close waits for it
	m.wg.Add(1)
	m.mx.Unlock()

	req.ID = id
	slog.InfoContext(ctx, "transfer queued")
	return func() {
		go func() {
			defer m.wg.Done()
			m.run(j)
		}()
	}, nil
}

func (m *Manager) lookup(id int64) *job {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.jobs[id]
}

func (m *Manager) status(q *model.TransferStatusQuery) {
	j := m.lookup(q.ID)
	if j == nil {
		q.SetFailed(model.CodeResourceMissing, fmt.Sprintf("transfer %d not found", q.ID))
		return
	}
	now := m.now()

	j.mx.Lock()
	defer j.mx.Unlock()
	q.State = j.state
	q.Pool = m.cfg.Pool
	if j.started.IsZero() {
		return
	}
	bytes := j.bytes
	last := j.last
	if !j.progressed && j.req.Direction == model.DirectionPull {
		if fi, err := os.Stat(j.local); err == nil {
			bytes = fi.Size()
			last = fi.ModTime()
		}
	}
	info := &model.IoJobInfo{
		BytesTransferred: bytes,
		StartTime:        j.started,
		LastTransferred:  last,
		TransferTime:     now.Sub(j.started),
		Status:           strings.ToUpper(j.state.String()),
	}
	if j.req.Direction == model.DirectionPush {
		if fi, err := os.Stat(j.local); err == nil {
			info.RequestedBytes = fi.Size()
		}
	}
	if j.req.Protocol.Addr != "" {
		info.RemoteConnections = []string{j.req.Protocol.Addr}
	}
	q.Info = info
}

func (m *Manager) cancelJob(ctx context.Context, c *model.CancelTransfer) {
	j := m.lookup(c.ID)
	if j == nil {
		c.SetFailed(model.CodeResourceMissing, fmt.Sprintf("transfer %d not found", c.ID))
		return
	}
	explanation := c.Explanation
	if explanation == "" {
		explanation = "transfer cancelled"
	}
	j.mx.Lock()
	if j.explanation == "" {
		j.explanation = explanation
		j.state = model.StateCancelling
	}
	j.mx.Unlock()
	slog.InfoContext(ctx, "cancelling transfer", "transfer_id", c.ID, "explanation", explanation)
	j.cancel()
}

func (m *Manager) run(j *job) {
	defer j.cancel()
	select {
	case m.slots <- struct{}{}:
	case <-j.ctx.Done():
		m.finish(j, m.failure(j, nil))
		return
	}
	defer func() { <-m.slots }()

	cc, _ := m.command(j.req.Direction)
	cmd := cc.Cmd(Vars{
		ID:        j.id,
		Local:     j.local,
		Remote:    j.req.Protocol.URI,
		Direction: string(j.req.Direction),
		Checksum:  j.req.Protocol.Checksum,
		Token:     j.req.Protocol.Credential.Token,
		Headers:   j.req.Protocol.Headers,
	})

	j.mx.Lock()
	if j.state == model.StateQueued {
		j.state = model.StateRunning
	}
	j.started = m.now()
	j.last = j.started
	j.mx.Unlock()

	if err := j.runner.Start(j.ctx, cmd, j.stderr(m.now)); err != nil {
		m.finish(j, fmt.Sprintf("starting transfer: %s", err))
		return
	}
	<-j.runner.Done()
	res := j.runner.Result()
	slog.DebugContext(j.ctx, "transfer command ended", "elapsed", res.Stopped.Sub(res.Started), "error", res.Err)
	m.finish(j, m.failure(j, res.Err))
}

// failure returns the failure reported to the door, empty on success.
func (m *Manager) failure(j *job, err error) string {
	j.mx.Lock()
	defer j.mx.Unlock()
	switch {
	case j.explanation != "":
		return j.explanation
	case m.ctx.Err() != nil:
		return "transfer manager is shutting down"
	case err == nil:
		return ""
	case j.lastLine != "":
		return fmt.Sprintf("transfer failed: %s: %s", err, j.lastLine)
	default:
		return fmt.Sprintf("transfer failed: %s", err)
	}
}

func (j *job) stderr(now func() time.Time) StderrFunc {
	return func(ctx context.Context, line string) {
		if rest, ok := strings.CutPrefix(line, "progress "); ok {
			if n, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64); err == nil {
				j.mx.Lock()
				if n != j.bytes {
					j.last = now()
				}
				j.bytes = n
				j.progressed = true
				j.mx.Unlock()
				return
			}
		}
		slog.DebugContext(ctx, "transfer command", "stderr", line)
		j.mx.Lock()
		j.lastLine = line
		j.mx.Unlock()
	}
}

// finish removes the job and notifies the door of the outcome.
func (m *Manager) finish(j *job, failure string) {
	m.mx.Lock()
	delete(m.jobs, j.id)
	endpoint := m.endpoint
	m.mx.Unlock()

	j.mx.Lock()
	if failure == "" {
		j.state = model.StateFinished
	} else {
		j.state = model.StateFailed
	}
	j.mx.Unlock()

	var msg any
	if failure == "" {
		slog.InfoContext(j.ctx, "transfer finished")
		msg = &model.TransferComplete{ID: j.id}
	} else {
		slog.WarnContext(j.ctx, "transfer failed", "error", failure)
		msg = &model.TransferFailed{ID: j.id, Error: failure}
	}
	// j.ctx may be cancelled already
	ctx := context.WithoutCancel(j.ctx)
	if endpoint == nil {
		slog.ErrorContext(ctx, "transfer manager not attached, dropping notification")
		return
	}
	door := stub.New(endpoint, bus.Address(j.req.Door), 0)
	if err := door.Send(ctx, msg); err != nil {
		slog.ErrorContext(ctx, "notifying door failed", "door", j.req.Door, "error", err)
	}
}

// Active returns the number of jobs not yet finished.
func (m *Manager) Active() int {
	m.mx.Lock()
	defer m.mx.Unlock()
	return len(m.jobs)
}

// Close kills every job and waits until all were reported.
func (m *Manager) Close() {
	m.mx.Lock()
	m.cancel()
	m.mx.Unlock()
	m.wg.Wait()
}
