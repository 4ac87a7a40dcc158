package transfer_test

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/Courier/internal/checksum"
	"github.com/CZERTAINLY/Courier/internal/model"
	"github.com/CZERTAINLY/Courier/internal/namespace"
	"github.com/CZERTAINLY/Courier/internal/transfer"
	"github.com/stretchr/testify/require"
)

func TestPushWithDigest(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		fx := setup(t, transfer.Config{}, transfer.WithClock(func() time.Time { return now }))
		defer fx.close()
		fx.write(t, "/data/file", "hello world")

		p := newPeer(true)
		tr, err := fx.h.AcceptRequest(t.Context(), pushRequest("/data/file"), p)
		require.NoError(t, err)
		require.Equal(t, int64(1), tr.ID())
		require.Equal(t, http.StatusAccepted, p.Status())
		require.Equal(t, transfer.ContentTypeMarkers, p.Header("Content-Type"))
		require.Equal(t, "Digest", p.Header("Trailer"))
		require.Empty(t, p.Header("Digest"))
		require.Equal(t, 1, fx.h.Registry().Len())

		req := fx.mgr.lastSubmitted()
		require.NotNil(t, req)
		require.Equal(t, model.DirectionPush, req.Direction)
		require.Equal(t, string(doorAddr), req.Door)
		require.Equal(t, "data/file", strings.TrimPrefix(req.Path, "/"))
		require.NotEmpty(t, req.FileID)
		require.Equal(t, "https", req.Protocol.Scheme)
		require.Equal(t, "remote.example.org", req.Protocol.Host)
		require.Equal(t, 443, req.Protocol.Port)
		require.Equal(t, "192.0.2.1:443", req.Protocol.Addr)
		require.Equal(t, "https://remote.example.org/dst/file", req.Protocol.URI)
		require.Equal(t, "oidc", req.Protocol.Credential.Source)
		require.Equal(t, "adler32", req.Protocol.Checksum)
		require.Equal(t, map[string]string{"Authorization": "Bearer remote"}, req.Protocol.Headers)

		start := now.Add(-time.Minute)
		for _, bytes := range []int64{10, 11} {
			fx.mgr.onStatus(running(bytes, start))
			fx.sched.Tick()
			synctest.Wait()
		}

		marker := fmt.Sprintf(`Perf Marker
    Timestamp: %d
    State: 2
    State description: running
    Stripe Index: 0
    Stripe Start Time: %d
    Stripe Last Transferred: %d
    Stripe Transfer Time: 3
    Stripe Bytes Transferred: 10
    Stripe Status: Running
    Total Stripe Count: 1
    RemoteConnections: tcp:192.0.2.1:443
End
`, now.Unix(), start.Unix(), start.Add(3*time.Second).Unix())
		require.True(t, strings.HasPrefix(p.Body(), marker), p.Body())
		require.Contains(t, p.Body(), "Stripe Bytes Transferred: 11\n")

		status := tr.Status()
		require.Equal(t, transfer.PhaseActive, status.Phase)
		require.Equal(t, "pool-a", status.Pool)
		require.Equal(t, model.StateRunning, status.State)
		require.Equal(t, now.Add(-3*time.Second), status.StartedAt)
		require.Equal(t, int64(11), status.Transferred())
		require.NotNil(t, status.ExpectedSize)
		require.Equal(t, int64(11), *status.ExpectedSize)

		fx.mgr.complete(t, tr.ID())
		synctest.Wait()

		require.NoError(t, tr.Future().Wait(t.Context()))
		require.True(t, strings.HasSuffix(p.Body(), "End\nsuccess: Created\n"), p.Body())
		require.Equal(t, 1, strings.Count(p.Body(), "success:"))
		require.Equal(t, "adler32=1a0b045d", p.Trailer("Digest"))
		require.Equal(t, 1, p.Completed())
		require.Zero(t, fx.h.Registry().Len())
		require.Zero(t, fx.sched.active())

		got := fx.finished.all()
		require.Len(t, got, 1)
		require.NoError(t, got[0].err)
		require.Equal(t, transfer.PhaseDone, got[0].status.Phase)
		require.Equal(t, now, got[0].status.FinishedAt)
	})
}

func TestPushDigestHeaderWithoutTrailers(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		fx := setup(t, transfer.Config{})
		defer fx.close()
		fx.write(t, "/data/file", "hello world")

		p := newPeer(false)
		tr, err := fx.h.AcceptRequest(t.Context(), pushRequest("/data/file"), p)
		require.NoError(t, err)
		require.Equal(t, "adler32=1a0b045d", p.Header("Digest"))
		require.Empty(t, p.Header("Trailer"))

		fx.mgr.complete(t, tr.ID())
		synctest.Wait()
		require.NoError(t, tr.Future().Err())
		require.Equal(t, "success: Created\n", p.Body())
		require.Empty(t, p.Trailer("Digest"))
	})
}

func TestPullFailureRemovesEntry(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		fx := setup(t, transfer.Config{})
		defer fx.close()

		p := newPeer(true)
		tr, err := fx.h.AcceptRequest(t.Context(), pullRequest("/data/pulled"), p)
		require.NoError(t, err)
		require.True(t, fx.exists("/data/pulled"))
		require.Empty(t, p.Header("Trailer"))

		attrs, err := fx.ns.Resolve(t.Context(), "/data/pulled", "")
		require.NoError(t, err)
		require.Equal(t, "https://remote.example.org/src/file", attrs.Xattrs[namespace.XattrOriginURL])
		require.Equal(t, attrs.ID, fx.mgr.lastSubmitted().FileID)

		fx.mgr.fail(t, tr.ID(), "disk full")
		synctest.Wait()

		require.EqualError(t, tr.Future().Err(), "disk full")
		require.Equal(t, "failure: disk full\n", p.Body())
		require.False(t, fx.exists("/data/pulled"))
		require.Zero(t, fx.h.Registry().Len())
		require.Equal(t, 1, p.Completed())
	})
}

func TestPullFailureCleanup(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    func(t *testing.T, fx *fixture)
		then     string
	}{
		{
			scenario: "entry already gone",
			given: func(t *testing.T, fx *fixture) {
				require.NoError(t, os.Remove(fx.ns.Abs("/data/pulled")))
			},
			then: "failure: disk full\n",
		},
		{
			scenario: "entry cannot be removed",
			given: func(t *testing.T, fx *fixture) {
				require.NoError(t, os.Remove(fx.ns.Abs("/data/pulled")))
				require.NoError(t, os.Mkdir(fx.ns.Abs("/data/pulled"), 0o755))
			},
			then: "failure: disk full (failed to remove badly transferred file: data/pulled is a directory)\n",
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				fx := setup(t, transfer.Config{})
				defer fx.close()

				p := newPeer(true)
				tr, err := fx.h.AcceptRequest(t.Context(), pullRequest("/data/pulled"), p)
				require.NoError(t, err)
				tt.given(t, fx)

				fx.mgr.fail(t, tr.ID(), "disk full")
				synctest.Wait()

				require.Equal(t, tt.then, p.Body())
				require.EqualError(t, tr.Future().Err(), strings.TrimSuffix(strings.TrimPrefix(tt.then, "failure: "), "\n"))
				require.Zero(t, fx.h.Registry().Len())
				require.Equal(t, 1, p.Completed())
			})
		})
	}
}

func TestStalledPeer(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		fx := setup(t, transfer.Config{})
		defer fx.close()
		fx.write(t, "/data/file", "hello world")

		p := newPeer(false)
		tr, err := fx.h.AcceptRequest(t.Context(), pushRequest("/data/file"), p)
		require.NoError(t, err)

		block := p.stall()
		fx.mgr.onStatus(running(5, time.Now()))
		fx.sched.Tick()
		synctest.Wait()

		// the marker write is stuck, the state is still readable
		s := tr.Status()
		require.Equal(t, model.StateRunning, s.State)
		require.Equal(t, "pool-a", s.Pool)
		require.Len(t, fx.h.Transfers(), 1)
		require.Empty(t, p.Body())

		close(block)
		synctest.Wait()
		require.Equal(t, 1, strings.Count(p.Body(), "Perf Marker\n"))

		fx.mgr.fail(t, tr.ID(), "aborted")
		synctest.Wait()
		require.True(t, strings.HasSuffix(p.Body(), "End\nfailure: aborted\n"), p.Body())
	})
}

func TestNotificationBeforeReply(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    func(*model.TransferRequest) any
		then     string
	}{
		{
			scenario: "failed",
			given: func(req *model.TransferRequest) any {
				return &model.TransferFailed{ID: req.ID, Error: "exit status 3: connection refused"}
			},
			then: "exit status 3: connection refused",
		},
		{
			scenario: "complete",
			given: func(req *model.TransferRequest) any {
				return &model.TransferComplete{ID: req.ID}
			},
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				fx := setup(t, transfer.Config{})
				defer fx.close()
				fx.write(t, "/data/file", "hello world")

				fx.mgr.onSubmit(func(req *model.TransferRequest) bool {
					req.ID = 42
					require.NoError(t, fx.mgr.conn.Send(t.Context(), doorAddr, tt.given(req)))
					// the notification is handled before the reply leaves
					synctest.Wait()
					return true
				})

				p := newPeer(false)
				tr, err := fx.h.AcceptRequest(t.Context(), pushRequest("/data/file"), p)
				require.NoError(t, err)
				synctest.Wait()

				require.Zero(t, fx.h.Registry().Len())
				require.Equal(t, 1, p.Completed())
				if tt.then == "" {
					require.NoError(t, tr.Future().Err())
					require.Equal(t, "success: Created\n", p.Body())
				} else {
					require.EqualError(t, tr.Future().Err(), tt.then)
					require.Equal(t, "failure: "+tt.then+"\n", p.Body())
				}

				// nothing is kept once no submission is in flight
				fx.mgr.fail(t, 43, "late")
				synctest.Wait()
				fx.mgr.onSubmit(func(req *model.TransferRequest) bool {
					req.ID = 43
					return true
				})
				tr, err = fx.h.AcceptRequest(t.Context(), pushRequest("/data/file"), newPeer(false))
				require.NoError(t, err)
				synctest.Wait()
				require.Equal(t, 1, fx.h.Registry().Len())
				require.Nil(t, tr.Future().Err())
			})
		})
	}
}

func TestPullDigestTrailer(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		fx := setup(t, transfer.Config{})
		defer fx.close()

		req := pullRequest("/data/pulled")
		req.WantDigest = checksum.MD5
		p := newPeer(true)
		tr, err := fx.h.AcceptRequest(t.Context(), req, p)
		require.NoError(t, err)
		require.Equal(t, "Digest", p.Header("Trailer"))

		// the manager writes the data
		fx.write(t, "/data/pulled", "hello world")
		fx.mgr.complete(t, tr.ID())
		synctest.Wait()

		require.NoError(t, tr.Future().Err())
		require.Equal(t, "md5=XrY7u+Ae7tCTyyK7j1rNww==", p.Trailer("Digest"))
		require.True(t, fx.exists("/data/pulled"))
	})
}

func TestPullOverwrite(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		fx := setup(t, transfer.Config{})
		defer fx.close()
		fx.write(t, "/data/pulled", "old content")

		req := pullRequest("/data/pulled")
		_, err := fx.h.AcceptRequest(t.Context(), req, newPeer(false))
		var reqErr *transfer.RequestError
		require.ErrorAs(t, err, &reqErr)
		require.Equal(t, http.StatusPreconditionFailed, reqErr.Status)

		req.Overwrite = true
		tr, err := fx.h.AcceptRequest(t.Context(), req, newPeer(false))
		require.NoError(t, err)
		attrs, err := fx.ns.Resolve(t.Context(), "/data/pulled", "")
		require.NoError(t, err)
		require.Nil(t, attrs.Size, "recreated entry is empty")
		require.NoError(t, fx.h.Shutdown(t.Context()))
		require.EqualError(t, tr.Future().Err(), transfer.ShutdownMessage)
	})
}

func TestAcceptErrors(t *testing.T) {
	t.Parallel()

	type given struct {
		req    func() transfer.Request
		submit func(*model.TransferRequest) bool
	}
	type then struct {
		status int
		msg    string
		kind   model.Kind
	}
	denied := func(r *model.TransferRequest) bool {
		r.SetFailed(model.CodePermissionDenied, "no quota")
		return true
	}
	var testCases = []struct {
		scenario string
		given    given
		then     then
	}{
		{
			"unsupported scheme",
			given{req: func() transfer.Request {
				r := pushRequest("/data/file")
				r.Remote = mustURL("ftp://remote.example.org/f")
				return r
			}},
			then{http.StatusBadRequest, `"ftp" is not a supported transfer scheme, use one of gsiftp, http, https`, model.KindUnsupportedTransport},
		},
		{
			"unsupported credential",
			given{req: func() transfer.Request {
				r := pushRequest("/data/file")
				r.Remote = mustURL("http://remote.example.org/f")
				return r
			}},
			then{http.StatusBadRequest, "oidc credential is not supported for http transfers", model.KindUnsupportedTransport},
		},
		{
			"unknown host",
			given{req: func() transfer.Request {
				r := pullRequest("/data/new")
				r.Remote = mustURL("https://nowhere.example.org/f")
				return r
			}},
			then{http.StatusBadRequest, "Unknown source hostname", ""},
		},
		{
			"unknown destination host",
			given{req: func() transfer.Request {
				r := pushRequest("/data/file")
				r.Remote = mustURL("https://nowhere.example.org/f")
				return r
			}},
			then{http.StatusBadRequest, "Unknown destination hostname", ""},
		},
		{
			"push missing file",
			given{req: func() transfer.Request { return pushRequest("/data/missing") }},
			then{http.StatusNotFound, "no such file", model.KindNotFound},
		},
		{
			"push directory",
			given{req: func() transfer.Request { return pushRequest("/data") }},
			then{http.StatusBadRequest, "Not a file", ""},
		},
		{
			"pull existing file",
			given{req: func() transfer.Request { return pullRequest("/data/file") }},
			then{http.StatusPreconditionFailed, "File already exists", model.KindAlreadyExists},
		},
		{
			"pull missing parent",
			given{req: func() transfer.Request { return pullRequest("/nope/file") }},
			then{http.StatusConflict, "parent directory of nope/file does not exist", model.KindConflict},
		},
		{
			"manager silent",
			given{req: func() transfer.Request { return pullRequest("/data/new") }, submit: silent[*model.TransferRequest]},
			then{http.StatusServiceUnavailable, "transfer service unavailable", model.KindTimeout},
		},
		{
			"manager refuses",
			given{req: func() transfer.Request { return pullRequest("/data/new") }, submit: denied},
			then{http.StatusInternalServerError, "transfer not accepted: no quota", model.KindPermissionDenied},
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				fx := setup(t, transfer.Config{})
				defer fx.close()
				fx.write(t, "/data/file", "hello world")
				if tt.given.submit != nil {
					fx.mgr.onSubmit(tt.given.submit)
				}

				p := newPeer(true)
				tr, err := fx.h.AcceptRequest(t.Context(), tt.given.req(), p)
				require.Nil(t, tr)
				var reqErr *transfer.RequestError
				require.ErrorAs(t, err, &reqErr)
				require.Equal(t, tt.then.status, reqErr.Status)
				require.Equal(t, tt.then.msg, reqErr.Message)
				if tt.then.kind != "" {
					require.Equal(t, tt.then.kind, model.KindOf(err))
				}

				require.Zero(t, p.Status(), "peer must not be written to")
				require.Zero(t, fx.h.Registry().Len())
				require.Zero(t, fx.sched.active())
				require.False(t, fx.exists("/data/new"), "no partial entry")
				require.True(t, fx.exists("/data/file"))
			})
		})
	}
}

func TestMissingStrikes(t *testing.T) {
	t.Parallel()

	type given struct {
		strikes int
		replies []string
	}
	var testCases = []struct {
		scenario string
		given    given
		then     bool
	}{
		{"one missing", given{0, []string{"missing"}}, false},
		{"two missing", given{0, []string{"missing", "missing"}}, true},
		{"reset by success", given{0, []string{"missing", "ok", "missing"}}, false},
		{"not reset by timeout", given{0, []string{"missing", "silent", "missing"}}, true},
		{"three strikes configured", given{3, []string{"missing", "missing"}}, false},
		{"three strikes reached", given{3, []string{"missing", "missing", "missing"}}, true},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				fx := setup(t, transfer.Config{MissingStrikes: tt.given.strikes})
				defer fx.close()
				fx.write(t, "/data/file", "hello world")

				p := newPeer(false)
				tr, err := fx.h.AcceptRequest(t.Context(), pushRequest("/data/file"), p)
				require.NoError(t, err)

				for _, reply := range tt.given.replies {
					switch reply {
					case "missing":
						fx.mgr.onStatus(missing)
					case "ok":
						fx.mgr.onStatus(nil)
					case "silent":
						fx.mgr.onStatus(silent[*model.TransferStatusQuery])
					}
					fx.sched.Tick()
					synctest.Wait()
					// let a pending query time out
					time.Sleep(transfer.DefaultMarkerPeriod)
					synctest.Wait()
				}

				if !tt.then {
					require.Equal(t, 1, fx.h.Registry().Len())
					require.Nil(t, tr.Future().Err())
					require.Equal(t, len(tt.given.replies), strings.Count(p.Body(), "Perf Marker\n"))
					return
				}
				require.Zero(t, fx.h.Registry().Len())
				require.EqualError(t, tr.Future().Err(), "RemoteTransferManager restarted")
				require.True(t, strings.HasSuffix(p.Body(), "failure: RemoteTransferManager restarted\n"), p.Body())
				require.Zero(t, fx.sched.active())
			})
		})
	}
}

func TestPeerGone(t *testing.T) {
	t.Parallel()

	t.Run("cancel accepted", func(t *testing.T) {
		t.Parallel()
		synctest.Test(t, func(t *testing.T) {
			fx := setup(t, transfer.Config{})
			defer fx.close()
			p := newPeer(false)
			tr, err := fx.h.AcceptRequest(t.Context(), pullRequest("/data/pulled"), p)
			require.NoError(t, err)

			p.disconnect()
			for range 3 {
				fx.sched.Tick()
				synctest.Wait()
			}
			require.Equal(t, []int64{tr.ID()}, fx.mgr.cancelled())
			require.Equal(t, 1, fx.h.Registry().Len(), "only the manager ends the transfer")

			fx.mgr.fail(t, tr.ID(), "client went away")
			synctest.Wait()
			require.EqualError(t, tr.Future().Err(), "client went away")
			require.False(t, fx.exists("/data/pulled"))
		})
	})

	t.Run("cancel unanswered", func(t *testing.T) {
		t.Parallel()
		synctest.Test(t, func(t *testing.T) {
			fx := setup(t, transfer.Config{})
			defer fx.close()
			fx.mgr.onCancel(silent[*model.CancelTransfer])
			p := newPeer(false)
			tr, err := fx.h.AcceptRequest(t.Context(), pullRequest("/data/pulled"), p)
			require.NoError(t, err)

			p.disconnect()
			for range 2 {
				fx.sched.Tick()
				synctest.Wait()
				time.Sleep(2 * time.Second)
				synctest.Wait()
			}
			require.Equal(t, []int64{tr.ID(), tr.ID()}, fx.mgr.cancelled(), "retried after timeout")
			require.Equal(t, 1, fx.h.Registry().Len())
			require.Nil(t, tr.Future().Err())
			require.Zero(t, p.Completed())

			require.NoError(t, fx.h.Shutdown(t.Context()))
			require.EqualError(t, tr.Future().Err(), transfer.ShutdownMessage)
		})
	})

	t.Run("transfer unknown to manager", func(t *testing.T) {
		t.Parallel()
		synctest.Test(t, func(t *testing.T) {
			fx := setup(t, transfer.Config{})
			defer fx.close()
			fx.mgr.onCancel(func(c *model.CancelTransfer) bool {
				c.SetFailed(model.CodeResourceMissing, "no such transfer")
				return true
			})
			p := newPeer(false)
			tr, err := fx.h.AcceptRequest(t.Context(), pullRequest("/data/pulled"), p)
			require.NoError(t, err)

			p.disconnect()
			fx.sched.Tick()
			synctest.Wait()

			require.EqualError(t, tr.Future().Err(), "client went away, but failed to cancel transfer: no such transfer")
			require.Zero(t, fx.h.Registry().Len())
			require.False(t, fx.exists("/data/pulled"))
			require.Equal(t, 1, p.Completed())
		})
	})
}

func TestConcurrentTriggers(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		fx := setup(t, transfer.Config{})
		defer fx.close()
		fx.mgr.onCancel(func(c *model.CancelTransfer) bool {
			c.SetFailed(model.CodeResourceMissing, "no such transfer")
			return true
		})
		p := newPeer(false)
		tr, err := fx.h.AcceptRequest(t.Context(), pullRequest("/data/pulled"), p)
		require.NoError(t, err)

		p.disconnect()
		fx.sched.Tick()
		fx.mgr.fail(t, tr.ID(), "aborted")
		synctest.Wait()

		require.Error(t, tr.Future().Err())
		require.Equal(t, 1, strings.Count(p.Body(), "failure:"))
		require.Equal(t, 1, p.Completed())
		require.Len(t, fx.finished.all(), 1)
		require.Zero(t, fx.h.Registry().Len())
	})
}

func TestFinalizeOnce(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		fx := setup(t, transfer.Config{})
		defer fx.close()
		fx.write(t, "/data/file", "hello world")
		p := newPeer(true)
		tr, err := fx.h.AcceptRequest(t.Context(), pushRequest("/data/file"), p)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := range 20 {
			wg.Go(func() {
				if i%2 == 0 {
					fx.mgr.complete(t, tr.ID())
				} else {
					fx.mgr.fail(t, tr.ID(), "failed")
				}
			})
		}
		wg.Go(func() {
			_ = fx.h.Shutdown(t.Context())
		})
		wg.Wait()
		synctest.Wait()

		body := p.Body()
		require.Equal(t, 1, strings.Count(body, "success:")+strings.Count(body, "failure:"), body)
		require.Equal(t, 1, p.Completed())
		require.Len(t, fx.finished.all(), 1)
	})
}

func TestNotifications(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		fx := setup(t, transfer.Config{})
		defer fx.close()
		fx.write(t, "/data/file", "hello world")
		tr, err := fx.h.AcceptRequest(t.Context(), pushRequest("/data/file"), newPeer(false))
		require.NoError(t, err)

		fx.mgr.complete(t, tr.ID()+100)
		fx.mgr.fail(t, tr.ID()+100, "not ours")
		synctest.Wait()
		require.Equal(t, 1, fx.h.Registry().Len())

		fx.mgr.fail(t, tr.ID(), "")
		synctest.Wait()
		require.EqualError(t, tr.Future().Err(), "transfer failed")
	})
}

func TestSchedulerFailure(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		fx := setup(t, transfer.Config{})
		defer fx.close()
		fx.sched.err = errors.New("scheduler stopped")
		fx.write(t, "/data/file", "hello world")

		p := newPeer(false)
		tr, err := fx.h.AcceptRequest(t.Context(), pushRequest("/data/file"), p)
		require.NoError(t, err)
		require.EqualError(t, tr.Future().Err(), "scheduling progress markers: scheduler stopped")
		require.Equal(t, "failure: scheduling progress markers: scheduler stopped\n", p.Body())
		require.Zero(t, fx.h.Registry().Len())
	})
}

func TestShutdown(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		fx := setup(t, transfer.Config{})
		defer fx.close()
		fx.write(t, "/data/file", "hello world")

		push, err := fx.h.AcceptRequest(t.Context(), pushRequest("/data/file"), newPeer(false))
		require.NoError(t, err)
		pull, err := fx.h.AcceptRequest(t.Context(), pullRequest("/data/pulled"), newPeer(false))
		require.NoError(t, err)
		require.Len(t, fx.h.Transfers(), 2)

		require.NoError(t, fx.h.Shutdown(t.Context()))
		require.EqualError(t, push.Future().Err(), transfer.ShutdownMessage)
		require.EqualError(t, pull.Future().Err(), transfer.ShutdownMessage)
		require.False(t, fx.exists("/data/pulled"))
		require.True(t, fx.exists("/data/file"))
		require.Empty(t, fx.h.Transfers())
		require.Zero(t, fx.sched.active())

		fx.mgr.complete(t, push.ID())
		synctest.Wait()
		require.Len(t, fx.finished.all(), 2)

		late := newPeer(false)
		_, err = fx.h.AcceptRequest(t.Context(), pushRequest("/data/file"), late)
		var rerr *transfer.RequestError
		require.ErrorAs(t, err, &rerr)
		require.Equal(t, http.StatusServiceUnavailable, rerr.Status)
		require.Zero(t, late.Status())
	})
}
