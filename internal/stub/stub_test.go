package stub_test

import (
	"context"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/Courier/internal/bus"
	"github.com/CZERTAINLY/Courier/internal/model"
	"github.com/CZERTAINLY/Courier/internal/stub"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// worker answers transfer requests depending on the requested path.
func worker(t *testing.T, local *bus.Local) {
	t.Helper()
	var conn *bus.Conn
	conn, err := local.Connect("worker", bus.HandlerFunc(func(ctx context.Context, msg *bus.Message) {
		req, ok := msg.Payload.(*model.TransferRequest)
		if !ok {
			return
		}
		switch req.Path {
		case "/ok":
			req.ID = 42
			_ = conn.Reply(ctx, msg, req)
		case "/denied":
			req.SetFailed(model.CodePermissionDenied, "Permission denied")
			_ = conn.Reply(ctx, msg, req)
		case "/weird":
			req.SetFailed(777, "strange")
			_ = conn.Reply(ctx, msg, req)
		case "/fault":
			_ = conn.Reply(ctx, msg, model.FaultFrom(model.Errorf(model.KindAlreadyExists, "exists")))
		case "/other":
			_ = conn.Reply(ctx, msg, &model.CancelTransfer{ID: 1})
		case "/silent":
		case "/reply-required":
			req.ID = 1
			if !req.ReplyRequired || !msg.ReplyRequired {
				req.SetFailed(model.CodeInvalidArgs, "reply not required")
			}
			_ = conn.Reply(ctx, msg, req)
		}
	}))
	require.NoError(t, err)
}

func client(t *testing.T, local *bus.Local, timeout time.Duration) stub.Stub {
	t.Helper()
	conn, err := local.Connect("door", nil)
	require.NoError(t, err)
	return stub.New(conn, "worker", timeout)
}

func TestCallAndWait(t *testing.T) {
	t.Parallel()
	local := bus.NewLocal(t.Context())
	t.Cleanup(local.Close)
	worker(t, local)
	s := client(t, local, time.Second)

	type then struct {
		id   int64
		kind model.Kind
		msg  string
	}
	var testCases = []struct {
		scenario string
		given    string
		then     then
	}{
		{"success", "/ok", then{id: 42}},
		{"reply required", "/reply-required", then{id: 1}},
		{"status code", "/denied", then{kind: model.KindPermissionDenied, msg: "Permission denied"}},
		{"unmapped status code", "/weird", then{kind: model.KindInternal, msg: "strange (status code 777)"}},
		{"fault", "/fault", then{kind: model.KindAlreadyExists, msg: "exists"}},
		{"unexpected type", "/other", then{kind: model.KindUnexpectedReplyType,
			msg: "got unexpected message of type *model.CancelTransfer from worker"}},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			reply, err := stub.CallAndWait(t.Context(), s, &model.TransferRequest{Path: tc.given})
			if tc.then.kind != "" {
				require.Error(t, err)
				require.Equal(t, tc.then.kind, model.KindOf(err))
				require.EqualError(t, err, tc.then.msg)
				require.Nil(t, reply)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then.id, reply.ID)
		})
	}
}

func TestCallAndWait_NoRoute(t *testing.T) {
	t.Parallel()
	local := bus.NewLocal(t.Context())
	t.Cleanup(local.Close)
	s := client(t, local, time.Second)

	_, err := stub.CallAndWait(t.Context(), s, &model.TransferRequest{Path: "/ok"})
	require.ErrorIs(t, err, model.ErrTimeout)
	require.EqualError(t, err, "no route to worker")

	_, err = stub.CallAndWait(t.Context(), s.WithDestination(""), &model.TransferRequest{})
	require.ErrorIs(t, err, stub.ErrNoDestination)
}

func TestCallAndWait_Timeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		local := bus.NewLocal(t.Context())
		defer local.Close()
		worker(t, local)
		s := client(t, local, 3*time.Second)

		start := time.Now()
		_, err := stub.CallAndWait(t.Context(), s, &model.TransferRequest{Path: "/silent"})
		require.ErrorIs(t, err, model.ErrTimeout)
		require.EqualError(t, err, "request to worker timed out")
		require.Equal(t, 3*time.Second, time.Since(start))
	})
}

func TestCallAndWait_Canceled(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		local := bus.NewLocal(t.Context())
		defer local.Close()
		worker(t, local)
		s := client(t, local, time.Minute)

		ctx, cancel := context.WithTimeout(t.Context(), time.Second)
		defer cancel()
		_, err := stub.CallAndWait(ctx, s, &model.TransferRequest{Path: "/silent"})
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestCall(t *testing.T) {
	t.Parallel()
	local := bus.NewLocal(t.Context())
	t.Cleanup(local.Close)
	worker(t, local)
	s := client(t, local, time.Second)

	type then struct {
		outcome stub.Outcome
		id      int64
		code    int
		detail  string
	}
	var testCases = []struct {
		scenario string
		given    string
		then     then
	}{
		{"success", "/ok", then{outcome: stub.OutcomeSuccess, id: 42}},
		{"status code", "/denied", then{outcome: stub.OutcomeFailure, code: model.CodePermissionDenied, detail: "Permission denied"}},
		{"fault", "/fault", then{outcome: stub.OutcomeFailure, code: model.CodeAlreadyExists, detail: "exists"}},
		{"unexpected type", "/other", then{outcome: stub.OutcomeFailure, code: model.CodeUnexpected,
			detail: "unexpected reply: *model.CancelTransfer from worker"}},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			r := <-stub.Await(t.Context(), s, &model.TransferRequest{Path: tc.given})
			require.Equal(t, tc.then.outcome, r.Outcome)
			if tc.then.outcome == stub.OutcomeSuccess {
				require.NoError(t, r.Err())
				require.Equal(t, tc.then.id, r.Reply.ID)
				return
			}
			require.Equal(t, tc.then.code, r.Code)
			require.Equal(t, tc.then.detail, r.Detail)
			require.Error(t, r.Err())
		})
	}

	t.Run("no route", func(t *testing.T) {
		r := <-stub.Await(t.Context(), s.WithDestination("gone"), &model.TransferRequest{Path: "/ok"})
		require.Equal(t, stub.OutcomeNoRoute, r.Outcome)
		require.Equal(t, bus.Address("gone"), r.Destination)
		require.ErrorIs(t, r.Err(), model.ErrTimeout)
	})
}

func TestCall_Timeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		local := bus.NewLocal(t.Context())
		defer local.Close()
		worker(t, local)
		s := client(t, local, time.Second)

		var outcomes []string
		done := make(chan struct{})
		err := stub.Call(t.Context(), s.WithTimeout(500*time.Millisecond), &model.TransferRequest{Path: "/silent"},
			stub.Funcs[*model.TransferRequest]{
				OnSuccess: func(*model.TransferRequest) { outcomes = append(outcomes, "success") },
				OnTimeout: func(detail string) {
					outcomes = append(outcomes, detail)
					close(done)
				},
			})
		require.NoError(t, err)
		<-done
		time.Sleep(time.Second)
		synctest.Wait()
		require.Equal(t, []string{"request to worker timed out"}, outcomes)
	})
}

func TestCall_NoDestination(t *testing.T) {
	t.Parallel()
	local := bus.NewLocal(t.Context())
	t.Cleanup(local.Close)
	s := client(t, local, time.Second).WithDestination("")

	called := false
	err := stub.Call(t.Context(), s, &model.TransferRequest{}, stub.Funcs[*model.TransferRequest]{
		OnFailure: func(int, string) { called = true },
		OnNoRoute: func(bus.Address) { called = true },
	})
	require.ErrorIs(t, err, stub.ErrNoDestination)
	require.False(t, called)
}

func TestSend(t *testing.T) {
	t.Parallel()
	local := bus.NewLocal(t.Context())
	t.Cleanup(local.Close)
	s := client(t, local, time.Second)

	got := make(chan *model.TransferComplete, 1)
	_, err := local.Connect("sink", bus.HandlerFunc(func(_ context.Context, msg *bus.Message) {
		got <- msg.Payload.(*model.TransferComplete)
	}))
	require.NoError(t, err)

	require.NoError(t, s.SendTo(t.Context(), "sink", &model.TransferComplete{ID: 9}))
	require.Equal(t, int64(9), (<-got).ID)

	// nobody listens on worker
	require.NoError(t, s.Send(t.Context(), &model.TransferComplete{ID: 9}))
}
