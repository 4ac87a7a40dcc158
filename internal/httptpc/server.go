// Package httptpc serves third party copy over HTTP: a COPY request on a
// local path names the remote party in a Source (pull) or Destination
// (push) header and is answered with a stream of progress markers.
//
// It also serves the listing of active transfers as JSON.
package httptpc

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/CZERTAINLY/Courier/internal/model"
	"github.com/CZERTAINLY/Courier/internal/transfer"
)

const (
	ListPath = "/api/v1/transfers"

	contentTypeJSON    = "application/json"
	contentTypeProblem = "application/problem+json"
)

type server struct {
	h *transfer.Handler
}

// NewHandler routes COPY requests and the listing to h.
func NewHandler(h *transfer.Handler) http.Handler {
	s := server{h: h}
	mux := http.NewServeMux()
	mux.HandleFunc(MethodCopy+" /", s.copy)
	mux.HandleFunc(http.MethodGet+" "+ListPath, s.list)
	return mux
}

func (s server) copy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := ParseRequest(r)
	if err != nil {
		s.reject(w, r, err)
		return
	}

	peer := newPeer(w, r)
	t, err := s.h.AcceptRequest(ctx, req, peer)
	if err != nil {
		s.reject(w, r, err)
		return
	}
	// the response stays ours until the transfer has written its result,
	// even when the client is gone
	<-peer.done
	slog.DebugContext(ctx, "copy request done", "transfer_id", t.ID(), "error", t.Future().Err())
}

func (s server) reject(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := http.StatusInternalServerError, "Internal problem with server"
	var rerr *transfer.RequestError
	if errors.As(err, &rerr) {
		status, msg = rerr.Status, rerr.Message
	}
	slog.InfoContext(r.Context(), "copy rejected", "path", r.URL.Path, "status", status, "error", err)
	http.Error(w, msg, status)
}

type problem struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func writeProblem(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", contentTypeProblem)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem{
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
}

func (s server) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := transfer.Filter{
		Pool:       q.Get("pool"),
		Host:       q.Get("host"),
		LocalPath:  q.Get("local"),
		RemotePath: q.Get("remote"),
		Direction:  model.Direction(strings.ToUpper(q.Get("direction"))),
		IPFamily:   strings.ToLower(q.Get("ip")),
	}
	if err := f.Validate(); err != nil {
		writeProblem(w, http.StatusBadRequest, err.Error())
		return
	}
	order, err := transfer.ParseSort(q.Get("sort"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	if err := json.NewEncoder(w).Encode(s.h.List(f, order)); err != nil {
		slog.DebugContext(r.Context(), "writing listing failed", "error", err)
	}
}
