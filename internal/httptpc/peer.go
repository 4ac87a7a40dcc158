package httptpc

import (
	"context"
	"net/http"
	"sync"

	"github.com/CZERTAINLY/Courier/internal/transfer"
)

// responsePeer streams a transfer's progress into an HTTP response. The
// handler goroutine must not return before done is closed.
type responsePeer struct {
	w        http.ResponseWriter
	rc       *http.ResponseController
	ctx      context.Context
	trailers bool
	once     sync.Once
	done     chan struct{}
}

var _ transfer.Peer = (*responsePeer)(nil)

func newPeer(w http.ResponseWriter, r *http.Request) *responsePeer {
	return &responsePeer{
		w:        w,
		rc:       http.NewResponseController(w),
		ctx:      r.Context(),
		trailers: acceptsTrailers(r),
		done:     make(chan struct{}),
	}
}

func (p *responsePeer) SetHeader(key, value string) {
	p.w.Header().Set(key, value)
}

func (p *responsePeer) Commit(status int) error {
	p.w.WriteHeader(status)
	return p.rc.Flush()
}

func (p *responsePeer) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	if err != nil {
		return n, err
	}
	return n, p.rc.Flush()
}

func (p *responsePeer) SetTrailer(key, value string) {
	p.w.Header().Set(http.TrailerPrefix+key, value)
}

func (p *responsePeer) AcceptsTrailers() bool {
	return p.trailers
}

func (p *responsePeer) Connected() bool {
	return p.ctx.Err() == nil
}

func (p *responsePeer) Complete() {
	p.once.Do(func() { close(p.done) })
}
