package namespace

import (
	"context"
	"log/slog"

	"github.com/CZERTAINLY/Courier/internal/bus"
	"github.com/CZERTAINLY/Courier/internal/checksum"
	"github.com/CZERTAINLY/Courier/internal/model"
	"github.com/CZERTAINLY/Courier/internal/stub"
)

// Client is a Namespace served by another bus endpoint.
type Client struct {
	stub stub.Stub
}

var _ Namespace = Client{}

func NewClient(s stub.Stub) Client {
	return Client{stub: s}
}

func (c Client) Resolve(ctx context.Context, path string, want checksum.Type) (model.FileAttributes, error) {
	reply, err := stub.CallAndWait(ctx, c.stub, &model.NamespaceResolve{Path: path, Checksum: string(want)})
	if err != nil {
		return model.FileAttributes{}, err
	}
	if reply.Attrs == nil {
		return model.FileAttributes{}, model.Errorf(model.KindInternal, "namespace returned no attributes for %s", path)
	}
	return *reply.Attrs, nil
}

func (c Client) CreateEntry(ctx context.Context, path string, xattrs map[string]string) (model.FileAttributes, error) {
	reply, err := stub.CallAndWait(ctx, c.stub, &model.NamespaceCreate{Path: path, Xattrs: xattrs})
	if err != nil {
		return model.FileAttributes{}, err
	}
	if reply.Attrs == nil {
		return model.FileAttributes{}, model.Errorf(model.KindInternal, "namespace returned no attributes for %s", path)
	}
	return *reply.Attrs, nil
}

func (c Client) DeleteEntry(ctx context.Context, id, path string) error {
	_, err := stub.CallAndWait(ctx, c.stub, &model.NamespaceDelete{ID: id, Path: path})
	return err
}

func (c Client) FetchChecksum(ctx context.Context, path string, t checksum.Type) (string, bool, error) {
	reply, err := stub.CallAndWait(ctx, c.stub, &model.NamespaceChecksum{Path: path, Type: string(t)})
	if err != nil {
		return "", false, err
	}
	return reply.Value, reply.Value != "", nil
}

// Server answers namespace requests arriving on the bus.
type Server struct {
	ns Namespace
}

var _ bus.Handler = Server{}

func NewServer(ns Namespace) Server {
	return Server{ns: ns}
}

func (s Server) Deliver(ctx context.Context, msg *bus.Message) {
	var reply any
	switch req := msg.Payload.(type) {
	case *model.NamespaceResolve:
		attrs, err := s.ns.Resolve(ctx, req.Path, checksum.Type(req.Checksum))
		if err != nil {
			req.Fail(err)
		} else {
			req.Attrs = &attrs
		}
		reply = req
	case *model.NamespaceCreate:
		attrs, err := s.ns.CreateEntry(ctx, req.Path, req.Xattrs)
		if err != nil {
			req.Fail(err)
		} else {
			req.Attrs = &attrs
		}
		reply = req
	case *model.NamespaceDelete:
		if err := s.ns.DeleteEntry(ctx, req.ID, req.Path); err != nil {
			req.Fail(err)
		}
		reply = req
	case *model.NamespaceChecksum:
		value, _, err := s.ns.FetchChecksum(ctx, req.Path, checksum.Type(req.Type))
		if err != nil {
			req.Fail(err)
		}
		req.Value = value
		reply = req
	default:
		reply = &model.Fault{Code: model.CodeInvalidArgs, Message: "unsupported namespace request " + msg.Type}
	}

	if !msg.ReplyRequired {
		return
	}
	if err := msg.Reply(ctx, reply); err != nil {
		slog.WarnContext(ctx, "namespace reply failed", "source", msg.Source, "error", err)
	}
}
