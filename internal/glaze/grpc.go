package glaze

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/glaze/internal/glazeerr"
	"github.com/banshee-data/glaze/internal/waveform"
)

// StreamScansMethod is the full gRPC method name of the waveform stream.
const StreamScansMethod = "/glaze.Acquisition/StreamScans"

// AcquisitionServer is the handler behind AcquisitionServiceDesc.
//
// The request is a Struct with two optional number fields: averaged_over,
// the scans averaged into each message, and count, the number of messages
// to send before ending the stream (0 streams until cancelled). Each
// response is a Struct holding session, sequence, averaged_over, and the
// time and signal lists.
type AcquisitionServer interface {
	StreamScans(req *structpb.Struct, stream grpc.ServerStream) error
}

// AcquisitionServiceDesc describes the glaze.Acquisition service. Messages
// are protobuf well-known types, so clients need no generated code.
var AcquisitionServiceDesc = grpc.ServiceDesc{
	ServiceName: "glaze.Acquisition",
	HandlerType: (*AcquisitionServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamScans",
			Handler:       streamScansHandler,
			ServerStreams: true,
		},
	},
	Metadata: "glaze/acquisition",
}

func streamScansHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(AcquisitionServer).StreamScans(req, stream)
}

// RegisterAcquisitionServer registers srv with s.
func RegisterAcquisitionServer(s *grpc.Server, srv AcquisitionServer) {
	s.RegisterService(&AcquisitionServiceDesc, srv)
}

// StreamServer feeds gRPC streams from a Client. Concurrent streams share
// the session queue, so each waveform goes to exactly one of them.
type StreamServer struct {
	client       *Client
	averagedOver int
}

// NewStreamServer returns a server that averages averagedOver scans per
// message unless the request asks otherwise.
func NewStreamServer(c *Client, averagedOver int) *StreamServer {
	return &StreamServer{client: c, averagedOver: max(1, averagedOver)}
}

// StreamScans sends averaged waveforms until the count is reached, the
// client cancels or the session ends.
func (s *StreamServer) StreamScans(req *structpb.Struct, stream grpc.ServerStream) error {
	fields := req.GetFields()
	n := s.averagedOver
	if v, ok := fields["averaged_over"]; ok {
		n = int(v.GetNumberValue())
	}
	count := int(fields["count"].GetNumberValue())
	if count < 0 {
		return status.Errorf(codes.InvalidArgument, "count must not be negative, got %d", count)
	}

	ctx := stream.Context()
	streams.Diagf("session %s: gRPC stream started, %d scans per message", s.client.ID(), n)
	for seq := 0; count == 0 || seq < count; seq++ {
		w, err := s.client.Next(ctx, n)
		if err != nil {
			return streamStatus(err)
		}
		msg, err := s.message(seq, n, w)
		if err != nil {
			return status.Errorf(codes.Internal, "encode waveform: %v", err)
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *StreamServer) message(seq, averagedOver int, w *waveform.Unprocessed) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"session":       s.client.ID().String(),
		"sequence":      seq,
		"averaged_over": averagedOver,
		"time":          floatList(w.Time()),
		"signal":        floatList(w.Signal()),
	})
}

func floatList(xs []float64) []any {
	out := make([]any, len(xs))
	for i, x := range xs {
		out[i] = x
	}
	return out
}

func streamStatus(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, glazeerr.ErrConfiguration):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrClosed), errors.Is(err, ErrWorkerStopped):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Aborted, err.Error())
	}
}

// ServeGRPC serves the acquisition stream for c on lis until ctx is done.
func ServeGRPC(ctx context.Context, lis net.Listener, c *Client, averagedOver int) error {
	srv := grpc.NewServer()
	RegisterAcquisitionServer(srv, NewStreamServer(c, averagedOver))

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(lis) }()
	streams.Opsf("session %s: serving gRPC on %s", c.ID(), lis.Addr())

	select {
	case <-ctx.Done():
		// Stop cancels open streams, which are blocked in Next.
		srv.Stop()
		<-errc
		return nil
	case err := <-errc:
		return fmt.Errorf("gRPC server on %s: %w", lis.Addr(), err)
	}
}
