package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/vrutest/internal/fault"
	"github.com/banshee-data/vrutest/internal/session"
)

// Ensure Server implements the gRPC interface.
var _ ObserverServer = (*Server)(nil)

// maxMsgSize bounds a snapshot or envelope; result logs are the largest.
const maxMsgSize = 16 * 1024 * 1024 // 16 MB

// Server implements the Observer service on top of the session registry.
type Server struct {
	reg *session.Registry
}

func NewServer(reg *session.Registry) *Server {
	return &Server{reg: reg}
}

// NewGRPCServer builds a grpc.Server with the Observer service registered.
func NewGRPCServer(reg *session.Registry) *grpc.Server {
	s := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	RegisterObserverServer(s, NewServer(reg))
	return s
}

// Serve listens on addr and serves until ctx is done.
func Serve(ctx context.Context, addr string, s *grpc.Server) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()
	log.Printf("[gRPC] observer service listening on %s", lis.Addr())
	if err := s.Serve(lis); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// statusOf maps a fault onto a gRPC status.
func statusOf(err error) error {
	if err == nil {
		return nil
	}
	code := codes.Internal
	switch fault.KindOf(err) {
	case fault.SessionNotFound:
		code = codes.NotFound
	case fault.InvalidState, fault.SyncNotEnabled:
		code = codes.FailedPrecondition
	case fault.InvalidAction, fault.MalformedDetection, fault.MalformedMessage:
		code = codes.InvalidArgument
	case fault.Overflow:
		code = codes.ResourceExhausted
	}
	return status.Error(code, fault.Reason(err))
}

// toStruct converts any JSON-encodable value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func sessionIDOf(req *structpb.Struct) (string, error) {
	id := strings.TrimSpace(req.GetFields()["session_id"].GetStringValue())
	if id == "" {
		return "", status.Error(codes.InvalidArgument, "session_id is required")
	}
	return id, nil
}

func (s *Server) GetState(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := sessionIDOf(req)
	if err != nil {
		return nil, err
	}
	snap, err := s.reg.GetState(ctx, id)
	if err != nil {
		return nil, statusOf(err)
	}
	out, err := toStruct(snap)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode snapshot: %v", err)
	}
	return out, nil
}

func (s *Server) ListActive(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	active := s.reg.ListActive(ctx)
	if active == nil {
		active = []session.PlaybackState{}
	}
	out, err := toStruct(map[string]any{"sessions": active})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode sessions: %v", err)
	}
	return out, nil
}

// Watch subscribes the caller as an observer. Defined sessions that are
// not yet active are loaded first, as for WebSocket observers.
func (s *Server) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	id, err := sessionIDOf(req)
	if err != nil {
		return err
	}
	ctx := stream.Context()
	if _, err := s.reg.Load(ctx, id); err != nil {
		return statusOf(err)
	}
	observerID := "grpc-" + uuid.New().String()
	obs, err := s.reg.Subscribe(ctx, id, observerID)
	if err != nil {
		return statusOf(err)
	}
	defer s.reg.Unsubscribe(id, observerID)
	log.Printf("[gRPC] %s watching session %s", observerID, id)

	events := obs.Events()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[gRPC] %s cancelled", observerID)
			return status.FromContextError(ctx.Err()).Err()
		case env, ok := <-events:
			if !ok {
				log.Printf("[gRPC] %s stream ended", observerID)
				return nil
			}
			msg, err := toStruct(env)
			if err != nil {
				return status.Errorf(codes.Internal, "failed to encode %s: %v", env.Type, err)
			}
			if err := stream.SendMsg(msg); err != nil {
				log.Printf("[gRPC] Send error: %v", err)
				return err
			}
		}
	}
}
