package server

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cyrilcaoyang/opentrons-workflows/internal/batch"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/events"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/robots"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/session"
)

type robotService struct {
	mgr    *robots.Manager
	events *events.Store
	logger *slog.Logger
}

var _ RobotServiceServer = (*robotService)(nil)

func requireRobot(req *structpb.Struct) (string, error) {
	name := field(req, "robot")
	if name == "" {
		return "", status.Error(codes.InvalidArgument, "robot is required")
	}
	return name, nil
}

func (s *robotService) Connect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := requireRobot(req)
	if err != nil {
		return nil, err
	}
	st, err := s.mgr.Connect(ctx, name)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(st)
}

func (s *robotService) Disconnect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := requireRobot(req)
	if err != nil {
		return nil, err
	}
	if err := s.mgr.Disconnect(name); err != nil {
		return nil, grpcError(err)
	}
	return &structpb.Struct{}, nil
}

func (s *robotService) ListRobots(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(map[string]any{"robots": s.mgr.List()})
}

func (s *robotService) Status(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := requireRobot(req)
	if err != nil {
		return nil, err
	}
	st, err := s.mgr.Status(name)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(st)
}

func (s *robotService) ExecuteBatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := requireRobot(req)
	if err != nil {
		return nil, err
	}
	file := batch.File{Mode: session.Interpreter}
	if err := fromStruct(req.GetFields()["file"].GetStructValue(), &file); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := file.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	rep, err := s.mgr.Execute(ctx, name, robots.BatchRequest{ID: field(req, "batchId"), File: file})
	if err != nil {
		s.logger.Warn("execute batch", "robot", name, "err", err)
		return nil, withReport(grpcError(err), rep)
	}
	return toStruct(rep)
}

func (s *robotService) SendCodeBlock(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := requireRobot(req)
	if err != nil {
		return nil, err
	}
	code := field(req, "code")
	if code == "" {
		return nil, status.Error(codes.InvalidArgument, "code is required")
	}
	opts := batch.BlockOptions{
		Label:   field(req, "label"),
		Timeout: time.Duration(req.GetFields()["timeoutSeconds"].GetNumberValue() * float64(time.Second)),
	}
	res, err := s.mgr.SendCodeBlock(ctx, name, code, opts)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(res)
}

// WatchBatch streams the progress events of one batch until it finishes. An
// empty batchId follows every batch the robot runs until the client leaves.
func (s *robotService) WatchBatch(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	name, err := requireRobot(req)
	if err != nil {
		return err
	}
	if _, err := s.mgr.Status(name); err != nil {
		return grpcError(err)
	}
	if s.events == nil {
		return status.Error(codes.Unimplemented, "progress events are not recorded")
	}
	batchID := field(req, "batchId")
	id, ch := s.events.Subscribe(name, batchID)
	defer s.events.Unsubscribe(name, batchID, id)

	if batchID != "" {
		if rep, err := s.events.Get(name, batchID); err == nil && rep.Done {
			msg, err := toStruct(batch.Event{Kind: batch.EventDone, BatchID: batchID, Total: rep.Total, Success: rep.OK(), Summary: rep.Summary})
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			return stream.Send(msg)
		}
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := toStruct(ev)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}
