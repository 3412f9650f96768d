package server

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cyrilcaoyang/opentrons-workflows/internal/batch"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/events"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/robots"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/session"
)

// toStruct converts v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, st); err != nil {
		return nil, err
	}
	return st, nil
}

func fromStruct(st *structpb.Struct, v any) error {
	if st == nil {
		st = &structpb.Struct{}
	}
	raw, err := protojson.Marshal(st)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func field(st *structpb.Struct, name string) string {
	return st.GetFields()[name].GetStringValue()
}

// grpcError maps manager and session errors onto status codes.
func grpcError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var (
		connErr *session.ConnectionError
		lostErr *session.ConnectionLostError
		modeErr *session.ModeSwitchError
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, robots.ErrUnknownRobot), errors.Is(err, events.ErrReportNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, batch.ErrInvalidBlock):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &connErr), errors.As(err, &lostErr), errors.As(err, &modeErr):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, robots.ErrNotConnected),
		errors.Is(err, session.ErrNotConnected),
		errors.Is(err, session.ErrSessionClosed),
		errors.Is(err, session.ErrDesynchronized):
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// withReport attaches the partial report of an aborted batch to a status
// error as a Struct detail.
func withReport(err error, rep *batch.Report) error {
	if rep == nil {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	msg, cerr := toStruct(rep)
	if cerr != nil {
		return err
	}
	detailed, derr := st.WithDetails(msg)
	if derr != nil {
		return err
	}
	return detailed.Err()
}

// reportFrom returns the partial report carried by a batch error, or nil.
func reportFrom(err error) *batch.Report {
	st, ok := status.FromError(err)
	if !ok {
		return nil
	}
	for _, d := range st.Details() {
		msg, ok := d.(*structpb.Struct)
		if !ok {
			continue
		}
		var rep batch.Report
		if fromStruct(msg, &rep) == nil {
			return &rep
		}
	}
	return nil
}
