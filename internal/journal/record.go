package journal

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cyrilcaoyang/opentrons-workflows/internal/session"
)

func metaToStruct(m Meta) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":        structpb.NewStringValue(m.ID),
		"robot":     structpb.NewStringValue(m.Robot),
		"host":      structpb.NewStringValue(m.Host),
		"createdAt": structpb.NewStringValue(m.CreatedAt.Format(time.RFC3339Nano)),
	}}
}

func metaFromStruct(st *structpb.Struct) Meta {
	f := st.GetFields()
	created, _ := time.Parse(time.RFC3339Nano, f["createdAt"].GetStringValue())
	return Meta{
		ID:        f["id"].GetStringValue(),
		Robot:     f["robot"].GetStringValue(),
		Host:      f["host"].GetStringValue(),
		CreatedAt: created,
	}
}

// ResultToStruct converts a result to its wire form. The gRPC service uses
// the same layout.
func ResultToStruct(r session.Result) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"description": structpb.NewStringValue(r.Label),
		"command":     structpb.NewStringValue(r.Command),
		"success":     structpb.NewBoolValue(r.Success),
		"output":      structpb.NewStringValue(r.Output),
		"error":       structpb.NewStringValue(r.Error),
		"failure":     structpb.NewStringValue(string(r.Failure)),
		"duration":    structpb.NewNumberValue(r.Elapsed.Seconds()),
	}}
}

func ResultFromStruct(st *structpb.Struct) session.Result {
	f := st.GetFields()
	return session.Result{
		Label:   f["description"].GetStringValue(),
		Command: f["command"].GetStringValue(),
		Success: f["success"].GetBoolValue(),
		Output:  f["output"].GetStringValue(),
		Error:   f["error"].GetStringValue(),
		Failure: session.Failure(f["failure"].GetStringValue()),
		Elapsed: time.Duration(f["duration"].GetNumberValue() * float64(time.Second)),
	}
}

func entryToStruct(e Entry) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"seq":     structpb.NewNumberValue(float64(e.Seq)),
		"batchId": structpb.NewStringValue(e.BatchID),
		"time":    structpb.NewStringValue(e.Time.Format(time.RFC3339Nano)),
		"result":  structpb.NewStructValue(ResultToStruct(e.Result)),
	}}
}

func entryFromStruct(st *structpb.Struct) Entry {
	f := st.GetFields()
	ts, _ := time.Parse(time.RFC3339Nano, f["time"].GetStringValue())
	return Entry{
		Seq:     int64(f["seq"].GetNumberValue()),
		BatchID: f["batchId"].GetStringValue(),
		Time:    ts,
		Result:  ResultFromStruct(f["result"].GetStructValue()),
	}
}
