package envelope

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drblury/tenantflow/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/tenantflow/internal/runtime/metadata"
)

// Codec converts envelopes to and from wire payloads.
type Codec interface {
	Encode(e *Envelope) ([]byte, error)
	Decode(data []byte) (*Envelope, error)
	ContentType() string
}

var errEmptyPayload = errors.New("empty payload")

// JSONCodec encodes envelopes as JSON.
type JSONCodec struct{}

func (JSONCodec) ContentType() string { return "application/json" }

func (JSONCodec) Encode(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, errors.New("envelope is nil")
	}
	return jsoncodec.Marshal(e.f)
}

func (JSONCodec) Decode(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, errEmptyPayload
	}
	var f Fields
	if err := jsoncodec.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.ID == "" {
		return nil, errors.New("envelope id is missing")
	}
	return New(f), nil
}

// ProtoCodec encodes envelopes as a binary protobuf Struct.
type ProtoCodec struct{}

func (ProtoCodec) ContentType() string { return "application/x-protobuf" }

func (ProtoCodec) Encode(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, errors.New("envelope is nil")
	}
	f := e.f
	fields := map[string]any{
		"id":              f.ID,
		"eventType":       f.EventType,
		"deviceId":        f.DeviceID,
		"assignmentId":    f.AssignmentID,
		"areaId":          f.AreaID,
		"customerId":      f.CustomerID,
		"deviceTypeId":    f.DeviceTypeID,
		"specificationId": f.SpecificationID,
		"sourceId":        f.SourceID,
		"eventDate":       f.EventDate.Format(time.RFC3339Nano),
		"receivedDate":    f.ReceivedDate.Format(time.RFC3339Nano),
	}
	if f.Payload != nil {
		fields["payload"] = f.Payload
	}
	if f.Metadata != nil {
		md := make(map[string]any, len(f.Metadata))
		for k, v := range f.Metadata {
			md[k] = v
		}
		fields["metadata"] = md
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("convert envelope: %w", err)
	}
	return proto.Marshal(st)
}

func (ProtoCodec) Decode(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, errEmptyPayload
	}
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	m := st.AsMap()
	str := func(key string) string {
		s, _ := m[key].(string)
		return s
	}
	f := Fields{
		ID:              str("id"),
		EventType:       str("eventType"),
		DeviceID:        str("deviceId"),
		AssignmentID:    str("assignmentId"),
		AreaID:          str("areaId"),
		CustomerID:      str("customerId"),
		DeviceTypeID:    str("deviceTypeId"),
		SpecificationID: str("specificationId"),
		SourceID:        str("sourceId"),
	}
	if f.ID == "" {
		return nil, errors.New("envelope id is missing")
	}
	var err error
	if f.EventDate, err = parseTime(str("eventDate")); err != nil {
		return nil, fmt.Errorf("eventDate: %w", err)
	}
	if f.ReceivedDate, err = parseTime(str("receivedDate")); err != nil {
		return nil, fmt.Errorf("receivedDate: %w", err)
	}
	if p, ok := m["payload"].(map[string]any); ok {
		f.Payload = p
	}
	if md, ok := m["metadata"].(map[string]any); ok {
		f.Metadata = make(metadatapkg.Metadata, len(md))
		for k, v := range md {
			if s, ok := v.(string); ok {
				f.Metadata[k] = s
			}
		}
	}
	return New(f), nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
