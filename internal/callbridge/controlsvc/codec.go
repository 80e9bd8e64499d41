package controlsvc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/sebas/callbridge/internal/callbridge/events"
	"github.com/sebas/callbridge/internal/callbridge/media"
)

// StartRequest is the body of a Start call.
type StartRequest struct {
	Devices media.Devices `json:"devices"`
	Codecs  media.Codecs  `json:"codecs"`
}

// toStruct converts v to a structpb.Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes s into v. Fields missing from s keep the values v
// already holds.
func fromStruct(s *structpb.Struct, v any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func decodeStart(s *structpb.Struct) (StartRequest, error) {
	req := StartRequest{Devices: media.DefaultDevices()}
	err := fromStruct(s, &req)
	return req, err
}

func decodeDevices(s *structpb.Struct) (media.Devices, error) {
	d := media.DefaultDevices()
	err := fromStruct(s, &d)
	return d, err
}

func decodeEvent(s *structpb.Struct) (events.Event, error) {
	var e events.Event
	err := fromStruct(s, &e)
	return e, err
}
