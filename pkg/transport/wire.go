package transport

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"mediashare/pkg/types"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// newStruct builds a message from fields, coercing Go values structpb does
// not accept on its own.
func newStruct(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(normalizeMap(fields))
	if err != nil {
		return nil, types.InputError("cannot encode message: %v", err)
	}
	return s, nil
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}

func normalize(v any) any {
	switch x := v.(type) {
	case nil, bool, string, []byte,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return x
	case types.Metadata:
		return normalizeMap(x)
	case map[string]any:
		return normalizeMap(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = normalize(item)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = item
		}
		return out
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case types.ContentID:
		return string(x)
	case *float64:
		if x == nil {
			return nil
		}
		return *x
	default:
		return fmt.Sprint(x)
	}
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func numberField(s *structpb.Struct, key string) float64 {
	return s.GetFields()[key].GetNumberValue()
}

// bytesField reads a []byte that structpb carried as base64 text.
func bytesField(s *structpb.Struct, key string) ([]byte, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(v.GetStringValue())
	if err != nil {
		return nil, types.InputError("field %q is not base64: %v", key, err)
	}
	return data, nil
}

func metadataField(s *structpb.Struct, key string) types.Metadata {
	inner := s.GetFields()[key].GetStructValue()
	if inner == nil {
		return nil
	}
	return types.Metadata(inner.AsMap())
}

func recordToMap(r types.ContentRecord) map[string]any {
	m := map[string]any{
		"id":       string(r.ID),
		"metadata": map[string]any(r.Metadata),
		"size":     r.Size,
		"added_at": r.AddedAt,
	}
	if r.Relevance != nil {
		m["relevance"] = *r.Relevance
	}
	return m
}

func recordFromStruct(s *structpb.Struct) types.ContentRecord {
	record := types.ContentRecord{
		ID:       types.ContentID(stringField(s, "id")),
		Metadata: metadataField(s, "metadata"),
		Size:     int64(numberField(s, "size")),
	}
	if t, err := time.Parse(time.RFC3339Nano, stringField(s, "added_at")); err == nil {
		record.AddedAt = t
	}
	if v, ok := s.GetFields()["relevance"]; ok {
		relevance := v.GetNumberValue()
		record.Relevance = &relevance
	}
	return record
}

// toStatus maps store errors onto gRPC status codes.
func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, types.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, types.ErrInput):
		code = codes.InvalidArgument
	case errors.Is(err, types.ErrStorageExhausted):
		code = codes.ResourceExhausted
	case errors.Is(err, types.ErrVerification):
		code = codes.DataLoss
	}
	return status.Error(code, err.Error())
}

// fromStatus maps a gRPC status back onto the matching sentinel error.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var sentinel error
	switch st.Code() {
	case codes.NotFound:
		sentinel = types.ErrNotFound
	case codes.InvalidArgument:
		sentinel = types.ErrInput
	case codes.ResourceExhausted:
		sentinel = types.ErrStorageExhausted
	case codes.DataLoss:
		sentinel = types.ErrVerification
	default:
		return err
	}
	return fmt.Errorf("%s: %w", st.Message(), sentinel)
}
