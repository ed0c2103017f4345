package idservice

import (
	"errors"

	"github.com/golang/protobuf/proto"
)

type Operation int32

const (
	OperationUnknown  Operation = 0
	OperationGenerate Operation = 1
	OperationPing     Operation = 2
	OperationHealth   Operation = 3
)

type ErrorCode int32

const (
	ErrorCodeOK              ErrorCode = 0
	ErrorCodeBadRequest      ErrorCode = 1
	ErrorCodeUnauthenticated ErrorCode = 2
	ErrorCodeOverloaded      ErrorCode = 3
	ErrorCodeUnavailable     ErrorCode = 4
	ErrorCodeInternal        ErrorCode = 5
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeOK:
		return "ok"
	case ErrorCodeBadRequest:
		return "bad_request"
	case ErrorCodeUnauthenticated:
		return "unauthenticated"
	case ErrorCodeOverloaded:
		return "overloaded"
	case ErrorCodeUnavailable:
		return "unavailable"
	case ErrorCodeInternal:
		return "internal"
	}
	return "unknown"
}

// Retryable reports whether a request that failed with code may succeed
// when sent again.
func (c ErrorCode) Retryable() bool {
	return c == ErrorCodeOverloaded || c == ErrorCodeUnavailable
}

type Request struct {
	RequestId string           `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken string           `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	Operation int32            `protobuf:"varint,3,opt,name=operation,proto3"`
	Generate  *GenerateRequest `protobuf:"bytes,4,opt,name=generate,proto3"`
}

func (*Request) Reset()         {}
func (*Request) String() string { return "IDRequest" }
func (*Request) ProtoMessage()  {}

type Response struct {
	RequestId    string            `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode    int32             `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage string            `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Generate     *GenerateResponse `protobuf:"bytes,4,opt,name=generate,proto3"`
	Pong         *PongResponse     `protobuf:"bytes,5,opt,name=pong,proto3"`
	Health       *HealthResponse   `protobuf:"bytes,6,opt,name=health,proto3"`
}

func (*Response) Reset()         {}
func (*Response) String() string { return "IDResponse" }
func (*Response) ProtoMessage()  {}

type GenerateRequest struct {
	Count int32 `protobuf:"varint,1,opt,name=count,proto3"`
}

func (*GenerateRequest) Reset()         {}
func (*GenerateRequest) String() string { return "GenerateRequest" }
func (*GenerateRequest) ProtoMessage()  {}

type GenerateResponse struct {
	Ids      []int64 `protobuf:"varint,1,rep,packed,name=ids,proto3"`
	WorkerId int64   `protobuf:"varint,2,opt,name=worker_id,json=workerId,proto3"`
}

func (*GenerateResponse) Reset()         {}
func (*GenerateResponse) String() string { return "GenerateResponse" }
func (*GenerateResponse) ProtoMessage()  {}

type PongResponse struct {
	UnixTimeNs int64 `protobuf:"varint,1,opt,name=unix_time_ns,json=unixTimeNs,proto3"`
}

func (*PongResponse) Reset()         {}
func (*PongResponse) String() string { return "PongResponse" }
func (*PongResponse) ProtoMessage()  {}

type HealthResponse struct {
	Ok      bool   `protobuf:"varint,1,opt,name=ok,proto3"`
	Message string `protobuf:"bytes,2,opt,name=message,proto3"`
}

func (*HealthResponse) Reset()         {}
func (*HealthResponse) String() string { return "HealthResponse" }
func (*HealthResponse) ProtoMessage()  {}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalRequest(payload []byte) (*Request, error) {
	var req Request
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func UnmarshalResponse(payload []byte) (*Response, error) {
	var res Response
	if err := proto.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func ValidateRequest(req *Request) error {
	if req == nil {
		return errors.New("nil request")
	}
	switch Operation(req.Operation) {
	case OperationUnknown:
		return errors.New("operation is required")
	case OperationGenerate:
		if req.Generate == nil || req.Generate.Count < 1 {
			return errors.New("generate.count must be positive")
		}
	}
	return nil
}
