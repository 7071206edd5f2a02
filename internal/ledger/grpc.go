package ledger

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/victornm/eduel/internal/errors"
)

// The ledger is served over gRPC with well-known Struct messages instead of generated stubs.
const (
	serviceName = "eduel.ledger.v1.LedgerService"

	methodSubmitAnswer = "/" + serviceName + "/SubmitAnswer"
	methodForfeit      = "/" + serviceName + "/Forfeit"
)

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Client)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitAnswer", Handler: submitAnswerHandler},
		{MethodName: "Forfeit", Handler: forfeitHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "eduel/ledger/v1/ledger.proto",
}

// RegisterGRPC serves l on s.
func RegisterGRPC(s grpc.ServiceRegistrar, l Client) {
	s.RegisterService(&serviceDesc, l)
}

func submitAnswerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}

	handle := func(ctx context.Context, req any) (any, error) {
		r, err := decodeSubmitAnswerRequest(req.(*structpb.Struct))
		if err != nil {
			return nil, err
		}

		resp, err := srv.(Client).SubmitAnswer(ctx, r)
		if err != nil {
			return nil, errors.Convert(err)
		}

		return encodeSubmitAnswerResponse(resp)
	}

	if interceptor == nil {
		return handle(ctx, in)
	}

	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSubmitAnswer}, handle)
}

func forfeitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}

	handle := func(ctx context.Context, req any) (any, error) {
		f := req.(*structpb.Struct).GetFields()
		err := srv.(Client).Forfeit(ctx, ForfeitRequest{
			SessionID: f["session_id"].GetStringValue(),
			PlayerID:  f["player_id"].GetStringValue(),
		})
		if err != nil {
			return nil, errors.Convert(err)
		}

		return &emptypb.Empty{}, nil
	}

	if interceptor == nil {
		return handle(ctx, in)
	}

	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: methodForfeit}, handle)
}

// GRPCClient calls a remote ledger.
type GRPCClient struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

// NewGRPCClient returns a client over conn. A positive timeout bounds every call.
func NewGRPCClient(conn grpc.ClientConnInterface, timeout time.Duration) *GRPCClient {
	return &GRPCClient{conn: conn, timeout: timeout}
}

func (c *GRPCClient) SubmitAnswer(ctx context.Context, req SubmitAnswerRequest) (*SubmitAnswerResponse, error) {
	in, err := encodeSubmitAnswerRequest(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodSubmitAnswer, in, out); err != nil {
		return nil, errors.Convert(err)
	}

	return decodeSubmitAnswerResponse(out), nil
}

func (c *GRPCClient) Forfeit(ctx context.Context, req ForfeitRequest) error {
	in, err := structpb.NewStruct(map[string]any{
		"session_id": req.SessionID,
		"player_id":  req.PlayerID,
	})
	if err != nil {
		return fmt.Errorf("ledger: encode forfeit: %w", err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.conn.Invoke(ctx, methodForfeit, in, new(emptypb.Empty)); err != nil {
		return errors.Convert(err)
	}

	return nil
}

func (c *GRPCClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, c.timeout)
}

func encodeSubmitAnswerRequest(req SubmitAnswerRequest) (*structpb.Struct, error) {
	var option any
	if req.OptionID != nil {
		option = *req.OptionID
	}

	s, err := structpb.NewStruct(map[string]any{
		"request_id":     req.RequestID,
		"session_id":     req.SessionID,
		"player_id":      req.PlayerID,
		"question_index": req.QuestionIndex,
		"option_id":      option,
		"is_timeout":     req.IsTimeout,
		"is_skip":        req.IsSkip,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: encode submit answer: %w", err)
	}

	return s, nil
}

func decodeSubmitAnswerRequest(s *structpb.Struct) (SubmitAnswerRequest, error) {
	f := s.GetFields()

	req := SubmitAnswerRequest{
		RequestID:     f["request_id"].GetStringValue(),
		SessionID:     f["session_id"].GetStringValue(),
		PlayerID:      f["player_id"].GetStringValue(),
		QuestionIndex: int(f["question_index"].GetNumberValue()),
		IsTimeout:     f["is_timeout"].GetBoolValue(),
		IsSkip:        f["is_skip"].GetBoolValue(),
	}

	if v, ok := f["option_id"]; ok {
		if _, null := v.GetKind().(*structpb.Value_NullValue); !null {
			id := v.GetStringValue()
			req.OptionID = &id
		}
	}

	if err := req.Validate(); err != nil {
		return SubmitAnswerRequest{}, err
	}

	return req, nil
}

func encodeSubmitAnswerResponse(resp *SubmitAnswerResponse) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(map[string]any{
		"is_correct": resp.IsCorrect,
		"new_score":  resp.NewScore,
		"duplicate":  resp.Duplicate,
	})
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("ledger: encode submit answer response: %w", err))
	}

	return s, nil
}

func decodeSubmitAnswerResponse(s *structpb.Struct) *SubmitAnswerResponse {
	f := s.GetFields()

	return &SubmitAnswerResponse{
		IsCorrect: f["is_correct"].GetBoolValue(),
		NewScore:  int(f["new_score"].GetNumberValue()),
		Duplicate: f["duplicate"].GetBoolValue(),
	}
}
