package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"DSCLedger/internal/core"
	"DSCLedger/internal/event"
	"DSCLedger/internal/ingestion"
	"DSCLedger/internal/projection"
	"DSCLedger/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the gRPC service exposing the ledger. Requests and
// responses are google.protobuf.Struct messages whose fields mirror the JSON
// wire formats.
const ServiceName = "dscledger.v1.Ledger"

const (
	methodSubmit             = "Submit"
	methodGetAccount         = "GetAccount"
	methodGetPositions       = "GetPositions"
	methodListLiquidations   = "ListLiquidations"
	methodListJournals       = "ListJournals"
	methodGetSolvency        = "GetSolvency"
	methodGetEventLogInfo    = "GetEventLogInfo"
	methodVerifyIntegrity    = "VerifyIntegrity"
	methodRebuildProjections = "RebuildProjections"
	methodFund               = "Fund"
	methodApproveDsc         = "ApproveDsc"
	methodSetPrice           = "SetPrice"
)

// LedgerAPI is the handler interface registered under ServiceName.
type LedgerAPI interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAccount(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPositions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListLiquidations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListJournals(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSolvency(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetEventLogInfo(context.Context, *structpb.Struct) (*structpb.Struct, error)
	VerifyIntegrity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RebuildProjections(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Fund(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ApproveDsc(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetPrice(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// LedgerServiceDesc is the hand-written descriptor for LedgerAPI.
var LedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerAPI)(nil),
	Methods: []grpc.MethodDesc{
		unary(methodSubmit, LedgerAPI.Submit),
		unary(methodGetAccount, LedgerAPI.GetAccount),
		unary(methodGetPositions, LedgerAPI.GetPositions),
		unary(methodListLiquidations, LedgerAPI.ListLiquidations),
		unary(methodListJournals, LedgerAPI.ListJournals),
		unary(methodGetSolvency, LedgerAPI.GetSolvency),
		unary(methodGetEventLogInfo, LedgerAPI.GetEventLogInfo),
		unary(methodVerifyIntegrity, LedgerAPI.VerifyIntegrity),
		unary(methodRebuildProjections, LedgerAPI.RebuildProjections),
		unary(methodFund, LedgerAPI.Fund),
		unary(methodApproveDsc, LedgerAPI.ApproveDsc),
		unary(methodSetPrice, LedgerAPI.SetPrice),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dscledger/v1/ledger.proto",
}

func unary(name string, call func(LedgerAPI, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			api := srv.(LedgerAPI)
			if interceptor == nil {
				return call(api, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(api, ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Submitter hands a command to the core and waits for its envelope.
type Submitter interface {
	Submit(ctx context.Context, evt event.Event) (*event.EventEnvelope, error)
}

// EventLog reports the position of the persisted event log.
type EventLog interface {
	GetLatestSequence(ctx context.Context) (int64, error)
}

// Faucet moves tokens on the in-process backends. Nil when the ledger
// settles against a chain.
type Faucet interface {
	Fund(holder, asset common.Address, amount *uint256.Int) error
	ApproveStable(holder common.Address, amount *uint256.Int)
}

// PriceSetter publishes rounds on the in-process price feed.
type PriceSetter interface {
	SetPrice(feed common.Address, answer *big.Int)
}

type ledgerService struct {
	faucet   Faucet
	prices   PriceSetter
	ingest   Submitter
	queries  *query.QueryService
	eventLog EventLog
	db       *sql.DB
	logger   zerolog.Logger
}

// ============================================================================
// Commands
// ============================================================================

// SubmitResponse is the result of a submitted command.
type SubmitResponse struct {
	Sequence     int64                        `json:"sequence"`
	CommandType  string                       `json:"command_type"`
	Outcome      string                       `json:"outcome"`
	RejectReason string                       `json:"reject_reason,omitempty"`
	StateHash    string                       `json:"state_hash"`
	Events       []ingestion.PublishableEvent `json:"events,omitempty"`
}

func (s *ledgerService) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	commandType := in.GetFields()["command_type"].GetStringValue()
	if commandType == "" {
		return nil, status.Error(codes.InvalidArgument, "command_type is required")
	}
	payload := in.GetFields()["payload"].GetStructValue()
	if payload == nil {
		return nil, status.Error(codes.InvalidArgument, "payload is required")
	}
	data, err := json.Marshal(payload.AsMap())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "encode payload: %v", err)
	}

	evt, err := ingestion.ParseCommand(commandType, data)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "parse payload: %v", err)
	}

	id, ok := IdentityFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing credentials")
	}
	if evt.Caller() != id.Address {
		return nil, status.Errorf(codes.PermissionDenied, "token subject %s cannot act as %s",
			id.Address.Hex(), evt.Caller().Hex())
	}

	env, err := s.ingest.Submit(ctx, evt)
	if err != nil {
		return nil, statusFromError(err)
	}

	return toStruct(SubmitResponse{
		Sequence:     env.Sequence,
		CommandType:  env.EventType.String(),
		Outcome:      env.Outcome.String(),
		RejectReason: env.RejectReason,
		StateHash:    fmt.Sprintf("%x", env.StateHash),
		Events:       ingestion.PublishablesFrom(env),
	})
}

// ============================================================================
// Queries
// ============================================================================

func (s *ledgerService) GetAccount(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	user, err := addressField(in, "user")
	if err != nil {
		return nil, err
	}
	resp, err := s.queries.GetAccount(ctx, user)
	if err != nil {
		return nil, statusFromError(err)
	}
	return toStruct(resp)
}

func (s *ledgerService) GetPositions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	user, err := addressField(in, "user")
	if err != nil {
		return nil, err
	}
	resp, err := s.queries.GetPositions(ctx, user)
	if err != nil {
		return nil, statusFromError(err)
	}
	return toStruct(resp)
}

func (s *ledgerService) ListLiquidations(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	user, limit, before, err := pageRequest(in)
	if err != nil {
		return nil, err
	}
	list, err := s.queries.GetLiquidationHistory(ctx, user, limit, before)
	if err != nil {
		return nil, statusFromError(err)
	}
	return toStruct(map[string]interface{}{"liquidations": list})
}

func (s *ledgerService) ListJournals(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	user, limit, before, err := pageRequest(in)
	if err != nil {
		return nil, err
	}
	list, err := s.queries.GetJournalHistory(ctx, user, limit, before)
	if err != nil {
		return nil, statusFromError(err)
	}
	return toStruct(map[string]interface{}{"journals": list})
}

func (s *ledgerService) GetSolvency(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	resp, err := s.queries.GetSolvency(ctx)
	if err != nil {
		return nil, statusFromError(err)
	}
	return toStruct(resp)
}

// ============================================================================
// Admin
// ============================================================================

func (s *ledgerService) GetEventLogInfo(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	latest, err := s.eventLog.GetLatestSequence(ctx)
	if err != nil {
		return nil, statusFromError(err)
	}
	return toStruct(map[string]interface{}{"last_sequence": latest})
}

func (s *ledgerService) VerifyIntegrity(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	report, err := s.queries.VerifyIntegrity(ctx)
	if err != nil {
		return nil, statusFromError(err)
	}
	return toStruct(report)
}

func (s *ledgerService) RebuildProjections(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	if err := projection.RebuildProjections(ctx, s.db, s.logger); err != nil {
		return nil, status.Errorf(codes.Internal, "rebuild failed: %v", err)
	}
	return toStruct(map[string]interface{}{"rebuilt": true})
}

// Fund credits a holder with collateral tokens and approves custody for them.
func (s *ledgerService) Fund(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	if s.faucet == nil {
		return nil, status.Error(codes.Unimplemented, "token faucet disabled")
	}
	holder, err := addressField(in, "holder")
	if err != nil {
		return nil, err
	}
	asset, err := addressField(in, "asset")
	if err != nil {
		return nil, err
	}
	amount, err := amountField(in, "amount")
	if err != nil {
		return nil, err
	}
	if err := s.faucet.Fund(holder, asset, amount); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return toStruct(map[string]interface{}{"funded": amount.Dec()})
}

// ApproveDsc sets the caller's DSC allowance for custody, needed before a
// burn or a liquidation.
func (s *ledgerService) ApproveDsc(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.faucet == nil {
		return nil, status.Error(codes.Unimplemented, "token faucet disabled")
	}
	id, ok := IdentityFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing credentials")
	}
	amount, err := amountField(in, "amount")
	if err != nil {
		return nil, err
	}
	s.faucet.ApproveStable(id.Address, amount)
	return toStruct(map[string]interface{}{"approved": amount.Dec()})
}

// SetPrice records a fresh round on a feed. The answer is a signed integer
// at the feed's precision.
func (s *ledgerService) SetPrice(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	if s.prices == nil {
		return nil, status.Error(codes.Unimplemented, "price feed is read from chain")
	}
	feed, err := addressField(in, "feed")
	if err != nil {
		return nil, err
	}
	raw := in.GetFields()["answer"].GetStringValue()
	answer, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "answer: invalid integer %q", raw)
	}
	s.prices.SetPrice(feed, answer)
	s.logger.Info().Str("feed", feed.Hex()).Str("answer", answer.String()).Msg("price round published")
	return toStruct(map[string]interface{}{"feed": feed.Hex(), "answer": answer.String()})
}

// ============================================================================
// Helpers
// ============================================================================

// statusFromError maps pipeline and engine errors to gRPC codes.
func statusFromError(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, ingestion.ErrDuplicateCommand):
		code = codes.AlreadyExists
	case errors.Is(err, ingestion.ErrUnknownEventType),
		errors.Is(err, core.ErrZeroAmount),
		errors.Is(err, core.ErrTokenNotAllowed):
		code = codes.InvalidArgument
	case errors.Is(err, core.ErrSequenceGap),
		errors.Is(err, core.ErrSequenceOutOfOrder):
		code = codes.FailedPrecondition
	case errors.Is(err, core.ErrOracleStale):
		code = codes.Unavailable
	case errors.Is(err, core.ErrReentrantCall):
		code = codes.Aborted
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}

func addressField(in *structpb.Struct, name string) (common.Address, error) {
	s := in.GetFields()[name].GetStringValue()
	if !common.IsHexAddress(s) {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "%s: invalid address %q", name, s)
	}
	return common.HexToAddress(s), nil
}

// amountField parses a base-unit decimal string.
func amountField(in *structpb.Struct, name string) (*uint256.Int, error) {
	raw := in.GetFields()[name].GetStringValue()
	amount, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%s: invalid amount %q", name, raw)
	}
	return amount, nil
}

// int64Field accepts a JSON number or a decimal string.
func int64Field(in *structpb.Struct, name string) (int64, bool, error) {
	v, ok := in.GetFields()[name]
	if !ok {
		return 0, false, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		return int64(k.NumberValue), true, nil
	case *structpb.Value_StringValue:
		n, err := strconv.ParseInt(k.StringValue, 10, 64)
		if err != nil {
			return 0, false, status.Errorf(codes.InvalidArgument, "%s: %v", name, err)
		}
		return n, true, nil
	case *structpb.Value_NullValue:
		return 0, false, nil
	}
	return 0, false, status.Errorf(codes.InvalidArgument, "%s: expected a number", name)
}

func pageRequest(in *structpb.Struct) (common.Address, int, *int64, error) {
	user, err := addressField(in, "user")
	if err != nil {
		return common.Address{}, 0, nil, err
	}
	limit, _, err := int64Field(in, "page_size")
	if err != nil {
		return common.Address{}, 0, nil, err
	}
	before, ok, err := int64Field(in, "before_sequence")
	if err != nil {
		return common.Address{}, 0, nil, err
	}
	if !ok {
		return user, int(limit), nil, nil
	}
	return user, int(limit), &before, nil
}

// toStruct converts v to a Struct through its JSON encoding.
func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}
