package grpc

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/simaogato/transferflow-backend/internal/domain"
	"github.com/simaogato/transferflow-backend/internal/usecase/progress"
	"github.com/simaogato/transferflow-backend/internal/usecase/transferform"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server implements the TransferService gRPC server
type Server struct {
	FormService *transferform.TransferFormService
	Engine      *progress.Engine
	Logger      *zap.Logger
}

// NewServer creates a new gRPC server instance
func NewServer(formService *transferform.TransferFormService, engine *progress.Engine, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		FormService: formService,
		Engine:      engine,
		Logger:      logger,
	}
}

// CreateTransfer handles the CreateTransfer RPC
func (s *Server) CreateTransfer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in CreateTransferRequest
	if err := Decode(req, &in); err != nil {
		return nil, err
	}

	sourceAccountID, err := parseID(in.SourceAccountID, "source_account_id")
	if err != nil {
		return nil, err
	}

	// Amount stays a string; the form service validates it
	result, err := s.FormService.Submit(ctx, transferform.SubmitTransferInput{
		SourceAccountID:        sourceAccountID,
		RecipientAccountNumber: in.RecipientAccountNumber,
		RecipientAccountName:   in.RecipientAccountName,
		BankName:               in.BankName,
		RoutingIdentifier:      in.RoutingIdentifier,
		Description:            in.Description,
		Amount:                 in.Amount,
	})
	if err != nil {
		return nil, s.mapError(err)
	}

	return Encode(CreateTransferResponse{
		TransferID: result.TransferID.String(),
		Transfer:   domainTransferToProto(result.Transfer),
	})
}

// GetProgress handles the GetProgress RPC
func (s *Server) GetProgress(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.withTransferID(ctx, req, s.Engine.GetProgress)
}

// StartTransfer handles the StartTransfer RPC
func (s *Server) StartTransfer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.withTransferID(ctx, req, s.Engine.Start)
}

// SubmitChallengeCode handles the SubmitChallengeCode RPC.
// A wrong code is reported as InvalidArgument; the transfer stays paused.
func (s *Server) SubmitChallengeCode(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in SubmitChallengeCodeRequest
	if err := Decode(req, &in); err != nil {
		return nil, err
	}
	transferID, err := parseID(in.TransferID, "transfer_id")
	if err != nil {
		return nil, err
	}
	if in.Level <= 0 {
		return nil, status.Errorf(codes.InvalidArgument, "level must be positive")
	}
	if in.Code == "" {
		return nil, status.Errorf(codes.InvalidArgument, "code cannot be empty")
	}

	accepted, err := s.Engine.SubmitChallengeCode(ctx, transferID, in.Level, in.Code)
	if err != nil {
		return nil, s.mapError(err)
	}

	view, err := s.Engine.GetProgress(ctx, transferID)
	if err != nil {
		return nil, s.mapError(err)
	}

	return Encode(SubmitChallengeCodeResponse{
		Accepted: accepted,
		Progress: progressViewToProto(view),
	})
}

// ResendChallenge handles the ResendChallenge RPC
func (s *Server) ResendChallenge(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.withTransferID(ctx, req, s.Engine.ResendChallenge)
}

// AbandonTransfer handles the AbandonTransfer RPC
func (s *Server) AbandonTransfer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in AbandonTransferRequest
	if err := Decode(req, &in); err != nil {
		return nil, err
	}
	transferID, err := parseID(in.TransferID, "transfer_id")
	if err != nil {
		return nil, err
	}

	view, err := s.Engine.Abandon(ctx, transferID, in.Reason)
	if err != nil {
		return nil, s.mapError(err)
	}
	return Encode(progressViewToProto(view))
}

// ResumeTransfer handles the ResumeTransfer RPC
func (s *Server) ResumeTransfer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.withTransferID(ctx, req, s.Engine.Resume)
}

// RetryFinalize handles the RetryFinalize RPC
func (s *Server) RetryFinalize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.withTransferID(ctx, req, s.Engine.RetryFinalize)
}

// GetActiveTransfer handles the GetActiveTransfer RPC
func (s *Server) GetActiveTransfer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in GetActiveTransferRequest
	if err := Decode(req, &in); err != nil {
		return nil, err
	}
	accountID, err := parseID(in.AccountID, "account_id")
	if err != nil {
		return nil, err
	}

	active, err := s.FormService.ActiveTransfer(ctx, accountID)
	if err != nil {
		return nil, s.mapError(err)
	}
	if active == nil {
		return Encode(GetActiveTransferResponse{Found: false})
	}

	msg := domainTransferToProto(active)
	return Encode(GetActiveTransferResponse{Found: true, Transfer: &msg})
}

func (s *Server) withTransferID(
	ctx context.Context,
	req *structpb.Struct,
	op func(ctx context.Context, id uuid.UUID) (*progress.ProgressView, error),
) (*structpb.Struct, error) {
	var in TransferIDRequest
	if err := Decode(req, &in); err != nil {
		return nil, err
	}
	transferID, err := parseID(in.TransferID, "transfer_id")
	if err != nil {
		return nil, err
	}

	view, err := op(ctx, transferID)
	if err != nil {
		return nil, s.mapError(err)
	}
	return Encode(progressViewToProto(view))
}

func (s *Server) mapError(err error) error {
	st := statusFromError(err)
	if st.Code() == codes.Internal {
		s.Logger.Error("transfer rpc failed", zap.Error(err))
	}
	return st.Err()
}

// statusFromError converts domain errors to gRPC statuses
func statusFromError(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}

	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		st := status.New(codes.AlreadyExists, err.Error())
		detail, detailErr := structpb.NewStruct(map[string]interface{}{
			"account_id":         conflict.AccountID.String(),
			"active_transfer_id": conflict.ActiveTransferID.String(),
		})
		if detailErr != nil {
			return st
		}
		if withDetails, detailErr := st.WithDetails(detail); detailErr == nil {
			return withDetails
		}
		return st
	}

	switch {
	case errors.Is(err, domain.ErrInvalidTransfer),
		errors.Is(err, domain.ErrChallengeRejected),
		errors.Is(err, domain.ErrChallengeLevelMismatch):
		return status.New(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrTransferClosed),
		errors.Is(err, domain.ErrNoChallengePending),
		errors.Is(err, domain.ErrDebitAlreadyApplied),
		errors.Is(err, domain.ErrProgressRegression):
		return status.New(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrChallengeLocked):
		return status.New(codes.PermissionDenied, err.Error())
	case errors.Is(err, domain.ErrLedgerDebitFailed):
		return status.New(codes.Unavailable, err.Error())
	case errors.Is(err, domain.ErrTransferNotFound),
		errors.Is(err, domain.ErrAccountNotFound):
		return status.New(codes.NotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.New(codes.Canceled, err.Error())
	}

	// Already a status, e.g. from Decode
	if st, ok := status.FromError(err); ok {
		return st
	}

	return status.New(codes.Internal, err.Error())
}
