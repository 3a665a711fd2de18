package grpc

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/simaogato/transferflow-backend/internal/domain"
	"github.com/simaogato/transferflow-backend/internal/usecase/progress"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// CreateTransferRequest is the CreateTransfer request document
type CreateTransferRequest struct {
	SourceAccountID        string `json:"source_account_id"`
	RecipientAccountNumber string `json:"recipient_account_number"`
	RecipientAccountName   string `json:"recipient_account_name"`
	BankName               string `json:"bank_name"`
	RoutingIdentifier      string `json:"routing_identifier"`
	Description            string `json:"description"`
	Amount                 string `json:"amount"`
}

// TransferIDRequest addresses a single transfer
type TransferIDRequest struct {
	TransferID string `json:"transfer_id"`
}

// SubmitChallengeCodeRequest is the SubmitChallengeCode request document
type SubmitChallengeCodeRequest struct {
	TransferID string `json:"transfer_id"`
	Level      int    `json:"level"`
	Code       string `json:"code"`
}

// AbandonTransferRequest is the AbandonTransfer request document
type AbandonTransferRequest struct {
	TransferID string `json:"transfer_id"`
	Reason     string `json:"reason,omitempty"`
}

// GetActiveTransferRequest is the GetActiveTransfer request document
type GetActiveTransferRequest struct {
	AccountID string `json:"account_id"`
}

// Transfer is the wire form of a transfer request
type Transfer struct {
	ID                     string `json:"id"`
	SourceAccountID        string `json:"source_account_id"`
	RecipientAccountNumber string `json:"recipient_account_number"`
	RecipientAccountName   string `json:"recipient_account_name"`
	BankName               string `json:"bank_name"`
	RoutingIdentifier      string `json:"routing_identifier"`
	Description            string `json:"description"`
	Amount                 string `json:"amount"`
	Status                 string `json:"status"`
	Percentage             int    `json:"percentage"`
	FailureReason          string `json:"failure_reason,omitempty"`
	CreatedAt              string `json:"created_at"`
	UpdatedAt              string `json:"updated_at,omitempty"`
}

// Challenge is one security gate of a transfer
type Challenge struct {
	Level               int  `json:"level"`
	ThresholdPercentage int  `json:"threshold_percentage"`
	Verified            bool `json:"verified"`
}

// Progress is the wire form of a progress view
type Progress struct {
	TransferID            string      `json:"transfer_id"`
	Status                string      `json:"status"`
	Percentage            int         `json:"percentage"`
	Message               string      `json:"message"`
	ChallengeRequired     bool        `json:"challenge_required"`
	CurrentChallengeLevel int         `json:"current_challenge_level"`
	VerifiedLevels        []int       `json:"verified_levels"`
	FailedAttempts        int         `json:"failed_attempts"`
	FailureReason         string      `json:"failure_reason,omitempty"`
	Challenges            []Challenge `json:"challenges"`
}

// CreateTransferResponse is the CreateTransfer response document
type CreateTransferResponse struct {
	TransferID string   `json:"transfer_id"`
	Transfer   Transfer `json:"transfer"`
}

// SubmitChallengeCodeResponse is the SubmitChallengeCode response document
type SubmitChallengeCodeResponse struct {
	Accepted bool     `json:"accepted"`
	Progress Progress `json:"progress"`
}

// GetActiveTransferResponse is the GetActiveTransfer response document
type GetActiveTransferResponse struct {
	Found    bool      `json:"found"`
	Transfer *Transfer `json:"transfer,omitempty"`
}

// Decode converts a Struct document into one of the request types
func Decode(doc *structpb.Struct, out interface{}) error {
	if doc == nil {
		doc = &structpb.Struct{}
	}
	raw, err := protojson.Marshal(doc)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	return nil
}

// Encode converts a response or request type into a Struct document
func Encode(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	doc := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, doc); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return doc, nil
}

func parseID(raw, field string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid %s format: %v", field, err)
	}
	return id, nil
}

func domainTransferToProto(t *domain.TransferRequest) Transfer {
	msg := Transfer{
		ID:                     t.ID.String(),
		SourceAccountID:        t.SourceAccountID.String(),
		RecipientAccountNumber: t.RecipientAccountNumber,
		RecipientAccountName:   t.RecipientAccountName,
		BankName:               t.BankName,
		RoutingIdentifier:      t.RoutingIdentifier,
		Description:            t.Description,
		Amount:                 t.Amount.StringFixed(2),
		Status:                 string(t.Status),
		Percentage:             t.Progress.Percentage,
		FailureReason:          t.FailureReason,
		CreatedAt:              t.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !t.UpdatedAt.IsZero() {
		msg.UpdatedAt = t.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return msg
}

func progressViewToProto(view *progress.ProgressView) Progress {
	challenges := make([]Challenge, 0, len(view.Challenges))
	for _, c := range view.Challenges {
		challenges = append(challenges, Challenge{
			Level:               c.Level,
			ThresholdPercentage: c.ThresholdPercentage,
			Verified:            c.Verified,
		})
	}

	verified := view.Progress.VerifiedLevels
	if verified == nil {
		verified = []int{}
	}

	return Progress{
		TransferID:            view.TransferID.String(),
		Status:                string(view.Status),
		Percentage:            view.Progress.Percentage,
		Message:               view.Progress.Message,
		ChallengeRequired:     view.Progress.ChallengeRequired,
		CurrentChallengeLevel: view.Progress.CurrentChallengeLevel,
		VerifiedLevels:        verified,
		FailedAttempts:        view.Progress.FailedAttempts,
		FailureReason:         view.FailureReason,
		Challenges:            challenges,
	}
}
