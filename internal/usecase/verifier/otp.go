package verifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/simaogato/transferflow-backend/internal/domain"
)

// OTPVerifier issues a fresh single-use code per challenge level through the
// one-time-code collaborator, delivered to the account holder out of band.
type OTPVerifier struct {
	codes domain.OneTimeCodes
}

// NewOTPVerifier creates a verifier backed by a one-time-code store
func NewOTPVerifier(codes domain.OneTimeCodes) *OTPVerifier {
	return &OTPVerifier{codes: codes}
}

// Purpose names the code so one level's code can never satisfy another
func Purpose(transfer *domain.TransferRequest, level int) string {
	return fmt.Sprintf("transfer:%s:level:%d", transfer.ID, level)
}

// Issue requests a new code for the transfer's source account
func (v *OTPVerifier) Issue(ctx context.Context, transfer *domain.TransferRequest, level int) (string, error) {
	handle, err := v.codes.IssueCode(ctx, transfer.SourceAccountID.String(), Purpose(transfer, level))
	if err != nil {
		return "", fmt.Errorf("failed to issue security code: %w", err)
	}
	return handle, nil
}

// Verify checks the code against the handle issued for this level
func (v *OTPVerifier) Verify(ctx context.Context, transfer *domain.TransferRequest, level int, handle, code string) (bool, error) {
	if handle == "" {
		return false, errors.New("no security code has been issued for this level")
	}
	return v.codes.VerifyCode(ctx, handle, strings.TrimSpace(code))
}
