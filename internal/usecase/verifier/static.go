package verifier

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/simaogato/transferflow-backend/internal/domain"
)

// DefaultStaticCodes are the demo codes for levels 1..4
var DefaultStaticCodes = []string{"482913", "715264", "309581", "864207"}

// StaticVerifier checks each level against one fixed code.
// It reproduces the demo behaviour; OTPVerifier is the production replacement.
type StaticVerifier struct {
	codes map[int]string
}

// NewStaticVerifier maps codes[i] to level i+1
func NewStaticVerifier(codes []string) (*StaticVerifier, error) {
	if len(codes) == 0 {
		return nil, errors.New("at least one static challenge code is required")
	}
	byLevel := make(map[int]string, len(codes))
	for i, code := range codes {
		code = strings.TrimSpace(code)
		if code == "" {
			return nil, fmt.Errorf("static challenge code for level %d is empty", i+1)
		}
		byLevel[i+1] = code
	}
	return &StaticVerifier{codes: byLevel}, nil
}

// Issue has nothing to deliver for static codes
func (v *StaticVerifier) Issue(ctx context.Context, transfer *domain.TransferRequest, level int) (string, error) {
	if _, ok := v.codes[level]; !ok {
		return "", fmt.Errorf("no static challenge code configured for level %d", level)
	}
	return "", nil
}

// Verify compares the submitted code with the level's fixed code
func (v *StaticVerifier) Verify(ctx context.Context, transfer *domain.TransferRequest, level int, handle, code string) (bool, error) {
	expected, ok := v.codes[level]
	if !ok {
		return false, fmt.Errorf("no static challenge code configured for level %d", level)
	}
	submitted := strings.TrimSpace(code)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(submitted)) == 1, nil
}
