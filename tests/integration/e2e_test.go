//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	grpcadapter "github.com/simaogato/transferflow-backend/internal/adapter/grpc"
	"github.com/simaogato/transferflow-backend/internal/adapter/repository/postgres"
	"github.com/simaogato/transferflow-backend/internal/domain"
	"github.com/simaogato/transferflow-backend/internal/usecase/verifier"
)

var (
	db         *postgres.DB
	ledgerRepo *postgres.LedgerRepository
	grpcClient *grpcadapter.TransferServiceClient
	grpcConn   *grpc.ClientConn
)

// TestMain connects to the database and to a running server started with STORAGE_DRIVER=postgres
func TestMain(m *testing.M) {
	ctx := context.Background()

	// 1. Connect to Database
	var err error
	db, err = postgres.NewDB(getDBConnectionString())
	if err != nil {
		panic(fmt.Sprintf("Failed to connect to database: %v", err))
	}
	if err := db.EnsureSchema(ctx); err != nil {
		panic(fmt.Sprintf("Failed to ensure schema: %v", err))
	}
	ledgerRepo = postgres.NewLedgerRepository(db)

	// 2. Connect to gRPC Server
	grpcConn, err = grpc.NewClient(getGRPCAddress(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		panic(fmt.Sprintf("Failed to connect to gRPC server: %v", err))
	}
	grpcClient = grpcadapter.NewTransferServiceClient(grpcConn)

	code := m.Run()

	grpcConn.Close()
	db.Close()
	os.Exit(code)
}

func getAuthContext() context.Context {
	token := os.Getenv("API_TOKEN")
	if token == "" {
		token = "dev-token"
	}
	md := metadata.New(map[string]string{
		"authorization": token,
	})
	return metadata.NewOutgoingContext(context.Background(), md)
}

// getDBConnectionString returns the database connection string from environment or defaults
func getDBConnectionString() string {
	if connStr := os.Getenv("DB_CONN_STR"); connStr != "" {
		return connStr
	}
	return "host=localhost port=5432 user=postgres password=postgres dbname=transferflow sslmode=disable"
}

// getGRPCAddress returns the gRPC server address from environment or defaults
func getGRPCAddress() string {
	addr := os.Getenv("GRPC_ADDRESS")
	if addr == "" {
		addr = "localhost:50051"
	}
	return addr
}

// staticCodes mirrors the server's STATIC_CHALLENGE_CODES
func staticCodes() []string {
	raw := os.Getenv("STATIC_CHALLENGE_CODES")
	if raw == "" {
		return verifier.DefaultStaticCodes
	}
	var codes []string
	for _, code := range strings.Split(raw, ",") {
		codes = append(codes, strings.TrimSpace(code))
	}
	return codes
}

// createAccount inserts a fresh account so tests never share an active-transfer slot
func createAccount(t *testing.T, balance string) uuid.UUID {
	t.Helper()
	account := &domain.Account{
		ID:      uuid.New(),
		Name:    "Integration " + t.Name(),
		Balance: decimal.RequireFromString(balance),
	}
	require.NoError(t, ledgerRepo.Create(context.Background(), account))
	return account.ID
}

func call(t *testing.T, method string, req interface{}, out interface{}) error {
	t.Helper()
	doc, err := grpcadapter.Encode(req)
	require.NoError(t, err)

	resp, err := grpcClient.Call(getAuthContext(), method, doc)
	if err != nil {
		return err
	}
	if out != nil {
		require.NoError(t, grpcadapter.Decode(resp, out))
	}
	return nil
}

func createTransfer(t *testing.T, accountID uuid.UUID, amount string) grpcadapter.CreateTransferResponse {
	t.Helper()
	var out grpcadapter.CreateTransferResponse
	err := call(t, "CreateTransfer", grpcadapter.CreateTransferRequest{
		SourceAccountID:        accountID.String(),
		RecipientAccountNumber: "000123456789",
		RecipientAccountName:   "Jane Doe",
		BankName:               "First Demo Bank",
		RoutingIdentifier:      "021000021",
		Description:            "Rent",
		Amount:                 amount,
	}, &out)
	require.NoError(t, err)
	return out
}

func waitForStatus(t *testing.T, transferID string, want domain.TransferStatus) grpcadapter.Progress {
	t.Helper()
	deadline := time.Now().Add(60 * time.Second)
	var last grpcadapter.Progress
	for time.Now().Before(deadline) {
		require.NoError(t, call(t, "GetProgress", grpcadapter.TransferIDRequest{TransferID: transferID}, &last))
		if last.Status == string(want) {
			return last
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("transfer %s never reached %s, last status %s at %d%%", transferID, want, last.Status, last.Percentage)
	return last
}

func accountBalance(t *testing.T, accountID uuid.UUID) decimal.Decimal {
	t.Helper()
	balance, err := ledgerRepo.GetBalance(context.Background(), accountID)
	require.NoError(t, err)
	return balance
}

// TestEndToEndFlow drives a $250 transfer from a $1000 account through every challenge
func TestEndToEndFlow(t *testing.T) {
	accountID := createAccount(t, "1000.00")
	created := createTransfer(t, accountID, "250.00")
	assert.Equal(t, string(domain.TransferStatusCreated), created.Transfer.Status)

	require.NoError(t, call(t, "StartTransfer", grpcadapter.TransferIDRequest{TransferID: created.TransferID}, nil))

	challengeCodes := staticCodes()
	thresholds := []int{}
	for level := 1; level <= len(domain.DefaultChallengeThresholds); level++ {
		paused := waitForStatus(t, created.TransferID, domain.TransferStatusAwaitingChallenge)
		require.Equal(t, level, paused.CurrentChallengeLevel)
		thresholds = append(thresholds, paused.Percentage)

		// Balance untouched while challenges are pending
		assert.True(t, accountBalance(t, accountID).Equal(decimal.RequireFromString("1000")))

		var submitted grpcadapter.SubmitChallengeCodeResponse
		require.NoError(t, call(t, "SubmitChallengeCode", grpcadapter.SubmitChallengeCodeRequest{
			TransferID: created.TransferID,
			Level:      level,
			Code:       challengeCodes[level-1],
		}, &submitted))
		assert.True(t, submitted.Accepted)
	}
	assert.Equal(t, []int{40, 70, 80, 90}, thresholds)

	done := waitForStatus(t, created.TransferID, domain.TransferStatusCompleted)
	assert.Equal(t, 100, done.Percentage)

	assert.True(t, accountBalance(t, accountID).Equal(decimal.RequireFromString("750")))

	var debits int
	err := db.QueryRow(`SELECT COUNT(*) FROM ledger_debits WHERE idempotency_key = $1`, "transfer:"+created.TransferID).Scan(&debits)
	require.NoError(t, err)
	assert.Equal(t, 1, debits)

	// Completed transfers cannot be abandoned
	err = call(t, "AbandonTransfer", grpcadapter.AbandonTransferRequest{TransferID: created.TransferID}, nil)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

// TestResumeAfterReload reattaches to a paused transfer without restarting it
func TestResumeAfterReload(t *testing.T) {
	accountID := createAccount(t, "1000.00")
	created := createTransfer(t, accountID, "100.00")

	require.NoError(t, call(t, "StartTransfer", grpcadapter.TransferIDRequest{TransferID: created.TransferID}, nil))
	paused := waitForStatus(t, created.TransferID, domain.TransferStatusAwaitingChallenge)

	var active grpcadapter.GetActiveTransferResponse
	require.NoError(t, call(t, "GetActiveTransfer", grpcadapter.GetActiveTransferRequest{AccountID: accountID.String()}, &active))
	require.True(t, active.Found)
	assert.Equal(t, created.TransferID, active.Transfer.ID)

	var resumed grpcadapter.Progress
	require.NoError(t, call(t, "ResumeTransfer", grpcadapter.TransferIDRequest{TransferID: created.TransferID}, &resumed))
	assert.Equal(t, paused.Percentage, resumed.Percentage)
	assert.Equal(t, paused.CurrentChallengeLevel, resumed.CurrentChallengeLevel)
	assert.True(t, resumed.ChallengeRequired)

	var abandoned grpcadapter.Progress
	require.NoError(t, call(t, "AbandonTransfer", grpcadapter.AbandonTransferRequest{
		TransferID: created.TransferID,
		Reason:     "integration cleanup",
	}, &abandoned))
	assert.Equal(t, string(domain.TransferStatusAbandoned), abandoned.Status)
	assert.True(t, accountBalance(t, accountID).Equal(decimal.RequireFromString("1000")))
}

// TestNegativeScenarios covers the form and store refusals
func TestNegativeScenarios(t *testing.T) {
	accountID := createAccount(t, "500.00")

	t.Run("Insufficient Funds", func(t *testing.T) {
		err := call(t, "CreateTransfer", grpcadapter.CreateTransferRequest{
			SourceAccountID:        accountID.String(),
			RecipientAccountNumber: "1",
			RecipientAccountName:   "Jane Doe",
			BankName:               "Bank",
			RoutingIdentifier:      "021000021",
			Description:            "Too much",
			Amount:                 "500.01",
		}, nil)
		assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	})

	t.Run("Conflict", func(t *testing.T) {
		first := createTransfer(t, accountID, "10")
		err := call(t, "CreateTransfer", grpcadapter.CreateTransferRequest{
			SourceAccountID:        accountID.String(),
			RecipientAccountNumber: "2",
			RecipientAccountName:   "John Roe",
			BankName:               "Bank",
			RoutingIdentifier:      "021000021",
			Description:            "Second",
			Amount:                 "10",
		}, nil)
		assert.Equal(t, codes.AlreadyExists, status.Code(err))
		assert.Contains(t, status.Convert(err).Message(), first.TransferID)
	})

	t.Run("Unknown Transfer", func(t *testing.T) {
		err := call(t, "GetProgress", grpcadapter.TransferIDRequest{TransferID: uuid.NewString()}, nil)
		assert.Equal(t, codes.NotFound, status.Code(err))
	})

	t.Run("Unauthenticated", func(t *testing.T) {
		_, err := grpcClient.Call(context.Background(), "GetProgress", nil)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})
}

// TestTransferRepository_OneActivePerAccount races creates against the partial unique index
