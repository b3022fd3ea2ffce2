package services

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"creator-payment-system/ledger"
	"creator-payment-system/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	testDB      *gorm.DB
	pgContainer *postgres.PostgresContainer
)

const (
	payerAccount     = "0x00000000000000000000000000000000000000b0"
	itemIssuer       = "0x00000000000000000000000000000000000000a1"
	bountyIssuer     = "0x00000000000000000000000000000000000000a2"
	sellOrderIssuer  = "0x00000000000000000000000000000000000000a3"
	usdcIssuer       = "0x00000000000000000000000000000000000000c1"
	testCodeLength   = 10
	testMaxWinners   = 50
	testPollInterval = 5 * time.Millisecond
)

// TestMain starts PostgreSQL unless TEST_DB_HOST points at an external database
func TestMain(m *testing.M) {
	ctx := context.Background()

	dbHost := os.Getenv("TEST_DB_HOST")
	dbPort := os.Getenv("TEST_DB_PORT")
	dbUser := os.Getenv("TEST_DB_USER")
	dbPassword := os.Getenv("TEST_DB_PASSWORD")
	dbName := os.Getenv("TEST_DB_NAME")

	var dsn string
	var err error

	if dbHost != "" {
		if dbPort == "" {
			dbPort = "5432"
		}
		if dbUser == "" {
			dbUser = "postgres"
		}
		if dbPassword == "" {
			dbPassword = "postgres"
		}
		if dbName == "" {
			dbName = "test_db"
		}
		dsn = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			dbHost, dbPort, dbUser, dbPassword, dbName)
	} else {
		pgContainer, err = postgres.Run(ctx,
			"postgres:18-alpine",
			postgres.WithDatabase("test_db"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("postgres"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			fmt.Printf("Failed to start PostgreSQL container: %v\n", err)
			os.Exit(1)
		}

		dsn, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			fmt.Printf("Failed to get connection string: %v\n", err)
			terminate(ctx)
			os.Exit(1)
		}
	}

	testDB, err = gorm.Open(pgdriver.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		fmt.Printf("Failed to connect to database: %v\n", err)
		terminate(ctx)
		os.Exit(1)
	}

	if err := testDB.AutoMigrate(
		&models.PayableResource{},
		&models.Item{},
		&models.Bounty{},
		&models.SellOrder{},
		&models.RedeemCode{},
		&models.BountyClaim{},
		&models.SettledPayment{},
		&models.Trustline{},
	); err != nil {
		fmt.Printf("Failed to migrate database: %v\n", err)
		terminate(ctx)
		os.Exit(1)
	}

	code := m.Run()
	terminate(ctx)
	os.Exit(code)
}

func terminate(ctx context.Context) {
	if pgContainer == nil {
		return
	}
	if err := pgContainer.Terminate(ctx); err != nil {
		fmt.Printf("Failed to terminate PostgreSQL container: %v\n", err)
	}
}

// resetDB empties every table. Tests using it must not run in parallel.
func resetDB(t *testing.T) {
	t.Helper()
	require.NotNil(t, testDB, "test database not initialized")
	err := testDB.Exec(`TRUNCATE payable_resources, items, bounties, sell_orders, redeem_codes,
		bounty_claims, settled_payments, trustlines CASCADE`).Error
	require.NoError(t, err)
}

func txHash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

// fakeLedger settles whatever the test registers
type fakeLedger struct {
	mu          sync.Mutex
	settlements map[string]ledger.Settlement
	signed      map[string]string
	balances    map[string]decimal.Decimal
	prepared    []ledger.Transfer
	lookups     int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		settlements: make(map[string]ledger.Settlement),
		signed:      make(map[string]string),
		balances:    make(map[string]decimal.Decimal),
	}
}

func (f *fakeLedger) settle(hash, from, to string, asset models.PaymentAsset, amount string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settlements[strings.ToLower(hash)] = ledger.Settlement{
		TxHash:     strings.ToLower(hash),
		From:       from,
		To:         to,
		Asset:      asset,
		Amount:     decimal.RequireFromString(amount),
		Successful: true,
	}
}

func (f *fakeLedger) fail(hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.settlements[strings.ToLower(hash)]
	s.Successful = false
	f.settlements[strings.ToLower(hash)] = s
}

func (f *fakeLedger) sign(payload, hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signed[payload] = hash
}

func (f *fakeLedger) setBalance(account string, asset models.PaymentAsset, amount string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[strings.ToLower(account)+"|"+asset.Key()] = decimal.RequireFromString(amount)
}

func (f *fakeLedger) lookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

func (f *fakeLedger) PrepareTransfer(_ context.Context, t ledger.Transfer) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared = append(f.prepared, t)
	return []byte(fmt.Sprintf("%s>%s:%s:%s", t.From, t.To, t.Amount, t.Asset.Key())), nil
}

func (f *fakeLedger) Submit(_ context.Context, signed []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash, ok := f.signed[string(signed)]
	if !ok {
		return "", ledger.ErrInvalidPayload
	}
	return hash, nil
}

func (f *fakeLedger) LookupTransfer(_ context.Context, hash string, _ models.PaymentAsset) (*ledger.Settlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	s, ok := f.settlements[strings.ToLower(hash)]
	if !ok {
		return nil, ledger.ErrNotSettled
	}
	return &s, nil
}

func (f *fakeLedger) Balance(_ context.Context, account string, asset models.PaymentAsset) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[strings.ToLower(account)+"|"+asset.Key()], nil
}

type acceptAll struct{}

func (acceptAll) Accepts(context.Context, string, models.PaymentAsset) (bool, error) {
	return true, nil
}

func testRates() StaticRates {
	return StaticRates{
		models.PlatformAsset().Key(): {
			Rate:     decimal.NewFromInt(20),
			Fees:     FeeSchedule{BaseFee: decimal.NewFromInt(2), PlatformFee: decimal.NewFromInt(3)},
			Decimals: 18,
		},
		models.NativeAsset().Key(): {
			Rate:     decimal.RequireFromString("0.5"),
			Decimals: 18,
		},
		models.StableAsset("USDC", usdcIssuer).Key(): {
			Rate:     decimal.NewFromInt(1),
			Fees:     FeeSchedule{PlatformFee: decimal.RequireFromString("0.1")},
			Decimals: 6,
		},
	}
}

type testStack struct {
	ledger       *fakeLedger
	hub          *OutcomeHub
	oracle       *PricingOracle
	gate         *ConfirmationGate
	envelopes    *EnvelopeBuilder
	rewards      *RewardService
	materializer *Materializer
	deferred     *DeferredPayments
	svc          *PaymentService
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	resetDB(t)

	fake := newFakeLedger()
	hub := NewOutcomeHub()
	oracle := NewPricingOracle(testRates())
	validator := NewPayloadValidator(testMaxWinners)
	issuers := Issuers{
		models.ResourceKindItem:      itemIssuer,
		models.ResourceKindBounty:    bountyIssuer,
		models.ResourceKindSellOrder: sellOrderIssuer,
	}

	envelopes := NewEnvelopeBuilder(fake, acceptAll{}, nil)
	gate := NewConfirmationGate(testDB, oracle, fake, nil, 200*time.Millisecond, testPollInterval)
	rewards := NewRewardService(testDB, fake, oracle, hub, nil, testCodeLength)
	materializer := NewMaterializer(testDB, rewards, nil, validator, nil)
	deferred := NewDeferredPayments(testDB, oracle, envelopes, gate, materializer, issuers, hub)

	svc := NewPaymentService(testDB, PaymentServiceDeps{
		Validator:    validator,
		Oracle:       oracle,
		Envelopes:    envelopes,
		Gate:         gate,
		Materializer: materializer,
		Deferred:     deferred,
		Rewards:      rewards,
		Issuers:      issuers,
		Notifier:     hub,
	})

	return &testStack{
		ledger:       fake,
		hub:          hub,
		oracle:       oracle,
		gate:         gate,
		envelopes:    envelopes,
		rewards:      rewards,
		materializer: materializer,
		deferred:     deferred,
		svc:          svc,
	}
}

func managed(userID string) Identity {
	return Identity{UserID: userID, WalletAccount: payerAccount, WalletKind: WalletManaged}
}

func itemRequest(title string) CreateResourceRequest {
	return CreateResourceRequest{
		Kind:            models.ResourceKindItem,
		Title:           title,
		ReferenceAmount: decimal.NewFromInt(2),
		Asset:           models.PlatformAsset(),
		Item:            &ItemParams{Supply: 10, ListPrice: decimal.NewFromInt(5)},
	}
}

func bountyRequest(winners int, codes bool) CreateResourceRequest {
	return CreateResourceRequest{
		Kind:            models.ResourceKindBounty,
		Title:           "Find the statue",
		ReferenceAmount: decimal.NewFromInt(2),
		Asset:           models.PlatformAsset(),
		Bounty: &BountyParams{
			Winners:             winners,
			RewardAmountTotal:   decimal.NewFromInt(100),
			RewardAsset:         models.StableAsset("USDC", usdcIssuer),
			GenerateRedeemCodes: codes,
		},
	}
}

// payNow settles the platform fee of req under hash and runs the pay-now path
func (s *testStack) payNow(t *testing.T, userID string, req CreateResourceRequest, hash string) *models.PayableResource {
	t.Helper()
	issuer := map[models.ResourceKind]string{
		models.ResourceKindItem:      itemIssuer,
		models.ResourceKindBounty:    bountyIssuer,
		models.ResourceKindSellOrder: sellOrderIssuer,
	}[req.Kind]
	s.ledger.settle(hash, payerAccount, issuer, models.PlatformAsset(), "40")

	resource, err := s.svc.PayNow(context.Background(), managed(userID), PayNowRequest{Payload: req, TxRef: hash})
	require.NoError(t, err)
	return resource
}
