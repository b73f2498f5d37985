package payments

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/tradepost-market/tradepost-backend/internal/transactions"
	"github.com/tradepost-market/tradepost-backend/internal/webhookaudit"
	"github.com/tradepost-market/tradepost-backend/pkg/config"
	"github.com/tradepost-market/tradepost-backend/pkg/db/models"
	"github.com/tradepost-market/tradepost-backend/pkg/enums"
	pkgerrors "github.com/tradepost-market/tradepost-backend/pkg/errors"
	"github.com/tradepost-market/tradepost-backend/pkg/gateway"
	"github.com/tradepost-market/tradepost-backend/pkg/logger"
	"github.com/tradepost-market/tradepost-backend/pkg/metrics"
)

type stubTxRunner struct{}

func (stubTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type appliedEvent struct {
	transactionID uuid.UUID
	event         enums.TransactionEvent
	opts          transactions.EventOptions
}

type stubEngine struct {
	byOffer   map[uuid.UUID]*models.Transaction
	bySession map[string]*models.Transaction
	created   []*models.Transaction
	createErr error
	attached  map[uuid.UUID]string
	applied   []appliedEvent
	applyErr  error
}

func newStubEngine() *stubEngine {
	return &stubEngine{
		byOffer:   map[uuid.UUID]*models.Transaction{},
		bySession: map[string]*models.Transaction{},
		attached:  map[uuid.UUID]string{},
	}
}

func (e *stubEngine) FindByOffer(ctx context.Context, offerID uuid.UUID) (*models.Transaction, error) {
	return e.byOffer[offerID], nil
}

func (e *stubEngine) FindByGatewaySession(ctx context.Context, sessionID string) (*models.Transaction, error) {
	return e.bySession[sessionID], nil
}

func (e *stubEngine) CreatePendingWithTx(ctx context.Context, tx *gorm.DB, input transactions.CreatePendingInput) (*models.Transaction, error) {
	if e.createErr != nil {
		return nil, e.createErr
	}
	transaction := &models.Transaction{
		ID:        uuid.New(),
		ListingID: input.ListingID,
		OfferID:   input.OfferID,
		BuyerID:   input.BuyerID,
		SellerID:  input.SellerID,
		Amount:    input.Amount,
		Currency:  input.Currency,
		Quantity:  input.Quantity,
		Status:    enums.TransactionStatusPending,
		Provider:  input.Provider,
	}
	e.created = append(e.created, transaction)
	return transaction, nil
}

func (e *stubEngine) AttachGatewaySessionWithTx(ctx context.Context, tx *gorm.DB, id uuid.UUID, sessionID string) error {
	e.attached[id] = sessionID
	return nil
}

func (e *stubEngine) ApplyEventWithTx(ctx context.Context, tx *gorm.DB, id uuid.UUID, event enums.TransactionEvent, opts transactions.EventOptions) (*models.Transaction, transactions.Transition, error) {
	if e.applyErr != nil {
		return nil, transactions.Transition{}, e.applyErr
	}
	e.applied = append(e.applied, appliedEvent{transactionID: id, event: event, opts: opts})
	return &models.Transaction{ID: id}, transactions.Transition{}, nil
}

type stubListings struct {
	byID map[uuid.UUID]*models.Listing
}

func (s *stubListings) FindByID(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	if l, ok := s.byID[id]; ok {
		return l, nil
	}
	return nil, gorm.ErrRecordNotFound
}

type stubOffers struct {
	byID map[uuid.UUID]*models.Offer
}

func (s *stubOffers) FindByID(ctx context.Context, id uuid.UUID) (*models.Offer, error) {
	if o, ok := s.byID[id]; ok {
		return o, nil
	}
	return nil, gorm.ErrRecordNotFound
}

type stubAudit struct {
	records          []*models.WebhookEvent
	existing         *models.WebhookEvent
	processed        []uuid.UUID
	processingErrors map[uuid.UUID]string
	recordErr        error
}

func newStubAudit() *stubAudit {
	return &stubAudit{processingErrors: map[uuid.UUID]string{}}
}

func (a *stubAudit) WithTx(tx *gorm.DB) webhookaudit.Repository { return a }

func (a *stubAudit) Record(ctx context.Context, event *models.WebhookEvent) (*models.WebhookEvent, bool, error) {
	if a.recordErr != nil {
		err := a.recordErr
		a.recordErr = nil
		return nil, false, err
	}
	if a.existing != nil && a.existing.Provider == event.Provider && a.existing.EventID == event.EventID {
		return a.existing, false, nil
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	a.records = append(a.records, event)
	return event, true, nil
}

func (a *stubAudit) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	a.processed = append(a.processed, id)
	return nil
}

func (a *stubAudit) SetProcessingError(ctx context.Context, id uuid.UUID, message string) error {
	a.processingErrors[id] = message
	return nil
}

func (a *stubAudit) ListUnprocessed(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	var out []models.WebhookEvent
	for _, r := range a.records {
		if !r.Processed {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (a *stubAudit) FindByProviderEventID(ctx context.Context, provider enums.PaymentProvider, eventID string) (*models.WebhookEvent, error) {
	for _, r := range a.records {
		if r.Provider == provider && r.EventID == eventID {
			return r, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

type stubGateway struct {
	provider     enums.PaymentProvider
	createResp   *gateway.CheckoutSession
	createErr    error
	createCalls  int
	lastCreate   gateway.CheckoutParams
	retrieveResp *gateway.CheckoutSession
	retrieveErr  error
	verifyResp   *gateway.Event
	verifyErr    error
}

func (g *stubGateway) Provider() enums.PaymentProvider { return g.provider }

func (g *stubGateway) CreateCheckout(ctx context.Context, params gateway.CheckoutParams) (*gateway.CheckoutSession, error) {
	g.createCalls++
	g.lastCreate = params
	if g.createErr != nil {
		return nil, g.createErr
	}
	return g.createResp, nil
}

func (g *stubGateway) RetrieveCheckout(ctx context.Context, sessionID string) (*gateway.CheckoutSession, error) {
	if g.retrieveErr != nil {
		return nil, g.retrieveErr
	}
	return g.retrieveResp, nil
}

func (g *stubGateway) VerifyWebhook(payload []byte, signature string) (*gateway.Event, error) {
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	return g.verifyResp, nil
}

type fixture struct {
	svc      Service
	engine   *stubEngine
	listings *stubListings
	offers   *stubOffers
	audit    *stubAudit
	gateway  *stubGateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine := newStubEngine()
	listings := &stubListings{byID: map[uuid.UUID]*models.Listing{}}
	offers := &stubOffers{byID: map[uuid.UUID]*models.Offer{}}
	audit := newStubAudit()
	gw := &stubGateway{
		provider: enums.PaymentProviderStripe,
		createResp: &gateway.CheckoutSession{
			ID:          "cs_new",
			RedirectURL: "https://pay.example.com/cs_new",
			Status:      gateway.SessionStatusOpen,
		},
	}

	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	svc, err := NewService(
		stubTxRunner{},
		engine,
		listings,
		offers,
		audit,
		gateway.NewRegistry(gw),
		config.CheckoutConfig{
			SuccessURL:          "https://app.example.com/ok",
			CancelURL:           "https://app.example.com/cancel",
			ProductLabelDefault: "Tradepost purchase",
		},
		metrics.NewPaymentMetrics(nil),
		nil,
		logg,
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &fixture{svc: svc, engine: engine, listings: listings, offers: offers, audit: audit, gateway: gw}
}

func (f *fixture) addListing(price int64) *models.Listing {
	listing := &models.Listing{
		ID:       uuid.New(),
		SellerID: uuid.New(),
		Title:    "Vintage camera",
		Price:    decimal.NewFromInt(price),
		Currency: enums.CurrencyUSD,
		Status:   enums.ListingStatusAvailable,
	}
	f.listings.byID[listing.ID] = listing
	return listing
}

func (f *fixture) addOffer(listing *models.Listing, amount int64, quantity int) *models.Offer {
	offer := &models.Offer{
		ID:        uuid.New(),
		ListingID: listing.ID,
		BuyerID:   uuid.New(),
		Amount:    decimal.NewFromInt(amount),
		Quantity:  quantity,
		Status:    enums.OfferStatusAccepted,
	}
	f.offers.byID[offer.ID] = offer
	return offer
}

func TestInitiateCheckoutForListing(t *testing.T) {
	f := newFixture(t)
	listing := f.addListing(120)
	buyerID := uuid.New()

	result, err := f.svc.InitiateCheckout(context.Background(), CheckoutInput{
		BuyerID:   buyerID,
		ListingID: listing.ID,
		Provider:  enums.PaymentProviderStripe,
	})
	if err != nil {
		t.Fatalf("initiate checkout: %v", err)
	}
	if result.RedirectURL != "https://pay.example.com/cs_new" {
		t.Fatalf("unexpected redirect %q", result.RedirectURL)
	}
	if result.Reused || result.AlreadyPaid {
		t.Fatalf("fresh checkout should not be flagged reused/paid: %+v", result)
	}
	if len(f.engine.created) != 1 {
		t.Fatalf("expected one ledger row, got %d", len(f.engine.created))
	}
	if !f.engine.created[0].Amount.Equal(listing.Price) {
		t.Fatalf("ledger amount should match the listing price")
	}
	if f.gateway.lastCreate.AmountMinorUnits != 12000 {
		t.Fatalf("expected 12000 minor units, got %d", f.gateway.lastCreate.AmountMinorUnits)
	}
	if got := f.engine.attached[result.Transaction.ID]; got != "cs_new" {
		t.Fatalf("session not attached, got %q", got)
	}
	if f.gateway.lastCreate.Metadata["listing_id"] != listing.ID.String() {
		t.Fatalf("checkout metadata should carry the listing id")
	}
	if f.gateway.lastCreate.Metadata["buyer_id"] != buyerID.String() {
		t.Fatalf("checkout metadata should carry the buyer id")
	}
}

func TestInitiateCheckoutGatewayFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	listing := f.addListing(50)
	f.gateway.createErr = pkgerrors.New(pkgerrors.CodeDependency, "gateway down")

	_, err := f.svc.InitiateCheckout(context.Background(), CheckoutInput{
		BuyerID:   uuid.New(),
		ListingID: listing.ID,
		Provider:  enums.PaymentProviderStripe,
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeDependency {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if len(f.engine.attached) != 0 {
		t.Fatalf("no session should be attached when the gateway fails")
	}
}

func TestInitiateCheckoutRejectsSelfPurchase(t *testing.T) {
	f := newFixture(t)
	listing := f.addListing(50)

	_, err := f.svc.InitiateCheckout(context.Background(), CheckoutInput{
		BuyerID:   listing.SellerID,
		ListingID: listing.ID,
		Provider:  enums.PaymentProviderStripe,
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestInitiateCheckoutUnknownListing(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.InitiateCheckout(context.Background(), CheckoutInput{
		BuyerID:   uuid.New(),
		ListingID: uuid.New(),
		Provider:  enums.PaymentProviderStripe,
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInitiateCheckoutOfferAlreadyPaid(t *testing.T) {
	f := newFixture(t)
	listing := f.addListing(80)
	offer := f.addOffer(listing, 75, 1)
	f.engine.byOffer[offer.ID] = &models.Transaction{
		ID:     uuid.New(),
		Status: enums.TransactionStatusCompleted,
	}

	result, err := f.svc.InitiateCheckout(context.Background(), CheckoutInput{
		BuyerID:   offer.BuyerID,
		ListingID: listing.ID,
		OfferID:   &offer.ID,
		Provider:  enums.PaymentProviderStripe,
	})
	if err != nil {
		t.Fatalf("initiate checkout: %v", err)
	}
	if !result.AlreadyPaid {
		t.Fatalf("expected already-paid result")
	}
	if f.gateway.createCalls != 0 {
		t.Fatalf("no new session should be opened for a settled offer")
	}
}

func TestInitiateCheckoutRefundedOfferOpensNewRow(t *testing.T) {
	f := newFixture(t)
	listing := f.addListing(80)
	offer := f.addOffer(listing, 75, 1)
	offer.Status = enums.OfferStatusCompleted
	f.engine.byOffer[offer.ID] = &models.Transaction{
		ID:     uuid.New(),
		Status: enums.TransactionStatusRefunded,
	}

	result, err := f.svc.InitiateCheckout(context.Background(), CheckoutInput{
		BuyerID:   offer.BuyerID,
		ListingID: listing.ID,
		OfferID:   &offer.ID,
		Provider:  enums.PaymentProviderStripe,
	})
	if err != nil {
		t.Fatalf("initiate checkout: %v", err)
	}
	if result.AlreadyPaid || result.Reused {
		t.Fatalf("refunded offer must start a fresh attempt: %+v", result)
	}
	if len(f.engine.created) != 1 {
		t.Fatalf("a refunded offer retries via a new ledger row, got %d rows", len(f.engine.created))
	}
}

func TestInitiateCheckoutFailedOfferOpensNewRow(t *testing.T) {
	f := newFixture(t)
	listing := f.addListing(80)
	offer := f.addOffer(listing, 75, 1)
	// A failed payment leaves the offer rejected; the buyer may try again.
	offer.Status = enums.OfferStatusRejected
	f.engine.byOffer[offer.ID] = &models.Transaction{
		ID:     uuid.New(),
		Status: enums.TransactionStatusFailed,
	}

	result, err := f.svc.InitiateCheckout(context.Background(), CheckoutInput{
		BuyerID:   offer.BuyerID,
		ListingID: listing.ID,
		OfferID:   &offer.ID,
		Provider:  enums.PaymentProviderStripe,
	})
	if err != nil {
		t.Fatalf("retry after failed payment: %v", err)
	}
	if result.AlreadyPaid || result.Reused {
		t.Fatalf("failed offer must start a fresh attempt: %+v", result)
	}
	if len(f.engine.created) != 1 {
		t.Fatalf("failed offer retries via a new ledger row, got %d rows", len(f.engine.created))
	}
	if f.gateway.createCalls != 1 {
		t.Fatalf("expected a new checkout session, got %d", f.gateway.createCalls)
	}
}

func TestInitiateCheckoutSellerRejectedOfferConflicts(t *testing.T) {
	f := newFixture(t)
	listing := f.addListing(80)
	offer := f.addOffer(listing, 75, 1)
	// Rejected by the seller: no ledger row exists, so there is nothing to retry.
	offer.Status = enums.OfferStatusRejected

	_, err := f.svc.InitiateCheckout(context.Background(), CheckoutInput{
		BuyerID:   offer.BuyerID,
		ListingID: listing.ID,
		OfferID:   &offer.ID,
		Provider:  enums.PaymentProviderStripe,
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
	if len(f.engine.created) != 0 {
		t.Fatalf("no ledger row may open for a seller-rejected offer")
	}
}

func TestInitiateCheckoutReusesOpenSession(t *testing.T) {
	f := newFixture(t)
	listing := f.addListing(80)
	offer := f.addOffer(listing, 75, 1)
	sessionID := "cs_pending"
	f.engine.byOffer[offer.ID] = &models.Transaction{
		ID:               uuid.New(),
		Status:           enums.TransactionStatusPending,
		Provider:         enums.PaymentProviderStripe,
		GatewaySessionID: &sessionID,
	}
	f.gateway.retrieveResp = &gateway.CheckoutSession{
		ID:          sessionID,
		RedirectURL: "https://pay.example.com/cs_pending",
		Status:      gateway.SessionStatusOpen,
	}

	result, err := f.svc.InitiateCheckout(context.Background(), CheckoutInput{
		BuyerID:   offer.BuyerID,
		ListingID: listing.ID,
		OfferID:   &offer.ID,
		Provider:  enums.PaymentProviderStripe,
	})
	if err != nil {
		t.Fatalf("initiate checkout: %v", err)
	}
	if !result.Reused {
		t.Fatalf("expected reused session")
	}
	if result.RedirectURL != "https://pay.example.com/cs_pending" {
		t.Fatalf("unexpected redirect %q", result.RedirectURL)
	}
	if f.gateway.createCalls != 0 {
		t.Fatalf("open session must not be recreated")
	}
	if len(f.engine.created) != 0 {
		t.Fatalf("no second ledger row may exist for the offer")
	}
}

func TestInitiateCheckoutReopensExpiredSession(t *testing.T) {
	f := newFixture(t)
	listing := f.addListing(80)
	offer := f.addOffer(listing, 75, 1)
	sessionID := "cs_expired"
	pending := &models.Transaction{
		ID:               uuid.New(),
		Status:           enums.TransactionStatusPending,
		Provider:         enums.PaymentProviderStripe,
		Amount:           decimal.NewFromInt(75),
		Currency:         enums.CurrencyUSD,
		Quantity:         1,
		GatewaySessionID: &sessionID,
	}
	f.engine.byOffer[offer.ID] = pending
	f.gateway.retrieveResp = &gateway.CheckoutSession{ID: sessionID, Status: gateway.SessionStatusExpired}

	result, err := f.svc.InitiateCheckout(context.Background(), CheckoutInput{
		BuyerID:   offer.BuyerID,
		ListingID: listing.ID,
		OfferID:   &offer.ID,
		Provider:  enums.PaymentProviderStripe,
	})
	if err != nil {
		t.Fatalf("initiate checkout: %v", err)
	}
	if !result.Reused {
		t.Fatalf("reopened session should report the existing row")
	}
	if f.gateway.createCalls != 1 {
		t.Fatalf("expected one new session, got %d", f.gateway.createCalls)
	}
	if len(f.engine.created) != 0 {
		t.Fatalf("expired session must reuse the pending row, not create a new one")
	}
	if f.engine.attached[pending.ID] != "cs_new" {
		t.Fatalf("new session not attached to the pending row")
	}
}

func TestInitiateCheckoutOfferOwnership(t *testing.T) {
	f := newFixture(t)
	listing := f.addListing(80)
	offer := f.addOffer(listing, 75, 1)

	_, err := f.svc.InitiateCheckout(context.Background(), CheckoutInput{
		BuyerID:   uuid.New(),
		ListingID: listing.ID,
		OfferID:   &offer.ID,
		Provider:  enums.PaymentProviderStripe,
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestInitiateCheckoutPendingOfferConflicts(t *testing.T) {
	f := newFixture(t)
	listing := f.addListing(80)
	offer := f.addOffer(listing, 75, 1)
	offer.Status = enums.OfferStatusPending

	_, err := f.svc.InitiateCheckout(context.Background(), CheckoutInput{
		BuyerID:   offer.BuyerID,
		ListingID: listing.ID,
		OfferID:   &offer.ID,
		Provider:  enums.PaymentProviderStripe,
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestHandleWebhookAppliesPaymentSuccess(t *testing.T) {
	f := newFixture(t)
	transactionID := uuid.New()
	f.gateway.verifyResp = &gateway.Event{
		ID:            "evt_1",
		Type:          "checkout.session.completed",
		Kind:          gateway.EventKindPaymentSucceeded,
		TransactionID: transactionID.String(),
	}

	if err := f.svc.HandleWebhook(context.Background(), enums.PaymentProviderStripe, []byte(`{}`), "sig"); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}
	if len(f.engine.applied) != 1 {
		t.Fatalf("expected one lifecycle event, got %d", len(f.engine.applied))
	}
	if f.engine.applied[0].event != enums.TransactionEventPaymentSucceeded {
		t.Fatalf("unexpected event %s", f.engine.applied[0].event)
	}
	if f.engine.applied[0].transactionID != transactionID {
		t.Fatalf("event applied to the wrong transaction")
	}
	if len(f.audit.records) != 1 {
		t.Fatalf("expected one audit row, got %d", len(f.audit.records))
	}
	if len(f.audit.processed) != 1 {
		t.Fatalf("audit row should be marked processed")
	}
}

func TestHandleWebhookRedeliveryIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	transactionID := uuid.New()
	f.gateway.verifyResp = &gateway.Event{
		ID:            "evt_dup",
		Type:          "checkout.session.completed",
		Kind:          gateway.EventKindPaymentSucceeded,
		TransactionID: transactionID.String(),
	}
	f.audit.existing = &models.WebhookEvent{
		ID:        uuid.New(),
		Provider:  enums.PaymentProviderStripe,
		EventID:   "evt_dup",
		Processed: true,
	}

	if err := f.svc.HandleWebhook(context.Background(), enums.PaymentProviderStripe, []byte(`{}`), "sig"); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}
	if len(f.engine.applied) != 0 {
		t.Fatalf("redelivery must not reapply the event")
	}
}

func TestHandleWebhookRetriesUnprocessedRedelivery(t *testing.T) {
	f := newFixture(t)
	transactionID := uuid.New()
	f.gateway.verifyResp = &gateway.Event{
		ID:            "evt_retry",
		Type:          "checkout.session.completed",
		Kind:          gateway.EventKindPaymentSucceeded,
		TransactionID: transactionID.String(),
	}
	f.audit.existing = &models.WebhookEvent{
		ID:       uuid.New(),
		Provider: enums.PaymentProviderStripe,
		EventID:  "evt_retry",
	}

	if err := f.svc.HandleWebhook(context.Background(), enums.PaymentProviderStripe, []byte(`{}`), "sig"); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}
	if len(f.engine.applied) != 1 {
		t.Fatalf("unprocessed redelivery should be retried")
	}
}

func TestHandleWebhookUnknownKindIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	f.gateway.verifyResp = &gateway.Event{
		ID:   "evt_noise",
		Type: "customer.created",
		Kind: gateway.EventKindUnknown,
	}

	if err := f.svc.HandleWebhook(context.Background(), enums.PaymentProviderStripe, []byte(`{}`), "sig"); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}
	if len(f.engine.applied) != 0 {
		t.Fatalf("unknown events must not touch the ledger")
	}
	if len(f.audit.processed) != 1 {
		t.Fatalf("unknown events should still be audited and closed")
	}
}

func TestHandleWebhookMissingTransactionIsParked(t *testing.T) {
	f := newFixture(t)
	f.gateway.verifyResp = &gateway.Event{
		ID:   "evt_orphan",
		Type: "checkout.session.completed",
		Kind: gateway.EventKindPaymentSucceeded,
	}

	if err := f.svc.HandleWebhook(context.Background(), enums.PaymentProviderStripe, []byte(`{}`), "sig"); err != nil {
		t.Fatalf("orphan event should still be acknowledged: %v", err)
	}
	if len(f.engine.applied) != 0 {
		t.Fatalf("orphan event must not touch the ledger")
	}
	if len(f.audit.records) != 1 {
		t.Fatalf("orphan event should be audited")
	}
	if msg := f.audit.processingErrors[f.audit.records[0].ID]; msg == "" {
		t.Fatalf("orphan event should carry a processing error")
	}

	events, err := f.svc.ListUnprocessedEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("list unprocessed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected the orphan in the unprocessed list, got %d", len(events))
	}
}

func TestHandleWebhookResolvesBySession(t *testing.T) {
	f := newFixture(t)
	transaction := &models.Transaction{ID: uuid.New()}
	f.engine.bySession["cs_77"] = transaction
	f.gateway.verifyResp = &gateway.Event{
		ID:        "evt_sess",
		Type:      "checkout.session.completed",
		Kind:      gateway.EventKindPaymentSucceeded,
		SessionID: "cs_77",
	}

	if err := f.svc.HandleWebhook(context.Background(), enums.PaymentProviderStripe, []byte(`{}`), "sig"); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}
	if len(f.engine.applied) != 1 || f.engine.applied[0].transactionID != transaction.ID {
		t.Fatalf("event should resolve through the session reference")
	}
}

func TestHandleWebhookSignatureFailure(t *testing.T) {
	f := newFixture(t)
	f.gateway.verifyErr = pkgerrors.New(pkgerrors.CodeSignature, "signature mismatch")

	err := f.svc.HandleWebhook(context.Background(), enums.PaymentProviderStripe, []byte(`{}`), "bad")
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeSignature {
		t.Fatalf("expected signature error, got %v", err)
	}
	if len(f.audit.records) != 0 {
		t.Fatalf("unverified payloads must not be audited")
	}
}

func TestHandleWebhookApplyFailureFlagsTheRow(t *testing.T) {
	f := newFixture(t)
	transactionID := uuid.New()
	f.gateway.verifyResp = &gateway.Event{
		ID:            "evt_conflict",
		Type:          "checkout.session.async_payment_failed",
		Kind:          gateway.EventKindPaymentFailed,
		TransactionID: transactionID.String(),
	}
	f.engine.applyErr = pkgerrors.New(pkgerrors.CodeStateConflict, "event not allowed")

	err := f.svc.HandleWebhook(context.Background(), enums.PaymentProviderStripe, []byte(`{}`), "sig")
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
	if len(f.audit.records) != 1 {
		t.Fatalf("failed delivery should still be audited")
	}
	if msg := f.audit.processingErrors[f.audit.records[0].ID]; msg == "" {
		t.Fatalf("failed delivery should record a processing error")
	}
}

func TestHandleWebhookRefundEvents(t *testing.T) {
	f := newFixture(t)
	transactionID := uuid.New()
	f.gateway.verifyResp = &gateway.Event{
		ID:            "evt_refund",
		Type:          "charge.refunded",
		Kind:          gateway.EventKindRefundSucceeded,
		TransactionID: transactionID.String(),
	}

	if err := f.svc.HandleWebhook(context.Background(), enums.PaymentProviderStripe, []byte(`{}`), "sig"); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}
	if f.engine.applied[0].event != enums.TransactionEventRefundCompleted {
		t.Fatalf("refund success should map to refund_completed, got %s", f.engine.applied[0].event)
	}
}

func newGuardedFixture(t *testing.T) *fixture {
	t.Helper()
	engine := newStubEngine()
	listings := &stubListings{byID: map[uuid.UUID]*models.Listing{}}
	offers := &stubOffers{byID: map[uuid.UUID]*models.Offer{}}
	audit := newStubAudit()
	gw := &stubGateway{provider: enums.PaymentProviderStripe}

	guard, err := NewIdempotencyGuard(newMemoryIdempotencyStore(), time.Hour)
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}

	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	svc, err := NewService(
		stubTxRunner{},
		engine,
		listings,
		offers,
		audit,
		gateway.NewRegistry(gw),
		config.CheckoutConfig{
			SuccessURL:          "https://app.example.com/ok",
			CancelURL:           "https://app.example.com/cancel",
			ProductLabelDefault: "Tradepost purchase",
		},
		metrics.NewPaymentMetrics(nil),
		guard,
		logg,
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &fixture{svc: svc, engine: engine, listings: listings, offers: offers, audit: audit, gateway: gw}
}

func TestHandleWebhookGuardShortCircuitsRedelivery(t *testing.T) {
	f := newGuardedFixture(t)
	transactionID := uuid.New()
	f.gateway.verifyResp = &gateway.Event{
		ID:            "evt_guarded",
		Type:          "checkout.session.completed",
		Kind:          gateway.EventKindPaymentSucceeded,
		TransactionID: transactionID.String(),
	}

	if err := f.svc.HandleWebhook(context.Background(), enums.PaymentProviderStripe, []byte(`{}`), "sig"); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := f.svc.HandleWebhook(context.Background(), enums.PaymentProviderStripe, []byte(`{}`), "sig"); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	if len(f.engine.applied) != 1 {
		t.Fatalf("guarded redelivery must not reapply, applied %d", len(f.engine.applied))
	}
	if len(f.audit.records) != 1 {
		t.Fatalf("guarded redelivery must not hit the audit log, recorded %d", len(f.audit.records))
	}
}

func TestHandleWebhookGuardClearedAfterAuditFailure(t *testing.T) {
	f := newGuardedFixture(t)
	transactionID := uuid.New()
	f.gateway.verifyResp = &gateway.Event{
		ID:            "evt_audit_down",
		Type:          "checkout.session.completed",
		Kind:          gateway.EventKindPaymentSucceeded,
		TransactionID: transactionID.String(),
	}

	f.audit.recordErr = pkgerrors.New(pkgerrors.CodeInternal, "audit insert failed")
	if err := f.svc.HandleWebhook(context.Background(), enums.PaymentProviderStripe, []byte(`{}`), "sig"); err == nil {
		t.Fatal("expected delivery to fail when the audit insert fails")
	}
	if len(f.audit.records) != 0 {
		t.Fatalf("failed insert must leave no audit row, got %d", len(f.audit.records))
	}

	// The provider redelivers; nothing durable exists yet, so the retry must
	// run the full pipeline instead of short-circuiting at the guard.
	if err := f.svc.HandleWebhook(context.Background(), enums.PaymentProviderStripe, []byte(`{}`), "sig"); err != nil {
		t.Fatalf("retry after audit failure: %v", err)
	}
	if len(f.audit.records) != 1 {
		t.Fatalf("retry should record the event, got %d rows", len(f.audit.records))
	}
	if len(f.engine.applied) != 1 {
		t.Fatalf("retry should apply exactly once, applied %d", len(f.engine.applied))
	}
}

func TestHandleWebhookGuardClearedAfterFailure(t *testing.T) {
	f := newGuardedFixture(t)
	transactionID := uuid.New()
	f.gateway.verifyResp = &gateway.Event{
		ID:            "evt_retryable",
		Type:          "checkout.session.completed",
		Kind:          gateway.EventKindPaymentSucceeded,
		TransactionID: transactionID.String(),
	}

	f.engine.applyErr = pkgerrors.New(pkgerrors.CodeInternal, "database hiccup")
	if err := f.svc.HandleWebhook(context.Background(), enums.PaymentProviderStripe, []byte(`{}`), "sig"); err == nil {
		t.Fatal("expected first delivery to fail")
	}

	f.engine.applyErr = nil
	if err := f.svc.HandleWebhook(context.Background(), enums.PaymentProviderStripe, []byte(`{}`), "sig"); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if len(f.engine.applied) != 1 {
		t.Fatalf("retry should apply exactly once, applied %d", len(f.engine.applied))
	}
}
