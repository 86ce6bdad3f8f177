package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/nkiryanov/machinepay/internal/handlers/middleware"
	"github.com/nkiryanov/machinepay/internal/handlers/render"
	"github.com/nkiryanov/machinepay/internal/logger"
	"github.com/nkiryanov/machinepay/internal/metrics"
	"github.com/nkiryanov/machinepay/internal/models"
	"github.com/nkiryanov/machinepay/internal/service/mandate"
	"github.com/nkiryanov/machinepay/internal/service/policy"
	"github.com/nkiryanov/machinepay/internal/service/registry"
	"github.com/nkiryanov/machinepay/internal/service/settlement"
	"github.com/nkiryanov/machinepay/internal/service/verifier"
	"github.com/nkiryanov/machinepay/internal/service/wallet"
)

// chain applies middlewares in the given order: m1(m2(...(h)))
func chain(h http.Handler, mds ...func(next http.Handler) http.Handler) http.Handler {
	for i := len(mds) - 1; i >= 0; i-- {
		h = mds[i](h)
	}
	return h
}

// Services the API is served by
type Services struct {
	Tenants    tenantService
	Wallets    walletService
	Endpoints  endpointRegistry
	Challenges challengeBuilder
	Payments   paymentExecutor
	Verifier   paymentVerifier
	Mandates   mandateService
}

type Options struct {
	// Guards POST /admin/tenants; admin routes answer 404 if empty
	AdminToken string

	// Request metrics are collected if set; Gatherer is exposed on /metrics
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer

	// Paywalled upstream mounted on /gateway/{tenant}/ if set
	Gateway func(next http.Handler) http.Handler
	Origin  http.Handler
}

func NewRouter(s Services, opts Options, l logger.Logger) http.Handler {
	withTenant := middleware.TenantAuth(s.Tenants)
	api := func(h http.Handler) http.Handler {
		return withTenant(h)
	}

	root := http.NewServeMux()

	root.Handle("GET /health", handleHealth())
	root.Handle("POST /admin/tenants", middleware.AdminToken(opts.AdminToken)(handleCreateTenant(s.Tenants, l)))

	root.Handle("POST /api/wallets", api(handleCreateWallet(s.Wallets, l)))
	root.Handle("GET /api/wallets/{id}", api(handleGetWallet(s.Wallets, l)))
	root.Handle("POST /api/wallets/{id}/freeze", api(handleFreezeWallet(s.Wallets, l)))
	root.Handle("POST /api/wallets/{id}/unfreeze", api(handleUnfreezeWallet(s.Wallets, l)))
	root.Handle("PUT /api/wallets/{id}/policy", api(handleSetPolicy(s.Wallets, l)))
	root.Handle("DELETE /api/wallets/{id}/policy", api(handleRemovePolicy(s.Wallets, l)))
	root.Handle("POST /api/wallets/{id}/fund", api(handleFundWallet(s.Payments, l)))
	root.Handle("GET /api/wallets/{id}/transfers", api(handleListTransfers(s.Wallets, l)))

	root.Handle("POST /api/agents", api(handleCreateAgent(s.Wallets, l)))
	root.Handle("GET /api/agents/{id}", api(handleGetAgent(s.Wallets, l)))

	root.Handle("POST /api/endpoints", api(handleRegisterEndpoint(s.Endpoints, l)))
	root.Handle("GET /api/endpoints", api(handleListEndpoints(s.Endpoints, l)))
	root.Handle("GET /api/endpoints/{id}", api(handleGetEndpoint(s.Endpoints, l)))
	root.Handle("PATCH /api/endpoints/{id}", api(handleUpdateEndpoint(s.Endpoints, l)))
	root.Handle("POST /api/endpoints/{id}/pause", api(handleEndpointStatus(s.Endpoints.Pause, l)))
	root.Handle("POST /api/endpoints/{id}/resume", api(handleEndpointStatus(s.Endpoints.Resume, l)))
	root.Handle("POST /api/endpoints/{id}/disable", api(handleEndpointStatus(s.Endpoints.Disable, l)))
	root.Handle("GET /api/endpoints/{id}/price", api(handleEndpointPrice(s.Endpoints, l)))

	root.Handle("POST /api/challenges", api(handleBuildChallenge(s.Challenges, l)))

	root.Handle("POST /api/payments", api(handleExecutePayment(s.Payments, l)))
	root.Handle("POST /api/payments/verify", api(handleVerifyPayment(s.Verifier, l)))
	root.Handle("GET /api/transfers/{id}", api(handleGetTransfer(s.Wallets, l)))
	root.Handle("POST /api/transfers/{id}/approve", api(handleApproveTransfer(s.Payments, l)))
	root.Handle("POST /api/transfers/{id}/reject", api(handleRejectTransfer(s.Payments, l)))

	root.Handle("POST /api/mandates", api(handleCreateMandate(s.Mandates, l)))
	root.Handle("GET /api/mandates/{id}", api(handleGetMandate(s.Mandates, l)))
	root.Handle("POST /api/mandates/{id}/cart", api(handleAttachCart(s.Mandates, l)))
	root.Handle("POST /api/mandates/{id}/execute", api(handleExecuteMandate(s.Mandates, l)))
	root.Handle("POST /api/mandates/{id}/revoke", api(handleRevokeMandate(s.Mandates, l)))

	if opts.Gatherer != nil {
		root.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if opts.Gateway != nil && opts.Origin != nil {
		root.Handle("/gateway/{tenant}/", handleGateway(opts.Gateway(opts.Origin)))
	}

	mds := []func(http.Handler) http.Handler{middleware.LoggerMiddleware(l)}
	if opts.Metrics != nil {
		mds = append(mds, middleware.Metrics(opts.Metrics))
	}

	return chain(root, mds...)
}

func handleHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, map[string]string{"status": "ok"})
	})
}

type tenantService interface {
	// Has to return apperrors.ErrUnauthorized for unknown or malformed keys
	Authenticate(ctx context.Context, rawKey string) (models.Tenant, error)

	// Returns the tenant and its API key; the key is never shown again
	CreateTenant(ctx context.Context, name string) (models.Tenant, string, error)
}

type walletService interface {
	Create(ctx context.Context, tenantID uuid.UUID, p wallet.CreateParams) (models.Wallet, error)
	Get(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Wallet, policy.Remaining, error)
	Freeze(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Wallet, error)
	Unfreeze(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Wallet, error)
	SetPolicy(ctx context.Context, tenantID uuid.UUID, id uuid.UUID, p wallet.PolicyParams) (models.Wallet, error)
	RemovePolicy(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Wallet, error)
	ListTransfers(ctx context.Context, tenantID uuid.UUID, id uuid.UUID, limit int) ([]models.Transfer, error)
	GetTransfer(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Transfer, error)
	CreateAgent(ctx context.Context, tenantID uuid.UUID, name string, walletID uuid.UUID) (models.Agent, error)
	GetAgent(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Agent, error)
}

type endpointRegistry interface {
	Register(ctx context.Context, tenantID uuid.UUID, p registry.RegisterParams) (models.Endpoint, error)
	Update(ctx context.Context, tenantID uuid.UUID, id uuid.UUID, p registry.UpdateParams) (models.Endpoint, error)
	Pause(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Endpoint, error)
	Resume(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Endpoint, error)
	Disable(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Endpoint, error)
	Get(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Endpoint, error)
	List(ctx context.Context, tenantID uuid.UUID) ([]models.Endpoint, error)
	ResolvePrice(ctx context.Context, tenantID uuid.UUID, id uuid.UUID, callsSoFar int64) (decimal.Decimal, error)
}

type challengeBuilder interface {
	// Has to return apperrors.ErrResourceNotPayable for unregistered routes
	Build(ctx context.Context, tenantID uuid.UUID, method string, path string) (models.Challenge, error)
}

type paymentExecutor interface {
	Execute(ctx context.Context, req settlement.Request) (settlement.Result, error)
	Approve(ctx context.Context, tenantID uuid.UUID, transferID uuid.UUID) (settlement.Result, error)
	Reject(ctx context.Context, tenantID uuid.UUID, transferID uuid.UUID, reason string) (models.Transfer, error)
	Fund(ctx context.Context, tenantID uuid.UUID, destinationID uuid.UUID, sourceID uuid.UUID, amount decimal.Decimal, reference string) (settlement.Result, error)
}

type paymentVerifier interface {
	Verify(ctx context.Context, tenantID uuid.UUID, proof string, want verifier.Expected) (verifier.Verification, error)
}

type mandateService interface {
	CreateIntent(ctx context.Context, tenantID uuid.UUID, p mandate.IntentParams) (models.Mandate, error)
	Get(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Mandate, error)
	AttachCart(ctx context.Context, tenantID uuid.UUID, id uuid.UUID, items []mandate.Item) (models.Mandate, error)
	Execute(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Mandate, []settlement.Result, error)
	Revoke(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (models.Mandate, error)
}
