package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/machinepay/internal/handlers"
	"github.com/nkiryanov/machinepay/internal/handlers/paywall"
	"github.com/nkiryanov/machinepay/internal/logger"
	"github.com/nkiryanov/machinepay/internal/metrics"
	"github.com/nkiryanov/machinepay/internal/models"
	"github.com/nkiryanov/machinepay/internal/service/auth"
	"github.com/nkiryanov/machinepay/internal/service/challenge"
	"github.com/nkiryanov/machinepay/internal/service/mandate"
	"github.com/nkiryanov/machinepay/internal/service/proof"
	"github.com/nkiryanov/machinepay/internal/service/registry"
	"github.com/nkiryanov/machinepay/internal/service/settlement"
	"github.com/nkiryanov/machinepay/internal/service/verifier"
	"github.com/nkiryanov/machinepay/internal/service/wallet"
	"github.com/nkiryanov/machinepay/internal/testutil"
	"github.com/nkiryanov/machinepay/internal/testutil/fixture"
)

const adminToken = "admin-token"

type api struct {
	t      *testing.T
	router http.Handler
	key    string
	tenant uuid.UUID
	f      *fixture.Fixture
}

type response struct {
	status int
	header http.Header
	body   map[string]any
	raw    string
}

func (a *api) do(method, path string, body any, headers ...string) response {
	a.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	if a.key != "" {
		req.Header.Set("Authorization", "Bearer "+a.key)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	res := response{status: w.Code, header: w.Header(), raw: w.Body.String()}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") && strings.HasPrefix(res.raw, "{") {
		require.NoError(a.t, json.Unmarshal(w.Body.Bytes(), &res.body))
	}
	return res
}

func (a *api) expect(status int, method, path string, body any) map[string]any {
	a.t.Helper()

	res := a.do(method, path, body)
	require.Equalf(a.t, status, res.status, "%s %s: %s", method, path, res.raw)
	return res.body
}

func TestAPI(t *testing.T) {
	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	signer, err := proof.NewSigner("api-secret")
	require.NoError(t, err)

	origin := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("sunny at " + r.URL.Path))
	})

	withAPI := func(t *testing.T, fn func(a *api, gatherer prometheus.Gatherer)) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			l := logger.NewNoOpLogger()
			f := fixture.New(t, tx)
			reg := prometheus.NewRegistry()
			m := metrics.New(reg)

			executor := settlement.New(settlement.Config{}, f.Storage, signer, nil, m, l)
			endpoints := registry.New(f.Storage, l)
			challenges := challenge.New(f.Storage, l)
			proofs := verifier.New(f.Storage, signer)

			router := handlers.NewRouter(handlers.Services{
				Tenants:    auth.NewService(f.Storage, nil, l),
				Wallets:    wallet.New(f.Storage, l),
				Endpoints:  endpoints,
				Challenges: challenges,
				Payments:   executor,
				Verifier:   proofs,
				Mandates:   mandate.New(f.Storage, executor, l),
			}, handlers.Options{
				AdminToken: adminToken,
				Metrics:    m,
				Gatherer:   reg,
				Gateway:    paywall.New(endpoints, challenges, proofs, l).Wrap,
				Origin:     origin,
			}, l)

			a := &api{t: t, router: router, f: f}

			// Every test starts with a fresh tenant created by the operator
			res := a.do(http.MethodPost, "/admin/tenants", map[string]string{"name": "acme"}, "Authorization", "Bearer "+adminToken)
			require.Equal(t, http.StatusCreated, res.status, res.raw)
			a.key = res.body["api_key"].(string)
			a.tenant = uuid.MustParse(res.body["id"].(string))

			fn(a, reg)
		})
	}

	// Wallets: funded payer and provider owning /v1/weather priced 0.05
	type setup struct {
		payer    string
		provider string
		endpoint string
	}

	prepare := func(a *api) setup {
		treasury := a.f.Wallet(a.tenant, "1000")

		payer := a.expect(http.StatusCreated, http.MethodPost, "/api/wallets", map[string]any{"owner_id": "agent-1", "currency": "usdc"})
		provider := a.expect(http.StatusCreated, http.MethodPost, "/api/wallets", map[string]any{"currency": "USDC"})

		funded := a.expect(http.StatusOK, http.MethodPost, "/api/wallets/"+payer["id"].(string)+"/fund", map[string]any{
			"source_wallet_id": treasury.ID,
			"amount":           "10",
			"reference":        "deposit-1",
		})
		require.Equal(t, "confirmed", funded["status"])

		endpoint := a.expect(http.StatusCreated, http.MethodPost, "/api/endpoints", map[string]any{
			"wallet_id": provider["id"],
			"method":    "GET",
			"path":      "/v1/weather",
			"price":     "0.05",
			"currency":  "USDC",
		})

		return setup{payer: payer["id"].(string), provider: provider["id"].(string), endpoint: endpoint["id"].(string)}
	}

	challengeFor := func(a *api) map[string]any {
		return a.expect(http.StatusCreated, http.MethodPost, "/api/challenges", map[string]any{"method": "get", "path": "/v1/weather"})
	}

	pay := func(a *api, s setup, c map[string]any) response {
		return a.do(http.MethodPost, "/api/payments", map[string]any{
			"wallet_id":   s.payer,
			"endpoint_id": s.endpoint,
			"amount":      c["amount"],
			"nonce":       c["nonce"],
		})
	}

	t.Run("pay and verify", func(t *testing.T) {
		withAPI(t, func(a *api, _ prometheus.Gatherer) {
			s := prepare(a)
			c := challengeFor(a)
			require.Equal(t, "0.05", c["amount"])
			require.Equal(t, s.provider, c["pay_to"])
			require.Equal(t, "payment-required", c["status"])
			require.Equal(t, "0.05", c["maxAmountRequired"])
			require.Equal(t, "USDC", c["asset"])
			require.Equal(t, s.provider, c["payTo"])
			require.Equal(t, c["payment_id"], c["paymentId"])

			res := pay(a, s, c)
			require.Equal(t, http.StatusOK, res.status, res.raw)
			require.Equal(t, "confirmed", res.body["status"])
			require.Equal(t, c["payment_id"], res.body["transfer_id"])
			require.Equal(t, "9.95", res.body["balance"])
			require.Equal(t, false, res.body["replayed"])
			proof := res.body["proof"].(string)

			replay := pay(a, s, c)
			require.Equal(t, http.StatusOK, replay.status)
			require.Equal(t, true, replay.body["replayed"])
			require.Equal(t, proof, replay.body["proof"])

			verified := a.expect(http.StatusOK, http.MethodPost, "/api/payments/verify", map[string]any{
				"proof":       proof,
				"endpoint_id": s.endpoint,
				"amount":      "0.05",
				"nonce":       c["nonce"],
			})
			require.Equal(t, true, verified["verified"])
			require.Equal(t, s.payer, verified["payer"])

			mismatch := a.do(http.MethodPost, "/api/payments/verify", map[string]any{
				"proof":       proof,
				"endpoint_id": s.endpoint,
				"amount":      "0.01",
				"nonce":       c["nonce"],
			})
			require.Equal(t, http.StatusUnprocessableEntity, mismatch.status)

			payer := a.expect(http.StatusOK, http.MethodGet, "/api/wallets/"+s.payer, nil)
			require.Equal(t, "9.95", payer["balance"])
			require.Equal(t, map[string]any{"daily": nil, "monthly": nil}, payer["remaining"])

			provider := a.expect(http.StatusOK, http.MethodGet, "/api/wallets/"+s.provider, nil)
			require.Equal(t, "0.05", provider["balance"])

			transfer := a.expect(http.StatusOK, http.MethodGet, "/api/transfers/"+c["payment_id"].(string), nil)
			require.Equal(t, "machine_payment", transfer["protocol"])
			require.Equal(t, c["nonce"], transfer["idempotency_key"])
		})
	})

	t.Run("policy denial", func(t *testing.T) {
		withAPI(t, func(a *api, _ prometheus.Gatherer) {
			s := prepare(a)
			a.expect(http.StatusOK, http.MethodPut, "/api/wallets/"+s.payer+"/policy", map[string]any{"daily_limit": "0.08"})

			require.Equal(t, http.StatusOK, pay(a, s, challengeFor(a)).status)

			res := pay(a, s, challengeFor(a))
			require.Equal(t, http.StatusForbidden, res.status, res.raw)
			require.Equal(t, "policy_denied", res.body["error"])
			require.Equal(t, "LIMIT_EXCEEDED", res.body["code"])
			require.Equal(t, "daily_limit", res.body["rule"])
			require.Equal(t, "0.08", res.body["limit"])
			require.Equal(t, "0.03", res.body["remaining"])

			payer := a.expect(http.StatusOK, http.MethodGet, "/api/wallets/"+s.payer, nil)
			require.Equal(t, "0.03", payer["remaining"].(map[string]any)["daily"])
		})
	})

	t.Run("approval", func(t *testing.T) {
		withAPI(t, func(a *api, _ prometheus.Gatherer) {
			s := prepare(a)
			a.expect(http.StatusOK, http.MethodPut, "/api/wallets/"+s.payer+"/policy", map[string]any{"approval_threshold": "0.01"})

			res := pay(a, s, challengeFor(a))
			require.Equal(t, http.StatusAccepted, res.status, res.raw)
			require.Equal(t, "pending_approval", res.body["status"])
			require.Nil(t, res.body["proof"])
			id := res.body["transfer_id"].(string)

			approved := a.expect(http.StatusOK, http.MethodPost, "/api/transfers/"+id+"/approve", nil)
			require.Equal(t, "confirmed", approved["status"])
			require.NotEmpty(t, approved["proof"])

			again := a.do(http.MethodPost, "/api/transfers/"+id+"/reject", map[string]any{"reason": "too late"})
			require.Equal(t, http.StatusConflict, again.status)
		})
	})

	t.Run("reject", func(t *testing.T) {
		withAPI(t, func(a *api, _ prometheus.Gatherer) {
			s := prepare(a)
			a.expect(http.StatusOK, http.MethodPut, "/api/wallets/"+s.payer+"/policy", map[string]any{"approval_threshold": "0.01"})
			id := pay(a, s, challengeFor(a)).body["transfer_id"].(string)

			rejected := a.expect(http.StatusOK, http.MethodPost, "/api/transfers/"+id+"/reject", nil)

			require.Equal(t, "failed", rejected["status"])
		})
	})

	t.Run("payment errors", func(t *testing.T) {
		withAPI(t, func(a *api, _ prometheus.Gatherer) {
			s := prepare(a)

			c := challengeFor(a)
			c["amount"] = "0.04"
			require.Equal(t, http.StatusUnprocessableEntity, pay(a, s, c).status, "amount differs from challenge")

			a.expect(http.StatusOK, http.MethodPost, "/api/wallets/"+s.payer+"/freeze", nil)
			require.Equal(t, http.StatusForbidden, pay(a, s, challengeFor(a)).status)
			a.expect(http.StatusOK, http.MethodPost, "/api/wallets/"+s.payer+"/unfreeze", nil)

			a.expect(http.StatusOK, http.MethodPost, "/api/endpoints/"+s.endpoint+"/pause", nil)
			require.Equal(t, http.StatusServiceUnavailable, a.do(http.MethodPost, "/api/challenges", map[string]any{"method": "GET", "path": "/v1/weather"}).status)
			a.expect(http.StatusOK, http.MethodPost, "/api/endpoints/"+s.endpoint+"/resume", nil)

			require.Equal(t, http.StatusNotFound, a.do(http.MethodPost, "/api/challenges", map[string]any{"method": "GET", "path": "/v1/nothing"}).status)

			broke := a.expect(http.StatusCreated, http.MethodPost, "/api/wallets", map[string]any{"currency": "USDC"})
			c = challengeFor(a)
			res := a.do(http.MethodPost, "/api/payments", map[string]any{
				"wallet_id":   broke["id"],
				"endpoint_id": s.endpoint,
				"amount":      c["amount"],
				"nonce":       c["nonce"],
			})
			require.Equal(t, http.StatusPaymentRequired, res.status, res.raw)
		})
	})

	t.Run("request validation", func(t *testing.T) {
		withAPI(t, func(a *api, _ prometheus.Gatherer) {
			res := a.do(http.MethodPost, "/api/payments", map[string]any{"amount": "-1", "currency": "DOGE"})

			require.Equal(t, http.StatusBadRequest, res.status)
			require.Equal(t, "validation_failed", res.body["error"])
			fields := res.body["fields"].(map[string]any)
			require.Contains(t, fields, "amount")
			require.Contains(t, fields, "currency")
			require.Contains(t, fields, "nonce")
			require.Contains(t, fields, "wallet_id")

			require.Equal(t, http.StatusNotFound, a.do(http.MethodGet, "/api/wallets/not-an-id", nil).status)
			require.Equal(t, http.StatusNotFound, a.do(http.MethodGet, "/api/wallets/"+uuid.NewString(), nil).status)
		})
	})

	t.Run("authentication", func(t *testing.T) {
		withAPI(t, func(a *api, _ prometheus.Gatherer) {
			key := a.key

			a.key = ""
			require.Equal(t, http.StatusUnauthorized, a.do(http.MethodGet, "/api/endpoints", nil).status)

			a.key = "mp_000000000000.deadbeef"
			require.Equal(t, http.StatusUnauthorized, a.do(http.MethodGet, "/api/endpoints", nil).status)

			a.key = ""
			res := a.do(http.MethodGet, "/api/endpoints", nil, "X-API-Key", key)
			require.Equal(t, http.StatusOK, res.status)

			res = a.do(http.MethodPost, "/admin/tenants", map[string]string{"name": "evil"}, "Authorization", "Bearer guess")
			require.Equal(t, http.StatusUnauthorized, res.status)
		})
	})

	t.Run("tenants are isolated", func(t *testing.T) {
		withAPI(t, func(a *api, _ prometheus.Gatherer) {
			s := prepare(a)

			other := a.do(http.MethodPost, "/admin/tenants", map[string]string{"name": "other"}, "Authorization", "Bearer "+adminToken)
			require.Equal(t, http.StatusCreated, other.status)
			a.key = other.body["api_key"].(string)

			require.Equal(t, http.StatusNotFound, a.do(http.MethodGet, "/api/wallets/"+s.payer, nil).status)
			require.Equal(t, http.StatusNotFound, a.do(http.MethodGet, "/api/endpoints/"+s.endpoint, nil).status)
		})
	})

	t.Run("endpoints", func(t *testing.T) {
		withAPI(t, func(a *api, _ prometheus.Gatherer) {
			s := prepare(a)

			updated := a.expect(http.StatusOK, http.MethodPatch, "/api/endpoints/"+s.endpoint, map[string]any{
				"price": "1",
				"tiers": []map[string]any{{"threshold": 10, "multiplier": "0.5"}},
			})
			require.Equal(t, "1", updated["price"])

			price := a.expect(http.StatusOK, http.MethodGet, "/api/endpoints/"+s.endpoint+"/price?calls=10", nil)
			require.Equal(t, "0.5", price["price"])

			price = a.expect(http.StatusOK, http.MethodGet, "/api/endpoints/"+s.endpoint+"/price", nil)
			require.Equal(t, "1", price["price"])

			a.expect(http.StatusOK, http.MethodPost, "/api/endpoints/"+s.endpoint+"/disable", nil)
			require.Equal(t, http.StatusServiceUnavailable, a.do(http.MethodPost, "/api/endpoints/"+s.endpoint+"/resume", nil).status, "disabled is final")

			res := a.do(http.MethodGet, "/api/endpoints", nil)
			require.Equal(t, http.StatusOK, res.status)
			require.True(t, strings.HasPrefix(res.raw, "["))

			dup := a.do(http.MethodPost, "/api/endpoints", map[string]any{
				"wallet_id": s.provider, "method": "GET", "path": "/v1/weather", "price": "1", "currency": "USDC",
			})
			require.Equal(t, http.StatusConflict, dup.status)
		})
	})

	t.Run("agents pay through their wallet", func(t *testing.T) {
		withAPI(t, func(a *api, _ prometheus.Gatherer) {
			s := prepare(a)
			agent := a.expect(http.StatusCreated, http.MethodPost, "/api/agents", map[string]any{"name": "scraper", "wallet_id": s.payer})
			c := challengeFor(a)

			res := a.do(http.MethodPost, "/api/payments", map[string]any{
				"agent_id":    agent["id"],
				"endpoint_id": s.endpoint,
				"amount":      c["amount"],
				"nonce":       c["nonce"],
			})

			require.Equal(t, http.StatusOK, res.status, res.raw)
			got := a.expect(http.StatusOK, http.MethodGet, "/api/agents/"+agent["id"].(string), nil)
			require.Equal(t, s.payer, got["wallet_id"])
		})
	})

	t.Run("mandate", func(t *testing.T) {
		withAPI(t, func(a *api, _ prometheus.Gatherer) {
			s := prepare(a)

			m := a.expect(http.StatusCreated, http.MethodPost, "/api/mandates", map[string]any{
				"wallet_id":       s.payer,
				"counterparty_id": s.provider,
				"description":     "weekly data",
				"max_amount":      "5",
			})
			require.Equal(t, "intent", m["state"])
			id := m["id"].(string)

			m = a.expect(http.StatusOK, http.MethodPost, "/api/mandates/"+id+"/cart", map[string]any{
				"items": []map[string]any{{"amount": "1.5"}, {"amount": "2", "endpoint_id": s.endpoint}},
			})
			require.Equal(t, "cart", m["state"])
			require.Equal(t, "3.5", m["total"])

			executed := a.expect(http.StatusOK, http.MethodPost, "/api/mandates/"+id+"/execute", nil)
			require.Equal(t, "payment", executed["mandate"].(map[string]any)["state"])
			require.Len(t, executed["payments"], 2)

			require.Equal(t, http.StatusConflict, a.do(http.MethodPost, "/api/mandates/"+id+"/revoke", nil).status)

			transfers := a.do(http.MethodGet, "/api/wallets/"+s.payer+"/transfers?limit=10", nil)
			require.Equal(t, http.StatusOK, transfers.status)
			var list []map[string]any
			require.NoError(t, json.Unmarshal([]byte(transfers.raw), &list))
			require.Len(t, list, 3, "funding and two mandate payments")
		})
	})

	t.Run("gateway", func(t *testing.T) {
		withAPI(t, func(a *api, _ prometheus.Gatherer) {
			s := prepare(a)
			gateway := "/gateway/" + a.tenant.String()

			free := a.do(http.MethodGet, gateway+"/v1/free", nil)
			require.Equal(t, http.StatusOK, free.status)
			require.Equal(t, "sunny at /v1/free", free.raw)

			required := a.do(http.MethodGet, gateway+"/v1/weather", nil)
			require.Equal(t, http.StatusPaymentRequired, required.status, required.raw)
			accepts := required.body["accepts"].([]any)[0].(map[string]any)
			extra := accepts["extra"].(map[string]any)

			paid := pay(a, s, map[string]any{"amount": accepts["amount"], "nonce": extra["nonce"]})
			require.Equal(t, http.StatusOK, paid.status, paid.raw)

			header, err := paywall.EncodePayment(paywall.Payment{
				X402Version: paywall.X402Version,
				Nonce:       extra["nonce"].(string),
				Proof:       paid.body["proof"].(string),
			})
			require.NoError(t, err)

			served := a.do(http.MethodGet, gateway+"/v1/weather", nil, paywall.PaymentHeader, header)
			require.Equal(t, http.StatusOK, served.status, served.raw)
			require.Equal(t, "sunny at /v1/weather", served.raw)
			require.NotEmpty(t, served.header.Get(paywall.PaymentResponseHeader))

			reused := a.do(http.MethodGet, gateway+"/v1/weather", nil, paywall.PaymentHeader, header)
			require.Equal(t, http.StatusPaymentRequired, reused.status, "one payment buys one call")
			require.Equal(t, "Payment already used", reused.body["error"])

			require.Equal(t, http.StatusNotFound, a.do(http.MethodGet, "/gateway/nobody/v1/weather", nil).status)
		})
	})

	t.Run("metrics and health", func(t *testing.T) {
		withAPI(t, func(a *api, _ prometheus.Gatherer) {
			s := prepare(a)
			require.Equal(t, http.StatusOK, pay(a, s, challengeFor(a)).status)

			health := a.expect(http.StatusOK, http.MethodGet, "/health", nil)
			require.Equal(t, "ok", health["status"])

			res := a.do(http.MethodGet, "/metrics", nil)
			require.Equal(t, http.StatusOK, res.status)
			require.Contains(t, res.raw, `machinepay_settlements_total{outcome="confirmed"} 2`)
			require.Contains(t, res.raw, `route="POST /api/payments"`)
		})
	})

	t.Run("custody", func(t *testing.T) {
		withAPI(t, func(a *api, _ prometheus.Gatherer) {
			w := a.expect(http.StatusCreated, http.MethodPost, "/api/wallets", map[string]any{
				"currency": "EURC",
				"custody":  map[string]any{"kind": "externally_verified", "chain": "base", "address": "0xabc"},
			})
			require.Equal(t, string(models.CustodyExternal), w["custody"].(map[string]any)["kind"])

			res := a.do(http.MethodPost, "/api/wallets", map[string]any{
				"currency": "EURC",
				"custody":  map[string]any{"kind": "delegated_custody"},
			})
			require.Equal(t, http.StatusUnprocessableEntity, res.status)
		})
	})
}
