package handlers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/nkiryanov/machinepay/internal/handlers/render"
	"github.com/nkiryanov/machinepay/internal/handlers/tenantctx"
	"github.com/nkiryanov/machinepay/internal/logger"
	"github.com/nkiryanov/machinepay/internal/models"
)

func handleCreateTenant(s tenantService, l logger.Logger) http.Handler {
	type request struct {
		Name string `json:"name" validate:"required,min=2,max=100"`
	}
	type response struct {
		ID     uuid.UUID `json:"id"`
		Name   string    `json:"name"`
		APIKey string    `json:"api_key"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		tenant, key, err := s.CreateTenant(r.Context(), data.Name)
		if err != nil {
			renderError(w, r, l, err)
			return
		}

		render.JSONWithStatus(w, response{ID: tenant.ID, Name: tenant.Name, APIKey: key}, http.StatusCreated)
	})
}

// handleGateway serves /gateway/{tenant}/... with the path below the prefix.
// Callers of a paywalled resource hold no API key, the tenant is named by the path.
func handleGateway(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "tenant")
		if !ok {
			return
		}

		prefix := "/gateway/" + r.PathValue("tenant")
		ctx := tenantctx.New(r.Context(), models.Tenant{ID: id})

		http.StripPrefix(prefix, next).ServeHTTP(w, r.WithContext(ctx))
	})
}

