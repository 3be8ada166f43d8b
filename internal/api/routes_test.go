package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"liqbot/internal/models"
	"liqbot/internal/repository"
	"liqbot/internal/service"
	"liqbot/pkg/utils"
)

type fakeStrategies struct {
	deactivated bool
	gotID       int
}

func (f *fakeStrategies) List(ctx context.Context) ([]*models.Strategy, error) {
	return []*models.Strategy{{ID: 1, Name: "a"}}, nil
}

func (f *fakeStrategies) Get(ctx context.Context, id int) (*models.Strategy, error) {
	f.gotID = id
	if id != 1 {
		return nil, repository.ErrStrategyNotFound
	}
	return &models.Strategy{ID: 1, Name: "a"}, nil
}

func (f *fakeStrategies) Create(ctx context.Context, req *service.StrategyRequest) (*models.Strategy, error) {
	st := req.Strategy
	st.ID = 2
	return &st, nil
}

func (f *fakeStrategies) Update(ctx context.Context, id int, req *service.StrategyRequest) (*models.Strategy, error) {
	return &req.Strategy, nil
}

func (f *fakeStrategies) Activate(ctx context.Context, id int) (*models.Strategy, error) {
	return &models.Strategy{ID: id, IsActive: true}, nil
}

func (f *fakeStrategies) Deactivate(ctx context.Context) (*models.Strategy, error) {
	f.deactivated = true
	return &models.Strategy{ID: 1}, nil
}

func newTestRouter(token string, strategies *fakeStrategies) http.Handler {
	return SetupRoutes(&Dependencies{
		Strategies: strategies,
		WebSocket: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}),
		AllowedOrigins: []string{"https://ui.example"},
		APIToken:       token,
		Logger:         utils.NewNopLogger(),
	})
}

func TestSetupRoutes_Health(t *testing.T) {
	router := SetupRoutes(nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Errorf("health = %d %q", w.Code, w.Body.String())
	}
}

func TestSetupRoutes_Metrics(t *testing.T) {
	router := newTestRouter("", &fakeStrategies{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/strategies", nil))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "liqbot_api_request_duration_seconds") {
		t.Error("api latency histogram not exported")
	}
}

func TestSetupRoutes_DeactivateNotShadowedByID(t *testing.T) {
	strategies := &fakeStrategies{}
	router := newTestRouter("", strategies)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/strategies/deactivate", nil))

	if w.Code != http.StatusOK || !strategies.deactivated {
		t.Errorf("deactivate status = %d, called = %v", w.Code, strategies.deactivated)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/strategies/1", nil))
	if w.Code != http.StatusOK || strategies.gotID != 1 {
		t.Errorf("get status = %d, id = %d", w.Code, strategies.gotID)
	}

	var st models.Strategy
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil || st.Name != "a" {
		t.Errorf("decoded = %+v, err = %v", st, err)
	}
}

func TestSetupRoutes_TokenAuth(t *testing.T) {
	router := newTestRouter("secret-token-0123", &fakeStrategies{})

	tests := []struct {
		name       string
		path       string
		header     string
		wantStatus int
	}{
		{"api without token", "/api/v1/strategies", "", http.StatusUnauthorized},
		{"api with token", "/api/v1/strategies", "Bearer secret-token-0123", http.StatusOK},
		{"ws without token", "/ws/stream", "", http.StatusUnauthorized},
		{"ws with token", "/ws/stream", "Bearer secret-token-0123", http.StatusAccepted},
		{"health is public", "/health", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestSetupRoutes_Preflight(t *testing.T) {
	router := newTestRouter("secret-token-0123", &fakeStrategies{})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/strategies/1/activate", nil)
	req.Header.Set("Origin", "https://ui.example")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "https://ui.example" {
		t.Errorf("Allow-Origin = %q", w.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestSetupRoutes_DisabledGroups(t *testing.T) {
	router := newTestRouter("", &fakeStrategies{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("status without position service = %d, want 404", w.Code)
	}
}

func TestSetupRoutes_MethodNotAllowed(t *testing.T) {
	router := newTestRouter("", &fakeStrategies{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/strategies", nil))

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}
