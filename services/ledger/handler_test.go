package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"consignment-ledger/pkg/middleware"
	"consignment-ledger/pkg/settings"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc, _ := newTestService(t, settings.Default())
	r := gin.New()
	r.Use(middleware.Error())
	NewHandler(svc).Register(r)
	return r, svc
}

func TestHandlerHistory(t *testing.T) {
	r, svc := newTestRouter(t)
	ctx := context.Background()
	_, err := svc.OpenAccount(ctx, "u1")
	require.NoError(t, err)
	for _, id := range []string{"a", "b"} {
		_, err := svc.PostEntry(ctx, posting("u1", FieldWithdrawable, "2.50", id))
		require.NoError(t, err)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/accounts/u1/ledger?limit=1&field=withdrawable", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Entries []struct {
			BusinessID string `json:"business_id"`
			Delta      string `json:"delta"`
		} `json:"entries"`
		PageInfo struct {
			HasMore bool `json:"has_more"`
		} `json:"page_info"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Entries, 1)
	require.Equal(t, "b", body.Entries[0].BusinessID)
	require.Equal(t, "2.5", body.Entries[0].Delta)
	require.True(t, body.PageInfo.HasMore)
}

func TestHandlerErrors(t *testing.T) {
	r, _ := newTestRouter(t)

	cases := []struct {
		name string
		path string
		code int
	}{
		{name: "unknown account", path: "/v1/accounts/ghost", code: http.StatusNotFound},
		{name: "bad time", path: "/v1/accounts/u1/ledger?from=yesterday", code: http.StatusBadRequest},
		{name: "bad field", path: "/v1/accounts/u1/ledger?field=cash", code: http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))
			require.Equal(t, tc.code, w.Code)
			require.Contains(t, w.Body.String(), `"error"`)
		})
	}
}
