package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"blocktree/blockchain/ledger"
	"blocktree/logging"
	"blocktree/notify"
	"blocktree/registry"
	"blocktree/service"
)

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))
	vs, err := service.NewVotingService(ctx, service.Config{Difficulty: "0", QueueSize: 4}, notify.LogNotifier{})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, vs.Close(context.Background()))
	})
	return NewServer(ctx, vs, opts...)
}

func do(t *testing.T, s *Server, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec.Code, resp
}

const bob = `{"name":"Bob","email":"bob@example.com","address":"1 Main St","faceId":"FACE_BOB","aadharCardNumber":"1111-2222"}`

func TestAddUser(t *testing.T) {
	s := newTestServer(t)

	code, resp := do(t, s, http.MethodPost, "/user/add", bob)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, resp["error"])
	require.Equal(t, "User added successfully", resp["message"])

	block := resp["block"].(map[string]any)
	require.EqualValues(t, 1, block["id"])
	require.True(t, strings.HasPrefix(block["hash"].(string), "0"))
	data := block["data"].(map[string]any)
	require.Equal(t, "bob@example.com", data["email"])
	require.Equal(t, "1111-2222", data["aadharCardNumber"])

	code, resp = do(t, s, http.MethodPost, "/user/add", bob)
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, true, resp["error"])
}

func TestAddUserInvalid(t *testing.T) {
	s := newTestServer(t)

	code, resp := do(t, s, http.MethodPost, "/user/add", `{"name":"Nobody","email":"x@example.com"}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, true, resp["error"])

	code, _ = do(t, s, http.MethodPost, "/user/add", `{"name":`)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestUpdateUser(t *testing.T) {
	s := newTestServer(t)
	do(t, s, http.MethodPost, "/user/add", bob)

	updated := strings.Replace(bob, "1 Main St", "2 Side St", 1)
	code, resp := do(t, s, http.MethodPut, "/user/update", updated)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "User updated successfully", resp["message"])

	code, resp = do(t, s, http.MethodPost, "/user/details", `{"identifier":"1111-2222"}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "2 Side St", resp["user"].(map[string]any)["address"])

	code, _ = do(t, s, http.MethodPut, "/user/update", `{"email":"ghost@example.com","aadharCardNumber":"0"}`)
	require.Equal(t, http.StatusNotFound, code)

	code, resp = do(t, s, http.MethodPost, "/user/details", `{"identifier":"ghost@example.com"}`)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "User not found", resp["message"])
}

func TestVoting(t *testing.T) {
	s := newTestServer(t)
	do(t, s, http.MethodPost, "/user/add", bob)

	code, resp := do(t, s, http.MethodPost, "/user/vote", `{"email":"bob@example.com","party":"PartyX"}`)
	require.Equal(t, http.StatusOK, code)
	receipt := resp["receipt"].(map[string]any)
	require.Equal(t, "PartyX", receipt["party"])

	receiptJSON, err := json.Marshal(receipt)
	require.NoError(t, err)
	code, resp = do(t, s, http.MethodPost, "/vote/verify", string(receiptJSON))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, resp["valid"])

	code, resp = do(t, s, http.MethodPost, "/user/vote", `{"email":"bob@example.com","party":"PartyY"}`)
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, true, resp["error"])

	code, _ = do(t, s, http.MethodPost, "/user/vote", `{"email":"unknown@example.com","party":"PartyX"}`)
	require.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, s, http.MethodPost, "/user/vote", `{"email":"bob@example.com"}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, resp = do(t, s, http.MethodPost, "/party/votes", `{"party":"PartyX"}`)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, resp["votes"])

	code, resp = do(t, s, http.MethodPost, "/user/check", `{"email":"bob@example.com"}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "PartyX", resp["party"])
	require.Equal(t, "User voted for PartyX", resp["message"])

	code, resp = do(t, s, http.MethodGet, "/party/results", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, map[string]any{"PartyX": float64(1)}, resp["results"])
}

func TestTreeRoutes(t *testing.T) {
	s := newTestServer(t)
	do(t, s, http.MethodPost, "/user/add", bob)

	code, resp := do(t, s, http.MethodGet, "/tree/get", "")
	require.Equal(t, http.StatusOK, code)
	tree := resp["tree"].(map[string]any)
	require.EqualValues(t, 0, tree["blockId"])
	require.Len(t, tree["children"], 1)

	code, resp = do(t, s, http.MethodGet, "/tree/verify", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, resp["integrity"])
	require.Equal(t, false, resp["error"])

	code, resp = do(t, s, http.MethodGet, "/tree/verify?seals=true", "")
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 2, resp["report"].(map[string]any)["checked"])
}

func TestMetricsAndHealth(t *testing.T) {
	s := newTestServer(t)
	do(t, s, http.MethodPost, "/user/add", bob)

	code, resp := do(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "Service is healthy", resp["message"])

	code, resp = do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, resp["totalUsers"])
	require.EqualValues(t, 2, resp["totalBlocks"])
	require.EqualValues(t, 0, resp["totalVotes"])
	require.NotEmpty(t, resp["lastBlock"])

	req := httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "blocktree_ledger_sealed_blocks_total")
}

func TestShutdownRoute(t *testing.T) {
	s := newTestServer(t)

	code, resp := do(t, s, http.MethodPost, "/shutdown", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "BlockTree shutdown successfully", resp["message"])

	code, resp = do(t, s, http.MethodPost, "/user/add", bob)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, true, resp["error"])
}

func TestCORSAndUnknownRoute(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://frontend.example.com")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	code, resp := do(t, s, http.MethodGet, "/nope", "")
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, true, resp["error"])
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{errors.Wrap(registry.ErrInvalidIdentity, "bad"), http.StatusBadRequest},
		{registry.ErrDuplicateRegistration, http.StatusConflict},
		{service.ErrAlreadyVoted, http.StatusConflict},
		{service.ErrNotRegistered, http.StatusNotFound},
		{ledger.ErrShutdown, http.StatusServiceUnavailable},
		{errors.Wrap(ledger.ErrSealingFailure, "boom"), http.StatusInternalServerError},
		{errors.New("unexpected"), http.StatusInternalServerError},
		{echo.NewHTTPError(http.StatusTeapot, "short and stout"), http.StatusTeapot},
	}
	for _, tc := range tests {
		status, message := statusOf(tc.err)
		require.Equal(t, tc.status, status, tc.err.Error())
		require.NotEmpty(t, message)
	}
}

func TestLogLevel(t *testing.T) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	s := newTestServer(t, WithLogLevel(level))

	code, resp := do(t, s, http.MethodGet, "/log/level", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "info", resp["level"])

	code, resp = do(t, s, http.MethodPut, "/log/level", `{"level":"debug"}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "debug", resp["level"])
	require.Equal(t, zap.DebugLevel, level.Level())
}
