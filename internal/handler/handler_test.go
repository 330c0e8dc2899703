package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"storycredits/internal/model"
	"storycredits/internal/testutil"
	"storycredits/pkg/response"
)

// apiResponse 保留 data 原始字节，方便各测试按需解码
type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func setupTestRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.CleanupTestDB(t, db) })
	rdb := testutil.SetupTestRedis(t)

	r := SetupRouter(db, rdb, testutil.TestConfig(t))
	return r, db
}

func postJSON(t *testing.T, r *gin.Engine, path string, body interface{}, headers map[string]string) apiResponse {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp apiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func getJSON(t *testing.T, r *gin.Engine, path string, headers map[string]string) apiResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp apiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestCreditsAPI_GrantUseCheckFlow(t *testing.T) {
	r, _ := setupTestRouter(t)

	// 入账建户
	resp := postJSON(t, r, "/api/v1/credits/grant", gin.H{
		"user_id": "user_a",
		"amount":  10,
		"type":    "grant",
	}, nil)
	require.Equal(t, response.CodeSuccess, resp.Code)

	// 扣减
	resp = postJSON(t, r, "/api/v1/credits/use", gin.H{
		"user_id":  "user_a",
		"amount":   4,
		"story_id": "story_001",
	}, nil)
	require.Equal(t, response.CodeSuccess, resp.Code)

	var useData struct {
		TransactionNo string `json:"transaction_no"`
		Balance       int64  `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &useData))
	assert.NotEmpty(t, useData.TransactionNo)
	assert.Equal(t, int64(6), useData.Balance)

	// 预检查
	resp = postJSON(t, r, "/api/v1/credits/check", gin.H{
		"user_id": "user_a",
		"amount":  6,
	}, nil)
	require.Equal(t, response.CodeSuccess, resp.Code)

	var checkData struct {
		Available bool  `json:"available"`
		Balance   int64 `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &checkData))
	assert.True(t, checkData.Available)
	assert.Equal(t, int64(6), checkData.Balance)

	// 余额查询
	resp = getJSON(t, r, "/api/v1/credits/balance?user_id=user_a", nil)
	require.Equal(t, response.CodeSuccess, resp.Code)

	var balanceData struct {
		Balance      int64 `json:"balance"`
		LifetimeUsed int64 `json:"lifetime_used"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &balanceData))
	assert.Equal(t, int64(6), balanceData.Balance)
	assert.Equal(t, int64(4), balanceData.LifetimeUsed)

	// 流水列表
	resp = getJSON(t, r, "/api/v1/credits/transactions?user_id=user_a&page=1&page_size=10", nil)
	require.Equal(t, response.CodeSuccess, resp.Code)

	var listData struct {
		Total int64 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &listData))
	assert.Equal(t, int64(2), listData.Total)
}

func TestCreditsAPI_UseInsufficient(t *testing.T) {
	r, _ := setupTestRouter(t)

	resp := postJSON(t, r, "/api/v1/credits/grant", gin.H{
		"user_id": "user_a",
		"amount":  3,
		"type":    "grant",
	}, nil)
	require.Equal(t, response.CodeSuccess, resp.Code)

	resp = postJSON(t, r, "/api/v1/credits/use", gin.H{
		"user_id": "user_a",
		"amount":  10,
	}, nil)
	assert.Equal(t, response.CodeInsufficientCredits, resp.Code)
}

func TestCreditsAPI_UseAccountMissing(t *testing.T) {
	r, _ := setupTestRouter(t)

	resp := postJSON(t, r, "/api/v1/credits/use", gin.H{
		"user_id": "ghost",
		"amount":  1,
	}, nil)
	assert.Equal(t, response.CodeAccountNotFound, resp.Code)
}

func TestCreditsAPI_UseBadParams(t *testing.T) {
	r, _ := setupTestRouter(t)

	// 缺 user_id
	resp := postJSON(t, r, "/api/v1/credits/use", gin.H{"amount": 1}, nil)
	assert.Equal(t, response.CodeParamError, resp.Code)

	// 金额非正，binding 层直接拦下
	resp = postJSON(t, r, "/api/v1/credits/use", gin.H{
		"user_id": "user_a",
		"amount":  -1,
	}, nil)
	assert.Equal(t, response.CodeParamError, resp.Code)
}

func TestCreditsAPI_GrantInvalidType(t *testing.T) {
	r, _ := setupTestRouter(t)

	resp := postJSON(t, r, "/api/v1/credits/grant", gin.H{
		"user_id": "user_a",
		"amount":  10,
		"type":    "usage",
	}, nil)
	assert.Equal(t, response.CodeInvalidType, resp.Code)
}

func TestCreditsAPI_RepairRequiresAdminToken(t *testing.T) {
	r, _ := setupTestRouter(t)

	resp := postJSON(t, r, "/api/v1/admin/credits/repair", gin.H{
		"user_id": "user_a",
	}, nil)
	assert.Equal(t, response.CodeForbidden, resp.Code)
}

func TestCreditsAPI_RepairFlow(t *testing.T) {
	r, _ := setupTestRouter(t)
	headers := map[string]string{"Authorization": "Bearer test-admin-token"}

	resp := postJSON(t, r, "/api/v1/credits/grant", gin.H{
		"user_id": "user_a",
		"amount":  10,
		"type":    "grant",
	}, nil)
	require.Equal(t, response.CodeSuccess, resp.Code)
	resp = postJSON(t, r, "/api/v1/credits/use", gin.H{
		"user_id": "user_a",
		"amount":  4,
	}, nil)
	require.Equal(t, response.CodeSuccess, resp.Code)

	resp = postJSON(t, r, "/api/v1/admin/credits/repair", gin.H{
		"user_id": "user_a",
	}, headers)
	require.Equal(t, response.CodeSuccess, resp.Code)

	var repairData struct {
		Success          bool  `json:"success"`
		Balance          int64 `json:"balance"`
		LifetimeUsed     int64 `json:"lifetime_used"`
		TransactionCount int   `json:"transaction_count"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &repairData))
	assert.True(t, repairData.Success)
	assert.Equal(t, int64(6), repairData.Balance)
	assert.Equal(t, int64(4), repairData.LifetimeUsed)
	assert.Equal(t, 2, repairData.TransactionCount)
}

func TestAdminAPI_ListFailedEvents(t *testing.T) {
	r, db := setupTestRouter(t)
	headers := map[string]string{"Authorization": "Bearer test-admin-token"}

	// 一条死信、一条待投递：接口只看死信
	require.NoError(t, db.Create(&model.OutboxMessage{
		MessageKey: "CTX20260828000000001",
		Topic:      "credit-events-test",
		Payload:    `{"transaction_no":"CTX20260828000000001"}`,
		Status:     model.OutboxStatusFailed,
		RetryCount: 3,
	}).Error)
	require.NoError(t, db.Create(&model.OutboxMessage{
		MessageKey: "CTX20260828000000002",
		Topic:      "credit-events-test",
		Payload:    `{"transaction_no":"CTX20260828000000002"}`,
		Status:     model.OutboxStatusPending,
	}).Error)

	resp := getJSON(t, r, "/api/v1/admin/outbox/failed", headers)
	require.Equal(t, response.CodeSuccess, resp.Code)

	var data struct {
		Count int                   `json:"count"`
		List  []model.OutboxMessage `json:"list"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, 1, data.Count)
	require.Len(t, data.List, 1)
	assert.Equal(t, "CTX20260828000000001", data.List[0].MessageKey)
	assert.Equal(t, model.OutboxStatusFailed, data.List[0].Status)
}

func TestAdminAPI_ListFailedEventsRequiresToken(t *testing.T) {
	r, _ := setupTestRouter(t)

	resp := getJSON(t, r, "/api/v1/admin/outbox/failed", nil)
	assert.Equal(t, response.CodeForbidden, resp.Code)
}

func TestCreditsAPI_RepairAccountMissing(t *testing.T) {
	r, _ := setupTestRouter(t)
	headers := map[string]string{"Authorization": "Bearer test-admin-token"}

	resp := postJSON(t, r, "/api/v1/admin/credits/repair", gin.H{
		"user_id": "nobody",
	}, headers)
	assert.Equal(t, response.CodeAccountNotFound, resp.Code)
}
