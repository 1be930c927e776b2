package inventory

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropstack/settlement/internal/uow"
)

func setupRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHandler(NewLedger(NewMemoryStore(), uow.NewMemoryRunner()))
	h.RegisterRoutes(r.Group("/v1"))
	return r
}

func doJSON(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateAndGet(t *testing.T) {
	r := setupRouter()

	w := doJSON(r, "POST", "/v1/listings", `{"sellerId":"seller-1","name":"Cassava","unitPrice":"12.50","quantity":40}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Listing Listing `json:"listing"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "12.5", created.Listing.UnitPrice.String())

	w = doJSON(r, "GET", "/v1/listings/"+created.Listing.ID, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, "GET", "/v1/listings/lst_nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_found")
}

func TestHandler_CreateValidation(t *testing.T) {
	r := setupRouter()

	w := doJSON(r, "POST", "/v1/listings", `{"sellerId":"seller-1","name":"","unitPrice":"0","quantity":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")

	w = doJSON(r, "POST", "/v1/listings", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_RestockAndDeactivate(t *testing.T) {
	r := setupRouter()

	w := doJSON(r, "POST", "/v1/listings", `{"sellerId":"seller-1","name":"Beans","unitPrice":"5","quantity":2}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Listing Listing `json:"listing"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Listing.ID

	w = doJSON(r, "POST", "/v1/listings/"+id+"/restock", `{"quantity":3}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"quantity":5`)

	w = doJSON(r, "POST", "/v1/listings/"+id+"/restock", `{"quantity":0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, "POST", "/v1/listings/"+id+"/deactivate", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"active":false`)

	w = doJSON(r, "GET", "/v1/listings?available=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)
}

func TestHandler_BadIDPrefix(t *testing.T) {
	r := setupRouter()
	w := doJSON(r, "GET", "/v1/listings/ord_123", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
