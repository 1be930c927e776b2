package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidPartyID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"buyer-1", true},
		{"coop:north@valley", true},
		{"S42", true},
		{"", false},
		{"-leading", false},
		{"has space", false},
		{"semi;colon", false},
	}

	for _, tt := range tests {
		if got := IsValidPartyID(tt.id); got != tt.valid {
			t.Errorf("IsValidPartyID(%q) = %v, want %v", tt.id, got, tt.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input  string
		maxLen int
		want   string
	}{
		{"  hello  ", 100, "hello"},
		{"hello\x00world", 100, "helloworld"},
		{"toolong", 4, "tool"},
	}

	for _, tt := range tests {
		if got := SanitizeString(tt.input, tt.maxLen); got != tt.want {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("name", ""),
		Required("sellerId", "s1"),
		MaxLength("note", "abcdef", 3),
	)
	require.Len(t, errs, 2)
	assert.Equal(t, "name", errs[0].Field)
	assert.Equal(t, "note", errs[1].Field)
	assert.Equal(t, "name: is required", errs.Error())
}

func TestPositiveAmount(t *testing.T) {
	tests := []struct {
		value string
		ok    bool
	}{
		{"20", true},
		{"0.01", true},
		{"12.50", true},
		{"0", false},
		{"-5", false},
		{"1.005", false},
	}

	for _, tt := range tests {
		err := PositiveAmount("amount", decimal.RequireFromString(tt.value))()
		assert.Equal(t, tt.ok, err == nil, tt.value)
	}
}

type pledgeStatusBody struct {
	PledgeID   string          `json:"pledgeId" validate:"required,pledge_code"`
	VerifierID string          `json:"verifierId" validate:"required,party_id"`
	LoanAmount decimal.Decimal `json:"loanAmount" validate:"positive_decimal"`
	Quantity   int64           `json:"quantity" validate:"gt=0"`
}

func TestStruct(t *testing.T) {
	ok := pledgeStatusBody{
		PledgeID:   "PLG-7KQ2-M9XD",
		VerifierID: "bank-1",
		LoanAmount: decimal.NewFromInt(300),
		Quantity:   10,
	}
	assert.Empty(t, Struct(ok))

	bad := pledgeStatusBody{PledgeID: "ord_1", VerifierID: "bank 1", LoanAmount: decimal.Zero}
	errs := Struct(bad)
	require.Len(t, errs, 4)

	fields := map[string]string{}
	for _, e := range errs {
		fields[e.Field] = e.Message
	}
	assert.Equal(t, "must look like PLG-XXXX-XXXX", fields["pledgeId"])
	assert.Equal(t, "must be a valid party identifier", fields["verifierId"])
	assert.Equal(t, "must be a positive decimal amount", fields["loanAmount"])
	assert.Contains(t, fields, "quantity")
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/orders/:id", IDParamMiddleware("id", "ord_"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/orders/ord_abc", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/orders/lst_abc", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_id")
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/x", func(c *gin.Context) {
		var body map[string]interface{}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/x", strings.NewReader(`{"key":"a much longer value"}`))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
