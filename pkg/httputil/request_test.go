package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSONOrError_BadBodyWrites400(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{broken"))
	rec := httptest.NewRecorder()

	var dest struct{}
	ok := ParseJSONOrError(rec, req, &dest)
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParsePathInt64(t *testing.T) {
	router := mux.NewRouter()
	var got int64
	var parseErr error
	router.HandleFunc("/things/{id}", func(w http.ResponseWriter, r *http.Request) {
		got, parseErr = ParsePathInt64(r, "id")
	})

	req := httptest.NewRequest(http.MethodGet, "/things/42", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)
	require.NoError(t, parseErr)
	assert.Equal(t, int64(42), got)

	req = httptest.NewRequest(http.MethodGet, "/things/abc", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)
	assert.Error(t, parseErr)
}

func TestParseQueryInt64(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?tenant_id=7", nil)
	val, err := ParseQueryInt64(req, "tenant_id")
	require.NoError(t, err)
	require.NotNil(t, val)
	assert.Equal(t, int64(7), *val)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	val, err = ParseQueryInt64(req, "tenant_id")
	require.NoError(t, err)
	assert.Nil(t, val, "absent parameter is nil, not zero")

	req = httptest.NewRequest(http.MethodGet, "/?tenant_id=seven", nil)
	_, err = ParseQueryInt64(req, "tenant_id")
	assert.Error(t, err)
}
