package types

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewErrorDefaultCodes(t *testing.T) {
	cases := map[ErrorType]int{
		GeneralUnknown:       http.StatusInternalServerError,
		GeneralRouteNotFound: http.StatusNotFound,
		GeneralUnauthorized:  http.StatusUnauthorized,
		ExecutionBadRequest:  http.StatusBadRequest,
		ExecutionBadJSON:     http.StatusBadRequest,
		ExecutionTimeout:     http.StatusRequestTimeout,
		RuntimeNotFound:      http.StatusNotFound,
		RuntimeConflict:      http.StatusConflict,
		RuntimeTimeout:       http.StatusRequestTimeout,
		RuntimeFailed:        http.StatusInternalServerError,
		LogsTimeout:          http.StatusRequestTimeout,
		CommandTimeout:       http.StatusRequestTimeout,
		CommandFailed:        http.StatusInternalServerError,
	}

	for errType, code := range cases {
		err := NewError(errType, "message")
		assert.Equal(t, code, err.Code, "type %s", errType)
		assert.Equal(t, "message", err.Error())
	}
}

func TestNewErrorWithCode(t *testing.T) {
	err := NewErrorWithCode(RuntimeTimeout, "cold start overran", http.StatusGatewayTimeout)
	assert.Equal(t, http.StatusGatewayTimeout, err.Code)
	assert.Equal(t, RuntimeTimeout, err.Type)
}
