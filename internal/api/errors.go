package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"realmkin-staking/internal/apperr"
	"realmkin-staking/internal/model"
	"realmkin-staking/internal/rewards"
)

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error, kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindUnauthorized:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindAlreadyExists:
		return http.StatusConflict
	case apperr.KindFailedPrecondition:
		if errors.Is(err, rewards.ErrCadenceNotElapsed) {
			return http.StatusPreconditionFailed
		}
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// respondError writes the structured error body for err. Internal errors
// are logged and never echoed to the client.
func respondError(c *gin.Context, err error) {
	e := apperr.Classify(err)
	status := statusFor(err, e.Kind)

	message := e.Message
	switch e.Kind {
	case apperr.KindValidation:
		message = err.Error()
	case apperr.KindInternal, apperr.KindTreasuryUnderfunded:
		log.Error().
			Err(err).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("code", e.Code).
			Msg("Request failed")
	}

	c.AbortWithStatusJSON(status, errorResponse{Error: e.Code, Message: message})
}

func respondBadRequest(c *gin.Context, format string, args ...any) {
	respondError(c, apperr.Validation(format, args...))
}

func errInvalidStream(stream string) error {
	return apperr.Validation("stream must be %q or %q, got %q", model.StreamNFT, model.StreamStake, stream)
}
