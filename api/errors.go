package api

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"

	"github.com/jmcleod/cloudcam/cloud"
	"github.com/jmcleod/cloudcam/coordinator"
	"github.com/jmcleod/cloudcam/library"
	"github.com/jmcleod/cloudcam/session"
	"github.com/jmcleod/cloudcam/transport"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func mapError(w http.ResponseWriter, err error) {
	var upstream *cloud.StatusError
	var auth *session.AuthError
	switch {
	case errors.Is(err, library.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, library.ErrNotFound),
		errors.Is(err, cloud.ErrNotFound),
		errors.Is(err, coordinator.ErrNoThumbnail),
		errors.Is(err, fs.ErrNotExist):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, library.ErrNotAFile),
		errors.Is(err, library.ErrNotADirectory),
		errors.Is(err, library.ErrInvalidVideoID),
		errors.Is(err, library.ErrInvalidDate):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, coordinator.ErrNoDevice):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, cloud.ErrUnauthorized),
		errors.As(err, &auth),
		errors.Is(err, session.ErrMFARequired),
		errors.Is(err, session.ErrMalformedResponse),
		errors.Is(err, session.ErrNoStrategy),
		errors.As(err, &upstream),
		transport.IsTransport(err):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
