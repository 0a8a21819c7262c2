package api

import "net/http"

func writeBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", message)
}

func writeInternal(w http.ResponseWriter, err error) {
	WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
}
