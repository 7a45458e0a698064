package repository

import (
	"fmt"
	"net/http"

	"github.com/go-kivik/kivik/v4"

	"waste-sync/internal/apperrors"
)

// mapError classifies a kivik error. A status of 0 means CouchDB was not
// reached at all, which is worth retrying.
func mapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	switch status := kivik.HTTPStatus(err); {
	case status == http.StatusNotFound:
		return apperrors.Wrap(apperrors.CodeNotFound, msg, err)
	case status == http.StatusConflict:
		return apperrors.Wrap(apperrors.CodeConflict, msg, err)
	case status == 0 || status >= 500:
		return apperrors.Transient(msg, err)
	default:
		return fmt.Errorf("%s: %w", msg, err)
	}
}
