package app

import (
	"errors"
	"net/http"

	"github.com/putto11262002/fitchat/core"
	"github.com/putto11262002/fitchat/pkg/router"
)

var statusByKind = map[core.ErrorKind]int{
	core.KindValidation:      http.StatusBadRequest,
	core.KindNotFound:        http.StatusNotFound,
	core.KindPermission:      http.StatusForbidden,
	core.KindUnauthenticated: http.StatusUnauthorized,
}

// classifyCoreError maps core errors to API errors. Persistence failures keep
// their reason but never their message.
func classifyCoreError(err error) (router.JsonError, bool) {
	var cerr *core.Error
	if !errors.As(err, &cerr) {
		return router.JsonError{}, false
	}
	if cerr.Reason == "participant_exists" {
		return router.NewJsonError(http.StatusConflict, cerr.Message()).WithReason(cerr.Reason), true
	}
	status, ok := statusByKind[cerr.Kind]
	if !ok {
		return router.DefaultError.WithReason(cerr.Reason), true
	}
	return router.NewJsonError(status, cerr.Message()).WithReason(cerr.Reason), true
}

func registerErrorMappers(r *router.Router) {
	r.RegisterErrorMapper(core.ErrBadCredentials, func(err error) router.JsonError {
		return router.NewJsonError(http.StatusUnauthorized, err.Error()).WithReason("bad_credentials")
	})
}
