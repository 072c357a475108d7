package bitbucket

import (
	"errors"
	"fmt"
	"net/http"
)

// RemoteError is a non-2xx response from the remote host. It keeps the
// status code and a truncated body so callers can branch on status (401
// invalidates the credential, 409 on branch creation is success, 404 on
// the root folder means "no persistency layer yet").
type RemoteError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("bitbucket: %s failed with status %d: %s", e.Op, e.StatusCode, e.Body)
}

const maxErrorBody = 512

func newRemoteError(op string, status int, body []byte) *RemoteError {
	b := string(body)
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return &RemoteError{Op: op, StatusCode: status, Body: b}
}

// IsUnauthorized reports whether err is a remote 401. Every call site that
// sees one must invalidate the stored credential before surfacing it.
func IsUnauthorized(err error) bool {
	return hasStatus(err, http.StatusUnauthorized)
}

// IsNotFound reports whether err is a remote 404.
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

// IsConflict reports whether err is a remote 409. Branch creation treats
// this as "already exists".
func IsConflict(err error) bool {
	return hasStatus(err, http.StatusConflict)
}

func hasStatus(err error, status int) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.StatusCode == status
}
