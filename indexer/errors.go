package indexer

import (
	"fmt"
	"net/http"
)

// StatusError is returned when the indexing service answers with a non-2xx
// status code.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("indexer returned HTTP %d for %s", e.StatusCode, e.URL)
	}

	return fmt.Sprintf("indexer returned HTTP %d for %s: %s", e.StatusCode, e.URL, e.Body)
}

// IsAuthFailure reports whether the service rejected the credential.
func (e *StatusError) IsAuthFailure() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}
