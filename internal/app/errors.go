package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func errUnauthorized() *DomainError {
	return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
}

func errNotCollaborator() *DomainError {
	return domainError(http.StatusForbidden, "NOT_COLLABORATOR", "Not a collaborator on this pad", nil)
}

func errNotOwner() *DomainError {
	return domainError(http.StatusForbidden, "NOT_OWNER", "Only the pad owner may do this", nil)
}

func errUnknownUser(email string) *DomainError {
	return domainError(http.StatusNotFound, "UNKNOWN_USER", "No account with that email", map[string]any{"email": email})
}

func errPadNotFound() *DomainError {
	return domainError(http.StatusNotFound, "PAD_NOT_FOUND", "Pad not found", nil)
}

func errPadUnavailable() *DomainError {
	return domainError(http.StatusServiceUnavailable, "PAD_UNAVAILABLE", "Pad could not be loaded", nil)
}

func errStaleState() *DomainError {
	return domainError(http.StatusConflict, "STALE_STATE", "Pad changed since you last saw it", nil)
}
