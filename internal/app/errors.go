package app

import "fmt"

// DomainError is an error with an HTTP-facing shape: its fields map straight
// onto the JSON error envelope (status, "code", "error", "details") written
// by the HTTP layer. Errors without this shape surface as STORAGE_ERROR.
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
