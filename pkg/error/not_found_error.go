package error

import (
	"fmt"
	"net/http"
)

// NotFoundError is returned when a publication, incident or platform named by
// the caller does not exist. It renders as 404.
type NotFoundError string

// NotFound builds the message "<resource> <id> not found".
func NotFound(resource, id string) error {
	return NotFoundError(fmt.Sprintf("%s %s not found", resource, id))
}

func (err NotFoundError) Error() string {
	return string(err)
}

func (err NotFoundError) ErrCode() string {
	return "NOT_FOUND_ERROR"
}

func (err NotFoundError) StatusCode() int {
	return http.StatusNotFound
}
