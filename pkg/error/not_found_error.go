package error

import "net/http"

// NotFoundError is returned when a referenced entity (session, job, connection)
// does not exist. It is a comparable string type so sentinel values work with
// errors.Is.
type NotFoundError string

func (err NotFoundError) Error() string {
	return string(err)
}

func (err NotFoundError) ErrCode() string {
	return "NOT_FOUND_ERROR"
}

func (err NotFoundError) StatusCode() int {
	return http.StatusNotFound
}
