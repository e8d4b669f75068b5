package service

import (
	"fmt"

	"google.golang.org/grpc/codes"
)

// UnknownServiceError is returned when unregistering an id that is not (or no
// longer) registered.
type UnknownServiceError struct {
	ServiceID ServiceID
}

func (e *UnknownServiceError) Error() string {
	return fmt.Sprintf("service: no service registered with id %d", e.ServiceID)
}

// Code classifies the error for errors.Code.
func (e *UnknownServiceError) Code() codes.Code {
	return codes.NotFound
}
