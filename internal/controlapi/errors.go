package controlapi

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/simrunner/internal/auth"
	"github.com/signalsfoundry/simrunner/internal/control"
	"github.com/signalsfoundry/simrunner/internal/runner"
	"github.com/signalsfoundry/simrunner/internal/session"
)

// ErrInvalidRequest is used when a request body cannot be decoded.
var ErrInvalidRequest = errors.New("invalid request")

// ToStatusError maps runner, control and session errors onto gRPC status
// codes. Errors that already carry a status pass through.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return status.Error(codes.Unauthenticated, err.Error())

	case errors.Is(err, control.ErrUnauthorized):
		return status.Error(codes.PermissionDenied, err.Error())

	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, runner.ErrEmptyScenarioList),
		errors.Is(err, control.ErrInvalidRange),
		errors.Is(err, control.ErrUnknownController):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, runner.ErrAlreadyRunning):
		return status.Error(codes.AlreadyExists, err.Error())

	case errors.Is(err, runner.ErrTransitionInProgress):
		return status.Error(codes.Aborted, err.Error())

	case errors.Is(err, runner.ErrNotRunning),
		errors.Is(err, runner.ErrCannotSkip):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, runner.ErrRegistryClosed),
		errors.Is(err, runner.ErrEngineUnavailable),
		errors.Is(err, session.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())

	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
