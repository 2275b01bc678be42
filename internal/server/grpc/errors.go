package grpcserver

import (
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/and161185/keyhierarchy/internal/errs"
)

// codeOf maps a service sentinel to its gRPC code. Order matters where one
// sentinel could wrap another.
var codeOf = []struct {
	err  error
	code codes.Code
}{
	{errs.ErrNotFound, codes.NotFound},
	{errs.ErrAlreadyExists, codes.AlreadyExists},
	{errs.ErrUnauthorized, codes.PermissionDenied},
	{errs.ErrUnauthorizedRecipient, codes.PermissionDenied},
	{errs.ErrValidation, codes.InvalidArgument},
	{errs.ErrSignatureInvalid, codes.InvalidArgument},
	{errs.ErrDecryptionFailed, codes.InvalidArgument},
	{errs.ErrKeyExpired, codes.FailedPrecondition},
	{errs.ErrKeyNotYetValid, codes.FailedPrecondition},
	{errs.ErrReplayOrClockSkew, codes.FailedPrecondition},
	{errs.ErrProtocolStateViolation, codes.FailedPrecondition},
	{errs.ErrVersionConflict, codes.Aborted},
}

// FromStatus restores the sentinel behind a status produced by this server,
// so errors.Is works across the wire. Other errors pass through unchanged.
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.OK {
		return err
	}
	msg := st.Message()
	var fallback error
	for _, m := range codeOf {
		if m.code != st.Code() {
			continue
		}
		if fallback == nil {
			fallback = m.err
		}
		if msg == m.err.Error() || strings.HasPrefix(msg, m.err.Error()+":") {
			return fmt.Errorf("%w%s", m.err, strings.TrimPrefix(msg, m.err.Error()))
		}
	}
	if fallback == nil {
		return err
	}
	return fmt.Errorf("%w: %s", fallback, msg)
}
