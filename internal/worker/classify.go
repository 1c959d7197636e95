package worker

import (
	"context"
	"errors"
	"net"
	"net/http"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ClassifyCapabilityError maps an error from a blob store, model or
// extraction call onto the failure taxonomy. Anything not recognised as
// permanent is retried.
func ClassifyCapabilityError(err error) error {
	if err == nil {
		return nil
	}

	var f *Failure
	if errors.As(err, &f) {
		return err
	}

	if errors.Is(err, ErrBlobNotFound) {
		return Fail(KindAbsent, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Fail(KindTransient, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Fail(KindTransient, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return Fail(httpStatusKind(apiErr.Code), err)
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
			return Fail(KindUnsupported, err)
		case codes.NotFound:
			return Fail(KindAbsent, err)
		default:
			return Fail(KindTransient, err)
		}
	}

	return Fail(KindTransient, err)
}

func httpStatusKind(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return KindTransient
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		// credentials are a deploy problem, not a property of the message
		return KindTransient
	case code == http.StatusNotFound:
		return KindAbsent
	case code >= 400:
		return KindUnsupported
	}
	return KindTransient
}
