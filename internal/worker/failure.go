package worker

import (
	"errors"
	"fmt"
)

// Kind classifies why a message could not be processed.
type Kind string

const (
	KindMalformed    Kind = "malformed"
	KindUnsupported  Kind = "unsupported_type"
	KindAbsent       Kind = "capability_absent"
	KindTransient    Kind = "transient"
	KindInsufficient Kind = "insufficient_result"
	KindProtocol     Kind = "protocol"
)

// Permanent kinds are acknowledged without a result; the rest are retried.
func (k Kind) Permanent() bool {
	switch k {
	case KindMalformed, KindUnsupported, KindAbsent:
		return true
	}
	return false
}

type Failure struct {
	Kind Kind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func Fail(kind Kind, err error) error {
	return &Failure{Kind: kind, Err: err}
}

func Failf(kind Kind, format string, args ...any) error {
	return &Failure{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the failure kind of err. Errors that were never classified
// count as transient.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindTransient
}

func IsPermanent(err error) bool {
	return err != nil && KindOf(err).Permanent()
}
