package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Representation of errors in the API. These are divided into a small
// number of categories, essentially distinguished by who can do
// something about the error; i.e., is this error:
//  - a transient problem with an external system, so worth trying again?
//  - a rejected request that will not work until the caller changes it?
//  - a credentials problem that an operator has to fix?
type Error struct {
	Type Type
	// a message that can be printed out for the user
	Help string `json:"help"`
	// the underlying error that can be e.g., logged for developers to look at
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Help
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Type string

const (
	// The request was malformed or incomplete; retrying it unchanged
	// will not help.
	Validation Type = "validation"
	// The thing is already in a state that excludes the operation,
	// e.g., a provisioning job is running.
	Conflict Type = "conflict"
	// The thing you mentioned, whatever it is, just doesn't exist
	Missing Type = "missing"
	// An external system failed in a way that may go away on its
	// own (network trouble, 5xx, rate limits).
	Transient Type = "transient"
	// An external system refused our credentials or their scope.
	Auth Type = "auth"
	// Expected state was not observed in time.
	Timeout Type = "timeout"
	// The operation looked fine on paper, but something went wrong
	Server Type = "server"
)

var (
	AlreadyInProgress = &Error{
		Type: Conflict,
		Help: "A provisioning job is already running for this customer. Poll its status and try again once it has finished.",
		Err:  errors.New("provisioning already in progress"),
	}
	InvalidRequest = &Error{
		Type: Validation,
		Help: "The request is missing required fields or has malformed values.",
		Err:  errors.New("invalid request"),
	}
	NotPending = &Error{
		Type: Conflict,
		Help: "There is no pending approval for this customer; preprod and prod may already be in sync.",
		Err:  errors.New("no pending approval"),
	}
	AlreadyPromoting = &Error{
		Type: Conflict,
		Help: "A promotion to production is already in flight for this customer.",
		Err:  errors.New("promotion already in progress"),
	}
	ConvergenceTimeout = &Error{
		Type: Timeout,
		Help: "Production did not converge on the promoted image in time. The approval has been re-opened so the promotion can be retried.",
		Err:  errors.New("promotion did not converge"),
	}
)

func typeOf(err error) (Type, bool) {
	if err == nil {
		return "", false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Type, true
	}
	return "", false
}

// Is reports whether err carries the given type anywhere in its
// chain of causes.
func Is(err error, t Type) bool {
	got, ok := typeOf(err)
	return ok && got == t
}

func IsMissing(err error) bool    { return Is(err, Missing) }
func IsTransient(err error) bool  { return Is(err, Transient) }
func IsAuth(err error) bool       { return Is(err, Auth) }
func IsConflict(err error) bool   { return Is(err, Conflict) }
func IsValidation(err error) bool { return Is(err, Validation) }
func IsTimeout(err error) bool    { return Is(err, Timeout) }

func newf(t Type, err error, format string, args ...interface{}) *Error {
	return &Error{Type: t, Help: fmt.Sprintf(format, args...), Err: err}
}

func Validationf(format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{Type: Validation, Help: msg, Err: errors.New(msg)}
}

func Conflictf(format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{Type: Conflict, Help: msg, Err: errors.New(msg)}
}

func Missingf(format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{Type: Missing, Help: msg, Err: errors.New(msg)}
}

// TransientError marks err, returned by an external system, as worth
// retrying.
func TransientError(system string, err error) *Error {
	return newf(Transient, err, "%s is temporarily unavailable: %s", system, err)
}

// AuthError marks err as a credentials or scope problem; these are
// never retried.
func AuthError(system string, err error) *Error {
	return newf(Auth, err, "%s rejected our credentials: %s", system, err)
}

// ServerError wraps an unexpected failure from an external system
// that is not worth retrying.
func ServerError(system string, err error) *Error {
	return newf(Server, err, "%s: %s", system, err)
}

func (e *Error) MarshalJSON() ([]byte, error) {
	var errMsg string
	if e.Err != nil {
		errMsg = e.Err.Error()
	}
	jsonable := &struct {
		Type string `json:"type"`
		Help string `json:"help"`
		Err  string `json:"error,omitempty"`
	}{
		Type: string(e.Type),
		Help: e.Help,
		Err:  errMsg,
	}
	return json.Marshal(jsonable)
}

func (e *Error) UnmarshalJSON(data []byte) error {
	jsonable := &struct {
		Type string `json:"type"`
		Help string `json:"help"`
		Err  string `json:"error,omitempty"`
	}{}
	if err := json.Unmarshal(data, &jsonable); err != nil {
		return err
	}
	e.Type = Type(jsonable.Type)
	e.Help = jsonable.Help
	if jsonable.Err != "" {
		e.Err = errors.New(jsonable.Err)
	}
	return nil
}

func CoverAllError(err error) *Error {
	return &Error{
		Type: Server,
		Err:  err,
		Help: `Error: ` + err.Error() + `

We don't have a specific help message for the error above.
`,
	}
}
