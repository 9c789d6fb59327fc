package http

import (
	"errors"

	luffyerr "github.com/openluffy/luffy/pkg/errors"
)

var ErrorRateLimited = &luffyerr.Error{
	Type: luffyerr.Conflict,
	Help: `Too many requests

This client has made too many requests that change customers in a
short time. Wait a minute, then poll the status of what you already
started before trying again.
`,
	Err: errors.New("rate limit exceeded"),
}

func MakeAPINotFound(path string) *luffyerr.Error {
	return &luffyerr.Error{
		Type: luffyerr.Missing,
		Help: `The API endpoint requested is not supported by this server.

This indicates that your client (probably luffyctl) is either out of
date, or faulty. Check that it is the same version as luffyd, and
include this path if you report the problem:

    ` + path + `
`,
		Err: errors.New("API endpoint not found"),
	}
}
