package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

// ErrorSessionNotOpen is returned when a close (or any open-only mutation)
// is attempted on a session whose status is not "open".
var ErrorSessionNotOpen = errors.New("cash session is not open")

// ErrorNoOpenSession is returned when a movement is recorded and the user
// has no open cash session to attach it to.
var ErrorNoOpenSession = errors.New("no open cash session")

// ErrorInvalidInput covers malformed monetary/denomination data and
// negative amounts where disallowed.
var ErrorInvalidInput = errors.New("invalid input")

func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}
