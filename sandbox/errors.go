package sandbox

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned when the caller's context is cancelled while a
// call is in flight. An elapsed context deadline is reported as a
// TimeoutException instead.
var ErrCancelled = errors.New("sandbox: call cancelled")

// RemoteException reports a failure that happened inside the guest,
// carrying enough of the raised exception's identity for a caller to
// branch on its Kind without having the guest's exception types linked
// into the host process.
type RemoteException struct {
	Kind        string
	Message     string
	RemoteTrace string
}

func (e *RemoteException) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.RemoteTrace != "" {
		msg += "\n\nRemote traceback:\n" + e.RemoteTrace
	}
	return msg
}

// TimeoutException is a RemoteException for the specific case where the
// guest call ran past its declared budget.
func TimeoutException(message string) *RemoteException {
	if message == "" {
		message = "sandbox execution timed out"
	}
	return &RemoteException{Kind: "TimeoutError", Message: message}
}

// CrashException is a RemoteException for the case where the VM died
// mid-call.
func CrashException(message string) *RemoteException {
	if message == "" {
		message = "sandbox VM crashed"
	}
	return &RemoteException{Kind: "CrashError", Message: message}
}
