package transport

import "github.com/lumachat/chatsync/internal/chat"

// Server error frames carry a machine code; the mapping to the error
// taxonomy is this closed table. Raw error text is never inspected past
// this point.
var codeKinds = map[string]chat.Kind{
	"session-expired":   chat.KindTransportAuth,
	"misconfiguration":  chat.KindValidation,
	"permission-denied": chat.KindForbidden,
}

// remediations are the user-facing messages per kind.
var remediations = map[chat.Kind]string{
	chat.KindTransportAuth: "session expired, re-authentication required",
	chat.KindValidation:    "chat connection is misconfigured",
	chat.KindForbidden:     "you do not have access to this room",
	chat.KindUnknown:       "chat connection error",
}

// classifyCode maps a transport error code to a kind and remediation.
func classifyCode(code string) (chat.Kind, string) {
	kind, ok := codeKinds[code]
	if !ok {
		kind = chat.KindUnknown
	}
	return kind, remediations[kind]
}

// retriable reports whether a failure of this kind may trigger
// reconnection. Auth and permission failures never do.
func retriable(kind chat.Kind) bool {
	switch kind {
	case chat.KindTransportAuth, chat.KindAuthExpired, chat.KindForbidden:
		return false
	default:
		return true
	}
}
