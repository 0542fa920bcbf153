package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

type Class string

const (
	ClassTerminal    Class = "terminal"
	ClassTransient   Class = "transient"
	ClassRateLimited Class = "rate_limited"
)

type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

func (d Decision) IsRateLimited() bool {
	return d.Class == ClassRateLimited
}

type classifiedError struct {
	err    error
	class  Class
	reason string
}

func (e *classifiedError) Error() string {
	return e.err.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.err
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{
		err:    err,
		class:  ClassTransient,
		reason: "explicit_transient",
	}
}

func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{
		err:    err,
		class:  ClassTerminal,
		reason: "explicit_terminal",
	}
}

// Classify decides how an RPC failure should be handled. Rate limiting is
// checked before everything structural because providers surface it in
// three shapes at once: HTTP 429, JSON-RPC -32005, and prose-only messages
// riding on otherwise generic server codes.
func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassTerminal, Reason: "nil_error"}
	}

	var marked *classifiedError
	if errors.As(err, &marked) {
		return Decision{Class: marked.class, Reason: marked.reason}
	}

	if errors.Is(err, context.Canceled) {
		return Decision{Class: ClassTerminal, Reason: "context_canceled"}
	}

	if reason, ok := rateLimitReason(err); ok {
		return Decision{Class: ClassRateLimited, Reason: reason}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Class: ClassTransient, Reason: "context_deadline_exceeded"}
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode >= 500 {
			return Decision{Class: ClassTransient, Reason: "http_5xx"}
		}
		return Decision{Class: ClassTerminal, Reason: "http_client_error"}
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return classifyJSONRPCCode(rpcErr.ErrorCode())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Decision{Class: ClassTransient, Reason: "net_timeout"}
		}
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, terminalMessageTokens) {
		return Decision{Class: ClassTerminal, Reason: "message_terminal"}
	}
	if containsAny(lower, transientMessageTokens) {
		return Decision{Class: ClassTransient, Reason: "message_transient"}
	}

	return Decision{Class: ClassTerminal, Reason: "unknown_terminal_default"}
}

// IsRateLimited is the single question the RPC guard asks of an error.
func IsRateLimited(err error) bool {
	return Classify(err).IsRateLimited()
}

// ResponseTooLarge reports whether a log scan failed because the requested
// window returned more data than the provider allows. The caller reacts by
// halving the window, not by retrying as-is.
func ResponseTooLarge(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(strings.ToLower(err.Error()), tooLargeMessageTokens)
}

func rateLimitReason(err error) (string, bool) {
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests {
		return "http_429", true
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == -32005 {
		return "jsonrpc_32005", true
	}
	lower := strings.ToLower(err.Error())
	if containsAny(lower, rateLimitMessageTokens) {
		return "message_rate_limit", true
	}
	return "", false
}

func classifyJSONRPCCode(code int) Decision {
	if code == -32603 {
		return Decision{Class: ClassTransient, Reason: "jsonrpc_internal"}
	}
	if code <= -32000 && code >= -32099 {
		return Decision{Class: ClassTransient, Reason: "jsonrpc_server_range"}
	}
	return Decision{Class: ClassTerminal, Reason: "jsonrpc_terminal"}
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var rateLimitMessageTokens = []string{
	"rate limit",
	"over compute unit limit",
	"too many requests",
}

var tooLargeMessageTokens = []string{
	"query returned more than",
	"too many results",
	"response size exceeded",
	"payload too large",
	"request entity too large",
	"block range",
}

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"econnreset",
	"econnrefused",
	"http status 502",
	"http status 503",
	"http status 504",
	"server closed idle connection",
}

var terminalMessageTokens = []string{
	"execution reverted",
	"invalid argument",
	"invalid params",
	"method not found",
	"parse error",
	"insufficient funds",
	"not found",
}
