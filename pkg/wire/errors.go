package wire

// Error kinds carried by the daemon. The wire error object is
// {type:"error", error:<message>, kind:<kind>, details?}.
const (
	KindAuth            = "auth"
	KindRateLimit       = "rate_limit"
	KindOverloaded      = "overloaded"
	KindTimeout         = "timeout"
	KindAbort           = "abort"
	KindContextOverflow = "context_overflow"
	KindToolError       = "tool_error"
	KindNotFound        = "not_found"
	KindValidation      = "validation"
	KindNetwork         = "network"
	KindUnknown         = "unknown"
)
