package common

const (
	// AuthorizationHeaderName carries the bearer access token on
	// outbound requests.
	AuthorizationHeaderName = "Authorization"

	// RequestIDHeaderName carries a per-request id for server-side
	// correlation.
	RequestIDHeaderName = "X-Request-Id"
)
