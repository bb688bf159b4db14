package transport

const userAgentHeaderValue = "GoClientSdk/1.0.0"

// authorizationHeaderValue formats a mobile key for the Authorization header, using the
// api_key scheme expected by the mobile endpoints.
func authorizationHeaderValue(mobileKey string) string {
	return "api_key " + mobileKey
}
