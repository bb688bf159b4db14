package ldclient

import (
	"errors"
	"net/url"
)

// MobileKey is the credential identifying one LaunchDarkly environment to the mobile
// endpoints.
type MobileKey string

// Defined is true if the key is non-empty.
func (k MobileKey) Defined() bool {
	return k != ""
}

// Masked returns a form of the key that is safe to log.
func (k MobileKey) Masked() string {
	if len(k) <= 4 {
		return "****"
	}
	return "****" + string(k[len(k)-4:])
}

// OptAbsoluteURL represents an optional URL parameter which, if present, must be a
// valid absolute URL.
//
// The zero value OptAbsoluteURL{} is valid and undefined (IsDefined() is false).
type OptAbsoluteURL struct {
	url *url.URL
}

// NewOptAbsoluteURLFromString creates an OptAbsoluteURL from a string. It returns an
// error if the string is not a URL or is a relative URL. If the string is empty, it
// returns an empty OptAbsoluteURL{}.
func NewOptAbsoluteURLFromString(urlString string) (OptAbsoluteURL, error) {
	if urlString == "" {
		return OptAbsoluteURL{}, nil
	}
	u, err := url.Parse(urlString)
	if err != nil {
		return OptAbsoluteURL{}, errBadURLString()
	}
	if !u.IsAbs() {
		return OptAbsoluteURL{}, errNotAbsoluteURL()
	}
	return OptAbsoluteURL{url: u}, nil
}

func newOptAbsoluteURLMustBeValid(urlString string) OptAbsoluteURL {
	o, err := NewOptAbsoluteURLFromString(urlString)
	if err != nil {
		panic(err)
	}
	return o
}

// IsDefined is true if this instance has a value.
func (o OptAbsoluteURL) IsDefined() bool {
	return o.url != nil
}

// String returns the URL converted to a string, or "" if undefined.
func (o OptAbsoluteURL) String() string {
	return o.StringOrElse("")
}

// StringOrElse returns the URL converted to a string, or the alternative value if
// undefined.
func (o OptAbsoluteURL) StringOrElse(orElseValue string) string {
	if o.url == nil {
		return orElseValue
	}
	return o.url.String()
}

// UnmarshalText attempts to parse the value from a byte string, using the same logic
// as NewOptAbsoluteURLFromString.
func (o *OptAbsoluteURL) UnmarshalText(data []byte) error {
	parsed, err := NewOptAbsoluteURLFromString(string(data))
	if err == nil {
		*o = parsed
	}
	return err
}

func errBadURLString() error {
	return errors.New("not a valid URL/URI")
}

func errNotAbsoluteURL() error {
	return errors.New("must be an absolute URL/URI")
}
