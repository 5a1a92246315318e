package custos

import "errors"

// Error kinds returned by this package. Callers discriminate with errors.Is;
// the wrapped message carries the human-readable detail.
var (
	// ErrConfiguration indicates the adapter could not be constructed from
	// the given inputs. Fatal: a partially resolved adapter is never usable.
	ErrConfiguration = errors.New("provider configuration error")

	// ErrAuthenticationFailed indicates a failed login attempt: state or
	// nonce mismatch, token-exchange failure, or an ambiguous identity
	// conflict. No account or token mutation has occurred.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrDataIntegrity indicates the store holds zero or multiple token
	// records where exactly one was expected. Nothing was mutated.
	ErrDataIntegrity = errors.New("data integrity error")

	// ErrNetwork indicates an outbound call failed. Not retried here; the
	// caller may retry the whole login attempt.
	ErrNetwork = errors.New("network error")
)
