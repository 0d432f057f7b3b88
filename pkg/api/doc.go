// Package api defines the format-neutral core types of the pfeil gateway.
//
// Both wire formats the gateway speaks, the Anthropic-style Messages API on
// the inbound side and the Google-style generative API upstream, are
// translated to and from the canonical types in this package: [Message] with
// its ordered content [Part] values, [Tool] declarations, and the [StreamEvent]
// tagged union delivered to callers during streaming.
//
// The package also defines the gateway error taxonomy ([Error] with an
// explicit [ErrorKind] discriminant) and ID generation. It has zero external
// dependencies and performs no I/O.
package api
