// Package codec implements the wire encoding of the transport core's
// frames. Higher layers treat encode/decode as an opaque contract
// (encode(value) -> bytes, decode(bytes) -> value); this package
// supplies a concrete, self-consistent, length-prefixed binary
// implementation of that contract.
package codec
