// Package config loads the named configuration surface (dotted keys
// such as RelayServer.ListenPort) via viper, which the retrieval
// pack's skycoin-skywire-testnet module carries in its dependency
// graph and whose dotted-key binding style matches this surface
// directly. cmd/relay and cmd/node use this package to turn
// environment variables and an optional config file into typed
// structs.
package config
