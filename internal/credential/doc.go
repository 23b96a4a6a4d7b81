// Package credential holds the single outbound SSH credential of the bridge.
//
// The private key is read from disk once at process start, before the
// listener accepts connections, and is shared read-only by every session for
// the lifetime of the process. It is never reloaded or mutated while sessions
// are active, so no locking is needed to use it.
//
// Passphrase-protected keys are not supported: [Load] fails with
// [ErrPassphraseProtected] instead of prompting.
//
// The package also provides the key tooling used by the --generate-key CLI
// command ([GenerateKeyPair], [SaveKeyPair]).
package credential
