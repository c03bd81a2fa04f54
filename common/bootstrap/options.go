package bootstrap

// Option adjusts which shared components Setup wires. The worker runs
// with everything on; the fanout skips the pieces it never touches.
type Option func(*options)

type options struct {
	skipDB    bool
	skipCache bool
}

// WithoutDB skips the Postgres pool for services that keep no state of
// their own.
func WithoutDB() Option {
	return func(o *options) {
		o.skipDB = true
	}
}

// WithoutCache skips the node-output cache.
func WithoutCache() Option {
	return func(o *options) {
		o.skipCache = true
	}
}
