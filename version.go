package bookstore

// Version returns the version of the bookstore engine.
func Version() string {
	return "0.1.0"
}
