//go:build !cgo_sqlite

package vault

// The pure-Go SQLite driver is the default so the vault builds without cgo.
import _ "modernc.org/sqlite"

const driverName = "sqlite"
