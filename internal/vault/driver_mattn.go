//go:build cgo_sqlite

package vault

// Build with -tags cgo_sqlite to use the cgo driver instead, e.g. where the
// host already links against a system SQLite.
import _ "github.com/mattn/go-sqlite3"

const driverName = "sqlite3"
