//go:build !cgo

package registry

import (
	"database/sql"

	sqlite "modernc.org/sqlite"
)

// Pure-Go builds register modernc's SQLite under the libsql name so DSNs
// and migrations are shared. It only reaches local files.
const (
	driverName      = "libsql"
	remoteSupported = false
)

func init() {
	sql.Register(driverName, &sqlite.Driver{})
}
