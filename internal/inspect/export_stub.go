//go:build !sqlite

package inspect

import "errors"

// ExportSQLite requires the sqlite build tag so the default build does
// not carry the driver.
func ExportSQLite(path, dbPath string) error {
	return errors.New("sqlite export not built in: rebuild with -tags sqlite")
}
