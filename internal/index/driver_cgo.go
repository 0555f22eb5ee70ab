//go:build sqlite3_cgo

package index

import (
	_ "github.com/mattn/go-sqlite3"
)

const driverName = "sqlite3"
