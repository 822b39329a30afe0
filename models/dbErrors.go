package models

import (
	"errors"
	"strings"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// ErrDuplicateHistory is returned when an insert hits the per-partition
// recruitment_id unique index, i.e. a concurrent writer already inserted the row.
var ErrDuplicateHistory = errors.New("participation history already exists for recruitment")

func isDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	// sqlite (tests) without error translation
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
