// Package db owns the one place that opens the GORM connection pool, so
// cmd/ binaries have somewhere to get a *gorm.DB from.
package db

import (
	"log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens a MySQL connection via GORM, failing fast if the DSN is
// unreachable rather than retrying indefinitely at startup.
func Connect(dsn string) *gorm.DB {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	return gdb
}
