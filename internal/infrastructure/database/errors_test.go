package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsTransientContention(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "lock wait timeout", err: &mysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"}, want: true},
		{name: "deadlock", err: &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}, want: true},
		{name: "wrapped deadlock", err: fmt.Errorf("lock user: %w", &mysql.MySQLError{Number: 1213}), want: true},
		{name: "duplicate entry", err: &mysql.MySQLError{Number: 1062}, want: false},
		{name: "table missing", err: &mysql.MySQLError{Number: 1146}, want: false},
		{name: "sqlite busy", err: sqlite3.Error{Code: sqlite3.ErrBusy}, want: true},
		{name: "sqlite locked", err: sqlite3.Error{Code: sqlite3.ErrLocked}, want: true},
		{name: "sqlite constraint", err: sqlite3.Error{Code: sqlite3.ErrConstraint}, want: false},
		{name: "bad connection", err: errors.New("driver: bad connection"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransientContention(tt.err))
		})
	}
}

func TestIsDuplicateKey(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "mysql duplicate", err: &mysql.MySQLError{Number: 1062}, want: true},
		{name: "gorm translated", err: fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey), want: true},
		{name: "sqlite unique", err: sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}, want: true},
		{name: "sqlite not null", err: sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintNotNull}, want: false},
		{name: "deadlock", err: &mysql.MySQLError{Number: 1213}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsDuplicateKey(tt.err))
		})
	}
}
