package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestConstraintViolations(t *testing.T) {
	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	exclusion := fmt.Errorf("update: %w", &pgconn.PgError{Code: "23P01"})

	if !IsUniqueViolation(unique) || IsUniqueViolation(exclusion) {
		t.Fatal("unique violation detection mismatch")
	}
	if !IsExclusionViolation(exclusion) || IsExclusionViolation(unique) {
		t.Fatal("exclusion violation detection mismatch")
	}
	if IsUniqueViolation(errors.New("plain")) || IsExclusionViolation(nil) {
		t.Fatal("expected false for non-pg errors")
	}
}
