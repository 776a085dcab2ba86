package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks that a metadata index has the structure the code expects
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every check
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"graphic_tombstones": "Soft-delete tombstones",
		"graphic_uploads":    "Upload records",
		"schema_migrations":  "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.objectExists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies column names and declared types
func (v *SchemaValidator) ValidateTableStructure() error {
	tombstoneColumns := map[string]string{
		"graphic_id": "TEXT",
		"expires_at": "INTEGER",
		"marked_at":  "DATETIME",
	}
	if err := v.validateColumns("graphic_tombstones", tombstoneColumns); err != nil {
		return fmt.Errorf("graphic_tombstones table structure invalid: %w", err)
	}

	uploadColumns := map[string]string{
		"graphic_id":  "TEXT",
		"version":     "TEXT",
		"uploaded_at": "INTEGER",
	}
	if err := v.validateColumns("graphic_uploads", uploadColumns); err != nil {
		return fmt.Errorf("graphic_uploads table structure invalid: %w", err)
	}

	return nil
}

// ValidateIndexes verifies that the sweep index exists
func (v *SchemaValidator) ValidateIndexes() error {
	exists, err := v.objectExists("index", "idx_graphic_tombstones_expires")
	if err != nil {
		return fmt.Errorf("error checking index idx_graphic_tombstones_expires: %w", err)
	}
	if !exists {
		return fmt.Errorf("required index idx_graphic_tombstones_expires does not exist")
	}
	return nil
}

func (v *SchemaValidator) objectExists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, dataType string
		var defaultValue any

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}

	return nil
}
