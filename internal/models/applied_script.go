package models

import (
	"path/filepath"
	"strings"
	"time"
)

// AppliedScriptsTable is the ledger table name
const AppliedScriptsTable = "applied_scripts"

// AppliedScript is one row of the applied-scripts ledger. A row exists only
// once its forward script has been committed.
type AppliedScript struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	ScriptName    string    `gorm:"size:255;not null" json:"script_name"`
	MigrationName string    `gorm:"size:255;not null;index" json:"migration_name"`
	AppliedOn     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"applied_on"`
}

// TableName ensures consistent table naming
func (AppliedScript) TableName() string {
	return AppliedScriptsTable
}

// MigrationNameOf returns the logical migration name of a script file: its
// base name without extension.
func MigrationNameOf(scriptName string) string {
	base := filepath.Base(scriptName)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
