package models

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// Canonical history fields that every partition must map to a column.
const (
	FieldParticipantId     = "participant_id"
	FieldInvestigationId   = "investigation_id"
	FieldRecruitmentId     = "recruitment_id"
	FieldParticipationDate = "participation_date"
	FieldDurationMinutes   = "duration_minutes"
	FieldSessionOutcome    = "session_outcome"
	FieldRecruiterId       = "recruiter_id"
	FieldNotes             = "notes"
)

var CanonicalHistoryFields = []string{
	FieldParticipantId,
	FieldInvestigationId,
	FieldRecruitmentId,
	FieldParticipationDate,
	FieldDurationMinutes,
	FieldSessionOutcome,
	FieldRecruiterId,
	FieldNotes,
}

//go:embed fieldmap.yaml
var defaultFieldMapYAML []byte

type PartitionFields struct {
	Table   string            `yaml:"table" validate:"required"`
	Columns map[string]string `yaml:"columns" validate:"required,dive,keys,oneof=participant_id investigation_id recruitment_id participation_date duration_minutes session_outcome recruiter_id notes,endkeys,required"`
}

// FieldMap declares, per partition, which table and columns hold each canonical field.
type FieldMap struct {
	Partitions map[Partition]PartitionFields `yaml:"partitions" validate:"required,dive,keys,oneof=internal external,endkeys"`
}

var (
	fieldMapValidator = validator.New()
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// DefaultFieldMap returns the embedded mapping matching the migrated schema.
func DefaultFieldMap() (*FieldMap, error) {
	return ParseFieldMap(defaultFieldMapYAML)
}

// LoadFieldMap reads a field map file; an empty path yields the default.
func LoadFieldMap(path string) (*FieldMap, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultFieldMap()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read field map %s: %w", path, err)
	}
	return ParseFieldMap(raw)
}

func ParseFieldMap(raw []byte) (*FieldMap, error) {
	var fm FieldMap
	if err := yaml.Unmarshal(raw, &fm); err != nil {
		return nil, fmt.Errorf("parse field map: %w", err)
	}
	if err := fm.Validate(); err != nil {
		return nil, err
	}
	return &fm, nil
}

func (fm *FieldMap) Validate() error {
	if err := fieldMapValidator.Struct(fm); err != nil {
		return fmt.Errorf("invalid field map: %w", err)
	}
	tables := map[string]Partition{}
	for _, p := range AllPartitions {
		pf, ok := fm.Partitions[p]
		if !ok {
			return fmt.Errorf("invalid field map: partition %q is not declared", p)
		}
		if other, dup := tables[pf.Table]; dup {
			return fmt.Errorf("invalid field map: partitions %q and %q share table %q", other, p, pf.Table)
		}
		tables[pf.Table] = p
		if !identifierPattern.MatchString(pf.Table) {
			return fmt.Errorf("invalid field map: table name %q", pf.Table)
		}
		for _, f := range CanonicalHistoryFields {
			col, ok := pf.Columns[f]
			if !ok {
				return fmt.Errorf("invalid field map: partition %q does not map field %q", p, f)
			}
			if !identifierPattern.MatchString(col) {
				return fmt.Errorf("invalid field map: column name %q for %s.%s", col, p, f)
			}
		}
	}
	return nil
}

func (fm *FieldMap) Table(p Partition) string {
	return fm.Partitions[p].Table
}

// Column returns the partition column holding a canonical field.
func (fm *FieldMap) Column(p Partition, field string) string {
	return fm.Partitions[p].Columns[field]
}

// Verify checks that every mapped table and column exists in the database.
func (fm *FieldMap) Verify(db *gorm.DB) error {
	m := db.Migrator()
	for _, p := range AllPartitions {
		table := fm.Table(p)
		if !m.HasTable(table) {
			return fmt.Errorf("field map: table %s for partition %s does not exist", table, p)
		}
		for _, f := range CanonicalHistoryFields {
			col := fm.Column(p, f)
			if !m.HasColumn(table, col) {
				return fmt.Errorf("field map: column %s.%s (%s) does not exist", table, col, f)
			}
		}
	}
	return nil
}
