// Package labels maps slide file ids to tumor/normal labels using the GDC
// cart metadata and biospecimen documents.
package labels

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"wsitiler/internal/models"
)

var (
	// ErrUnknownFile is returned when a file id has no metadata record.
	ErrUnknownFile = errors.New("file id not found in metadata")

	// ErrUnknownCase is returned when a case id has no biospecimen record.
	ErrUnknownCase = errors.New("case id not found in biospecimen")
)

// normalMarker is the sample type substring that marks a normal slide.
const normalMarker = "Normal"

const fileSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["file_id", "associated_entities"],
		"properties": {
			"file_id": {"type": "string", "minLength": 1},
			"associated_entities": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["case_id"],
					"properties": {"case_id": {"type": "string"}}
				}
			}
		}
	}
}`

const caseSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["case_id", "samples"],
		"properties": {
			"case_id": {"type": "string", "minLength": 1},
			"samples": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["sample_type"],
					"properties": {"sample_type": {"type": "string"}}
				}
			}
		}
	}
}`

// Entity is one associated entity of a file record.
type Entity struct {
	CaseID string `json:"case_id"`
}

// FileRecord is one entry of the metadata cart document.
type FileRecord struct {
	FileID             string   `json:"file_id"`
	FileName           string   `json:"file_name,omitempty"`
	AssociatedEntities []Entity `json:"associated_entities"`
}

// Sample is one sample of a case record.
type Sample struct {
	SampleType string `json:"sample_type"`
}

// CaseRecord is one entry of the biospecimen cart document.
type CaseRecord struct {
	CaseID  string   `json:"case_id"`
	Samples []Sample `json:"samples"`
}

// LoadFiles reads and validates a metadata cart document.
func LoadFiles(path string) ([]FileRecord, error) {
	var records []FileRecord
	if err := loadDocument(path, fileSchema, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// LoadCases reads and validates a biospecimen cart document.
func LoadCases(path string) ([]CaseRecord, error) {
	var records []CaseRecord
	if err := loadDocument(path, caseSchema, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func loadDocument(path, schema string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(schema), gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("validate %s: %w", path, err)
	}
	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return fmt.Errorf("%s failed validation: %s", path, strings.Join(errs, "; "))
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Mapping resolves file ids to labels. It is read-only after construction
// and safe for concurrent use.
type Mapping struct {
	fileCase   map[string]string
	caseSample map[string]string
}

// NewMapping builds a Mapping from loaded documents. Each file maps to the case
// of its first associated entity and each case to the type of its first sample.
// A later record with the same id replaces an earlier one.
func NewMapping(files []FileRecord, cases []CaseRecord) *Mapping {
	m := &Mapping{
		fileCase:   make(map[string]string, len(files)),
		caseSample: make(map[string]string, len(cases)),
	}
	for _, f := range files {
		if len(f.AssociatedEntities) > 0 {
			m.fileCase[f.FileID] = f.AssociatedEntities[0].CaseID
		}
	}
	for _, c := range cases {
		if len(c.Samples) > 0 {
			m.caseSample[c.CaseID] = c.Samples[0].SampleType
		}
	}
	return m
}

// Len returns the number of known file ids.
func (m *Mapping) Len() int {
	return len(m.fileCase)
}

// SampleType returns the sample type recorded for a file id.
func (m *Mapping) SampleType(fileID string) (string, error) {
	caseID, ok := m.fileCase[fileID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownFile, fileID)
	}
	sampleType, ok := m.caseSample[caseID]
	if !ok {
		return "", fmt.Errorf("%w: %s (file %s)", ErrUnknownCase, caseID, fileID)
	}
	return sampleType, nil
}

// Classify returns LabelNormal when the file's sample type contains "Normal"
// and LabelTumor otherwise.
func (m *Mapping) Classify(fileID string) (models.Label, error) {
	sampleType, err := m.SampleType(fileID)
	if err != nil {
		return "", err
	}
	if strings.Contains(sampleType, normalMarker) {
		return models.LabelNormal, nil
	}
	return models.LabelTumor, nil
}
