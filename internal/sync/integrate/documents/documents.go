// Package documents projects document bodies onto queryable rows.
//
// A document's registry entry decides its category. Patient documents
// update the patient's name row, program enrolment documents a
// program_enrolment row and encounter documents an encounter row. The body
// is checked against a CUE definition for its category first.
package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/text/unicode/norm"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
)

// ErrInvalidDocument wraps schema validation failures.
var ErrInvalidDocument = errors.New("invalid document body")

// projectionNamespace seeds projection row ids so re-projecting a document
// name always yields the same id.
var projectionNamespace = uuid.MustParse("6b1c2f0e-8a51-4d0e-9d43-2f5b8f1a7c10")

// Projector validates documents and builds their projection rows.
type Projector struct {
	mu          sync.Mutex
	ctx         *cue.Context
	definitions map[repo.DocumentCategory]cue.Value
}

// NewProjector compiles the document schemas.
func NewProjector() (*Projector, error) {
	cctx := cuecontext.New()
	root := cctx.CompileString(schemaSource)
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile document schemas: %w", err)
	}

	p := &Projector{ctx: cctx, definitions: make(map[repo.DocumentCategory]cue.Value)}
	for category, path := range map[repo.DocumentCategory]string{
		repo.CategoryPatient:          "#Patient",
		repo.CategoryProgramEnrolment: "#ProgramEnrolment",
		repo.CategoryEncounter:        "#Encounter",
	} {
		def := root.LookupPath(cue.ParsePath(path))
		if err := def.Err(); err != nil {
			return nil, fmt.Errorf("failed to load schema %s: %w", path, err)
		}
		p.definitions[category] = def
	}
	return p, nil
}

// Validate checks body against the definition of category. Categories
// without a definition accept any JSON object.
func (p *Projector) Validate(category repo.DocumentCategory, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	value := p.ctx.CompileBytes(body)
	if err := value.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	def, ok := p.definitions[category]
	if !ok {
		if value.IncompleteKind() != cue.StructKind {
			return fmt.Errorf("%w: body is not an object", ErrInvalidDocument)
		}
		return nil
	}
	if err := def.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return nil
}

// Project returns the rows derived from doc. Documents whose type has no
// registry entry, custom documents and deleted documents derive nothing.
func (p *Projector) Project(ctx context.Context, q sqlx.QueryerContext, doc repo.Document) ([]repo.Record, error) {
	entry, err := repo.RegistryForDocumentType(ctx, q, doc.Type)
	if err != nil {
		return nil, err
	}
	if entry == nil || doc.Status == repo.DocumentDeleted {
		return nil, nil
	}
	if err := p.Validate(entry.Category, []byte(doc.Data)); err != nil {
		return nil, fmt.Errorf("document %s: %w", doc.Name, err)
	}

	switch entry.Category {
	case repo.CategoryPatient:
		return p.patient(ctx, q, doc)
	case repo.CategoryProgramEnrolment:
		return p.programEnrolment(doc)
	case repo.CategoryEncounter:
		return p.encounter(doc)
	}
	return nil, nil
}

type patientBody struct {
	ID          string  `json:"id"`
	Code        string  `json:"code"`
	FirstName   *string `json:"firstName"`
	LastName    *string `json:"lastName"`
	Gender      *string `json:"gender"`
	DateOfBirth *string `json:"dateOfBirth"`
	IsDeceased  bool    `json:"isDeceased"`
}

func (p *Projector) patient(ctx context.Context, q sqlx.QueryerContext, doc repo.Document) ([]repo.Record, error) {
	var body patientBody
	if err := json.Unmarshal([]byte(doc.Data), &body); err != nil {
		return nil, fmt.Errorf("failed to decode patient %s: %w", doc.Name, err)
	}

	name := repo.Name{ID: body.ID, Type: repo.NamePatient, IsCustomer: true}
	existing, err := repo.Find[repo.Name](ctx, q, body.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		name = *existing
		name.Type = repo.NamePatient
	}

	name.FirstName = normalize(body.FirstName)
	name.LastName = normalize(body.LastName)
	name.Gender = body.Gender
	name.DateOfBirth = body.DateOfBirth
	name.IsDeceased = body.IsDeceased
	if body.Code != "" {
		name.Code = body.Code
	}
	name.Name = displayName(name.FirstName, name.LastName)
	return []repo.Record{name}, nil
}

type programEnrolmentBody struct {
	EnrolmentDatetime  string  `json:"enrolmentDatetime"`
	ProgramEnrolmentID *string `json:"programEnrolmentId"`
	Status             *string `json:"status"`
}

func (p *Projector) programEnrolment(doc repo.Document) ([]repo.Record, error) {
	if doc.OwnerNameID == nil {
		return nil, fmt.Errorf("%w: program enrolment %s has no patient", ErrInvalidDocument, doc.Name)
	}
	var body programEnrolmentBody
	if err := json.Unmarshal([]byte(doc.Data), &body); err != nil {
		return nil, fmt.Errorf("failed to decode program enrolment %s: %w", doc.Name, err)
	}
	enrolled, err := parseDatetime(body.EnrolmentDatetime)
	if err != nil {
		return nil, fmt.Errorf("%w: program enrolment %s: %v", ErrInvalidDocument, doc.Name, err)
	}
	return []repo.Record{repo.ProgramEnrolment{
		ID:                 projectionID(doc.Name),
		DocumentName:       doc.Name,
		PatientID:          *doc.OwnerNameID,
		ContextID:          doc.ContextID,
		DocumentType:       doc.Type,
		EnrolmentDatetime:  repo.NewTimestamp(enrolled),
		ProgramEnrolmentID: body.ProgramEnrolmentID,
		Status:             body.Status,
	}}, nil
}

type encounterBody struct {
	StartDatetime string  `json:"startDatetime"`
	EndDatetime   *string `json:"endDatetime"`
	Status        *string `json:"status"`
	Clinician     *struct {
		ID string `json:"id"`
	} `json:"clinician"`
}

func (p *Projector) encounter(doc repo.Document) ([]repo.Record, error) {
	if doc.OwnerNameID == nil {
		return nil, fmt.Errorf("%w: encounter %s has no patient", ErrInvalidDocument, doc.Name)
	}
	var body encounterBody
	if err := json.Unmarshal([]byte(doc.Data), &body); err != nil {
		return nil, fmt.Errorf("failed to decode encounter %s: %w", doc.Name, err)
	}
	start, err := parseDatetime(body.StartDatetime)
	if err != nil {
		return nil, fmt.Errorf("%w: encounter %s: %v", ErrInvalidDocument, doc.Name, err)
	}

	row := repo.Encounter{
		ID:            projectionID(doc.Name),
		DocumentName:  doc.Name,
		PatientID:     *doc.OwnerNameID,
		ContextID:     doc.ContextID,
		DocumentType:  doc.Type,
		StartDatetime: repo.NewTimestamp(start),
		Status:        body.Status,
	}
	if body.EndDatetime != nil {
		end, err := parseDatetime(*body.EndDatetime)
		if err != nil {
			return nil, fmt.Errorf("%w: encounter %s: %v", ErrInvalidDocument, doc.Name, err)
		}
		row.EndDatetime = repo.TimestampPtr(end)
	}
	if body.Clinician != nil && body.Clinician.ID != "" {
		row.ClinicianID = &body.Clinician.ID
	}
	return []repo.Record{row}, nil
}

func projectionID(documentName string) string {
	return uuid.NewSHA1(projectionNamespace, []byte(documentName)).String()
}

func parseDatetime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// normalize trims and NFC-normalises a name part so composed and decomposed
// input from different devices compare equal.
func normalize(s *string) *string {
	if s == nil {
		return nil
	}
	v := norm.NFC.String(strings.TrimSpace(*s))
	if v == "" {
		return nil
	}
	return &v
}

func displayName(first, last *string) string {
	switch {
	case first != nil && last != nil:
		return *last + ", " + *first
	case last != nil:
		return *last
	case first != nil:
		return *first
	}
	return ""
}
