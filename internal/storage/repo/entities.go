package repo

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Dates of the synchronised entities are stored as *string in YYYY-MM-DD form.
// Datetimes use Timestamp.

type Currency struct {
	ID             string  `db:"id"`
	Rate           float64 `db:"rate"`
	Code           string  `db:"code"`
	IsHomeCurrency bool    `db:"is_home_currency"`
	DateUpdated    *string `db:"date_updated"`
	IsActive       bool    `db:"is_active"`
}

func (Currency) Table() string  { return "currency" }
func (r Currency) Key() string { return r.ID }

type Unit struct {
	ID          string  `db:"id"`
	Name        string  `db:"name"`
	Description *string `db:"description"`
	Index       int64   `db:"idx"`
}

func (Unit) Table() string  { return "unit" }
func (r Unit) Key() string { return r.ID }

// NameType classifies a name row.
type NameType string

const (
	NameFacility NameType = "FACILITY"
	NamePatient  NameType = "PATIENT"
	NameBuild    NameType = "BUILD"
	NameInvad    NameType = "INVAD"
	NameRepack   NameType = "REPACK"
	NameStore    NameType = "STORE"
	NameOthers   NameType = "OTHERS"
)

type Name struct {
	ID          string   `db:"id"`
	Name        string   `db:"name"`
	Code        string   `db:"code"`
	Type        NameType `db:"type"`
	IsCustomer  bool     `db:"is_customer"`
	IsSupplier  bool     `db:"is_supplier"`
	FirstName   *string  `db:"first_name"`
	LastName    *string  `db:"last_name"`
	Gender      *string  `db:"gender"`
	DateOfBirth *string  `db:"date_of_birth"`
	IsDeceased  bool     `db:"is_deceased"`
}

func (Name) Table() string  { return "name" }
func (r Name) Key() string { return r.ID }

type Store struct {
	ID     string `db:"id"`
	NameID string `db:"name_id"`
	Code   string `db:"code"`
	SiteID int64  `db:"site_id"`
}

func (Store) Table() string  { return "store" }
func (r Store) Key() string { return r.ID }

type NameStoreJoin struct {
	ID             string `db:"id"`
	NameID         string `db:"name_id"`
	StoreID        string `db:"store_id"`
	NameIsCustomer bool   `db:"name_is_customer"`
	NameIsSupplier bool   `db:"name_is_supplier"`
}

func (NameStoreJoin) Table() string            { return "name_store_join" }
func (r NameStoreJoin) Key() string           { return r.ID }
func (r NameStoreJoin) OwningStoreID() *string { return &r.StoreID }

// ItemType classifies an item row.
type ItemType string

const (
	ItemStock    ItemType = "STOCK"
	ItemService  ItemType = "SERVICE"
	ItemNonStock ItemType = "NON_STOCK"
)

type Item struct {
	ID              string   `db:"id"`
	Name            string   `db:"name"`
	Code            string   `db:"code"`
	UnitID          *string  `db:"unit_id"`
	Type            ItemType `db:"type"`
	DefaultPackSize int64    `db:"default_pack_size"`
}

func (Item) Table() string  { return "item" }
func (r Item) Key() string { return r.ID }

type Location struct {
	ID      string `db:"id"`
	Code    string `db:"code"`
	Name    string `db:"name"`
	OnHold  bool   `db:"on_hold"`
	StoreID string `db:"store_id"`
}

func (Location) Table() string            { return "location" }
func (r Location) Key() string           { return r.ID }
func (r Location) OwningStoreID() *string { return &r.StoreID }

type StockLine struct {
	ID                     string  `db:"id"`
	ItemID                 string  `db:"item_id"`
	StoreID                string  `db:"store_id"`
	LocationID             *string `db:"location_id"`
	Batch                  *string `db:"batch"`
	PackSize               int64   `db:"pack_size"`
	CostPricePerPack       float64 `db:"cost_price_per_pack"`
	SellPricePerPack       float64 `db:"sell_price_per_pack"`
	AvailableNumberOfPacks float64 `db:"available_number_of_packs"`
	TotalNumberOfPacks     float64 `db:"total_number_of_packs"`
	ExpiryDate             *string `db:"expiry_date"`
	OnHold                 bool    `db:"on_hold"`
	Note                   *string `db:"note"`
	SupplierID             *string `db:"supplier_id"`
	BarcodeID              *string `db:"barcode_id"`
}

func (StockLine) Table() string            { return "stock_line" }
func (r StockLine) Key() string           { return r.ID }
func (r StockLine) OwningStoreID() *string { return &r.StoreID }

type Clinician struct {
	ID        string  `db:"id"`
	Code      string  `db:"code"`
	LastName  string  `db:"last_name"`
	Initials  string  `db:"initials"`
	FirstName *string `db:"first_name"`
	Address1  *string `db:"address1"`
	Phone     *string `db:"phone"`
	Mobile    *string `db:"mobile"`
	Email     *string `db:"email"`
	Gender    *string `db:"gender"`
	IsActive  bool    `db:"is_active"`
}

func (Clinician) Table() string  { return "clinician" }
func (r Clinician) Key() string { return r.ID }

type MasterList struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	Code        string `db:"code"`
	Description string `db:"description"`
}

func (MasterList) Table() string  { return "master_list" }
func (r MasterList) Key() string { return r.ID }

// BreachType classifies a temperature breach.
type BreachType string

const (
	BreachColdConsecutive BreachType = "COLD_CONSECUTIVE"
	BreachColdCumulative  BreachType = "COLD_CUMULATIVE"
	BreachHotConsecutive  BreachType = "HOT_CONSECUTIVE"
	BreachHotCumulative   BreachType = "HOT_CUMULATIVE"
	BreachExcursion       BreachType = "EXCURSION"
)

type TemperatureBreach struct {
	ID                            string     `db:"id"`
	DurationMilliseconds          int64      `db:"duration_milliseconds"`
	Type                          BreachType `db:"type"`
	SensorID                      string     `db:"sensor_id"`
	LocationID                    *string    `db:"location_id"`
	StoreID                       string     `db:"store_id"`
	StartDatetime                 Timestamp  `db:"start_datetime"`
	EndDatetime                   *Timestamp `db:"end_datetime"`
	Unacknowledged                bool       `db:"unacknowledged"`
	ThresholdMinimum              float64    `db:"threshold_minimum"`
	ThresholdMaximum              float64    `db:"threshold_maximum"`
	ThresholdDurationMilliseconds int64      `db:"threshold_duration_milliseconds"`
}

func (TemperatureBreach) Table() string            { return "temperature_breach" }
func (r TemperatureBreach) Key() string           { return r.ID }
func (r TemperatureBreach) OwningStoreID() *string { return &r.StoreID }

type TemperatureLog struct {
	ID                  string    `db:"id"`
	Temperature         float64   `db:"temperature"`
	SensorID            string    `db:"sensor_id"`
	LocationID          *string   `db:"location_id"`
	StoreID             string    `db:"store_id"`
	Datetime            Timestamp `db:"datetime"`
	TemperatureBreachID *string   `db:"temperature_breach_id"`
}

func (TemperatureLog) Table() string            { return "temperature_log" }
func (r TemperatureLog) Key() string           { return r.ID }
func (r TemperatureLog) OwningStoreID() *string { return &r.StoreID }

// Permission is a user permission within a store or program context.
type Permission string

const (
	PermissionDocumentQuery  Permission = "DOCUMENT_QUERY"
	PermissionDocumentMutate Permission = "DOCUMENT_MUTATE"
	PermissionStoreAccess    Permission = "STORE_ACCESS"
)

type UserPermission struct {
	ID         string     `db:"id"`
	UserID     string     `db:"user_id"`
	StoreID    *string    `db:"store_id"`
	Permission Permission `db:"permission"`
	ContextID  *string    `db:"context_id"`
}

func (UserPermission) Table() string            { return "user_permission" }
func (r UserPermission) Key() string           { return r.ID }
func (r UserPermission) OwningStoreID() *string { return r.StoreID }

// DocumentCategory decides which projection a document type feeds.
type DocumentCategory string

const (
	CategoryPatient          DocumentCategory = "PATIENT"
	CategoryProgramEnrolment DocumentCategory = "PROGRAM_ENROLMENT"
	CategoryEncounter        DocumentCategory = "ENCOUNTER"
	CategoryCustom           DocumentCategory = "CUSTOM"
)

type DocumentRegistry struct {
	ID           string           `db:"id" yaml:"id"`
	DocumentType string           `db:"document_type" yaml:"document_type"`
	ContextID    string           `db:"context_id" yaml:"context_id"`
	Category     DocumentCategory `db:"category" yaml:"category"`
	Name         *string          `db:"name" yaml:"name,omitempty"`
	FormSchemaID *string          `db:"form_schema_id" yaml:"form_schema_id,omitempty"`
}

func (DocumentRegistry) Table() string  { return "document_registry" }
func (r DocumentRegistry) Key() string { return r.ID }

// DocumentStatus is ACTIVE or DELETED.
type DocumentStatus string

const (
	DocumentActive  DocumentStatus = "ACTIVE"
	DocumentDeleted DocumentStatus = "DELETED"
)

type Document struct {
	ID           string         `db:"id"`
	Name         string         `db:"name"`
	ParentIDs    string         `db:"parent_ids"`
	UserID       string         `db:"user_id"`
	Datetime     Timestamp      `db:"datetime"`
	Type         string         `db:"type"`
	Data         string         `db:"data"`
	FormSchemaID *string        `db:"form_schema_id"`
	Status       DocumentStatus `db:"status"`
	OwnerNameID  *string        `db:"owner_name_id"`
	ContextID    string         `db:"context_id"`
}

func (Document) Table() string           { return "document" }
func (r Document) Key() string           { return r.ID }
func (r Document) OwningNameID() *string { return r.OwnerNameID }

// ProgramEnrolment is projected from a program enrolment document.
type ProgramEnrolment struct {
	ID                 string    `db:"id"`
	DocumentName       string    `db:"document_name"`
	PatientID          string    `db:"patient_id"`
	ContextID          string    `db:"context_id"`
	DocumentType       string    `db:"document_type"`
	EnrolmentDatetime  Timestamp `db:"enrolment_datetime"`
	ProgramEnrolmentID *string   `db:"program_enrolment_id"`
	Status             *string   `db:"status"`
}

func (ProgramEnrolment) Table() string  { return "program_enrolment" }
func (r ProgramEnrolment) Key() string { return r.ID }

// Encounter is projected from an encounter document.
type Encounter struct {
	ID            string     `db:"id"`
	DocumentName  string     `db:"document_name"`
	PatientID     string     `db:"patient_id"`
	ContextID     string     `db:"context_id"`
	DocumentType  string     `db:"document_type"`
	StartDatetime Timestamp  `db:"start_datetime"`
	EndDatetime   *Timestamp `db:"end_datetime"`
	Status        *string    `db:"status"`
	ClinicianID   *string    `db:"clinician_id"`
}

func (Encounter) Table() string  { return "encounter" }
func (r Encounter) Key() string { return r.ID }

// allRecords lists one zero value per table so table metadata can be
// resolved by name before any row of that type has been written.
var allRecords = []Record{
	Currency{}, Unit{}, Name{}, Store{}, NameStoreJoin{}, Item{}, Location{},
	StockLine{}, Clinician{}, MasterList{}, TemperatureBreach{}, TemperatureLog{},
	UserPermission{}, DocumentRegistry{}, Document{}, ProgramEnrolment{},
	Encounter{}, SyncFileReference{}, SyncLog{},
}

// NameStoreJoinsForName returns every join of a name.
func NameStoreJoinsForName(ctx context.Context, q sqlx.QueryerContext, nameID string) ([]NameStoreJoin, error) {
	var joins []NameStoreJoin
	err := sqlx.SelectContext(ctx, q, &joins, `
		SELECT id, name_id, store_id, name_is_customer, name_is_supplier
		FROM name_store_join WHERE name_id = ? ORDER BY id`, nameID)
	if err != nil {
		return nil, fmt.Errorf("failed to query name store joins for %s: %w", nameID, err)
	}
	return joins, nil
}

// RegistryForDocumentType returns the registry entry of a document type, nil
// when the type is not registered.
func RegistryForDocumentType(ctx context.Context, q sqlx.QueryerContext, docType string) (*DocumentRegistry, error) {
	var entries []DocumentRegistry
	err := sqlx.SelectContext(ctx, q, &entries, `
		SELECT id, document_type, context_id, category, name, form_schema_id
		FROM document_registry WHERE document_type = ? ORDER BY id LIMIT 1`, docType)
	if err != nil {
		return nil, fmt.Errorf("failed to query registry for %s: %w", docType, err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// CountRows returns the number of rows in a known table.
func CountRows(ctx context.Context, q sqlx.QueryerContext, table string) (int64, error) {
	if !isKnownTable(table) {
		return 0, fmt.Errorf("failed to count %s: unknown table", table)
	}
	var n int64
	if err := sqlx.GetContext(ctx, q, &n, "SELECT COUNT(*) FROM "+table); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}
