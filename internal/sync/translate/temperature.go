package translate

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/wire"
)

var errMissingDate = errors.New("missing date")

// LegacyTemperatureBreach is the legacy temperature_breach payload. Times
// are seconds since midnight and durations are seconds.
type LegacyTemperatureBreach struct {
	ID                string    `json:"ID"`
	Type              string    `json:"type"`
	SensorID          string    `json:"sensor_ID"`
	LocationID        OptString `json:"location_ID"`
	StoreID           string    `json:"store_ID"`
	StartDate         Date      `json:"start_date"`
	StartTime         int64     `json:"start_time"`
	EndDate           Date      `json:"end_date"`
	EndTime           int64     `json:"end_time"`
	Acknowledged      bool      `json:"acknowledged"`
	Duration          int64     `json:"duration"`
	ThresholdMinimum  float64   `json:"threshold_minimum_temperature"`
	ThresholdMaximum  float64   `json:"threshold_maximum_temperature"`
	ThresholdDuration int64     `json:"threshold_duration"`
}

var legacyBreachTypes = map[string]repo.BreachType{
	"COLD_CONSECUTIVE": repo.BreachColdConsecutive,
	"COLD_CUMULATIVE":  repo.BreachColdCumulative,
	"HOT_CONSECUTIVE":  repo.BreachHotConsecutive,
	"HOT_CUMULATIVE":   repo.BreachHotCumulative,
	"EXCURSION":        repo.BreachExcursion,
}

// TemperatureBreach translates temperature_breach.
type TemperatureBreach struct{}

func (TemperatureBreach) TableName() string { return "temperature_breach" }

func (TemperatureBreach) PullDependencies() []string {
	return []string{"store", "Location"}
}

func (TemperatureBreach) ChangelogTable() string { return repo.TemperatureBreach{}.Table() }

func (TemperatureBreach) PullUpsert(_ context.Context, _ sqlx.QueryerContext, row *repo.SyncBufferRow) (Result, error) {
	var data LegacyTemperatureBreach
	if err := decode(row, &data); err != nil {
		return Result{}, err
	}

	breachType, ok := legacyBreachTypes[data.Type]
	if !ok {
		return Result{}, translateErr(row, "unmapped breach type", enumError("type", data.Type))
	}
	start, ok := datetimeOf(data.StartDate, data.StartTime)
	if !ok {
		return Result{}, translateErr(row, "breach has no start", errMissingDate)
	}
	var end *repo.Timestamp
	if ts, ok := datetimeOf(data.EndDate, data.EndTime); ok {
		end = &ts
	}

	return Upserts(repo.TemperatureBreach{
		ID:                            data.ID,
		DurationMilliseconds:          data.Duration * 1000,
		Type:                          breachType,
		SensorID:                      data.SensorID,
		LocationID:                    data.LocationID.Ptr(),
		StoreID:                       data.StoreID,
		StartDatetime:                 start,
		EndDatetime:                   end,
		Unacknowledged:                !data.Acknowledged,
		ThresholdMinimum:              data.ThresholdMinimum,
		ThresholdMaximum:              data.ThresholdMaximum,
		ThresholdDurationMilliseconds: data.ThresholdDuration * 1000,
	}), nil
}

func (TemperatureBreach) PullDelete(_ context.Context, _ sqlx.QueryerContext, row *repo.SyncBufferRow) (Result, error) {
	return Deletes(repo.TemperatureBreach{}.Table(), row.RecordID), nil
}

func (b TemperatureBreach) PushUpsert(ctx context.Context, q sqlx.QueryerContext, entry *repo.ChangelogEntry) ([]wire.Record, error) {
	row, err := repo.Find[repo.TemperatureBreach](ctx, q, entry.RecordID)
	if err != nil || row == nil {
		return nil, err
	}
	startDate, startTime := splitDatetime(&row.StartDatetime)
	endDate, endTime := splitDatetime(row.EndDatetime)
	rec, err := wire.Upsert(b.TableName(), row.ID, LegacyTemperatureBreach{
		ID:                row.ID,
		Type:              string(row.Type),
		SensorID:          row.SensorID,
		LocationID:        OptStringOf(row.LocationID),
		StoreID:           row.StoreID,
		StartDate:         startDate,
		StartTime:         startTime,
		EndDate:           endDate,
		EndTime:           endTime,
		Acknowledged:      !row.Unacknowledged,
		Duration:          row.DurationMilliseconds / 1000,
		ThresholdMinimum:  row.ThresholdMinimum,
		ThresholdMaximum:  row.ThresholdMaximum,
		ThresholdDuration: row.ThresholdDurationMilliseconds / 1000,
	})
	if err != nil {
		return nil, err
	}
	return []wire.Record{rec}, nil
}

func (b TemperatureBreach) PushDelete(entry *repo.ChangelogEntry) ([]wire.Record, error) {
	return []wire.Record{wire.Delete(b.TableName(), entry.RecordID)}, nil
}

// LegacyTemperatureLog is the legacy temperature_log payload.
type LegacyTemperatureLog struct {
	ID                  string    `json:"ID"`
	Temperature         float64   `json:"temperature"`
	SensorID            string    `json:"sensor_ID"`
	LocationID          OptString `json:"location_ID"`
	StoreID             string    `json:"store_ID"`
	Date                Date      `json:"date"`
	Time                int64     `json:"time"`
	TemperatureBreachID OptString `json:"temperature_breach_ID"`
}

// TemperatureLog translates temperature_log.
type TemperatureLog struct{}

func (TemperatureLog) TableName() string { return "temperature_log" }

func (TemperatureLog) PullDependencies() []string {
	return []string{"store", "Location", "temperature_breach"}
}

func (TemperatureLog) ChangelogTable() string { return repo.TemperatureLog{}.Table() }

func (TemperatureLog) PullUpsert(_ context.Context, _ sqlx.QueryerContext, row *repo.SyncBufferRow) (Result, error) {
	var data LegacyTemperatureLog
	if err := decode(row, &data); err != nil {
		return Result{}, err
	}
	at, ok := datetimeOf(data.Date, data.Time)
	if !ok {
		return Result{}, translateErr(row, "log has no date", errMissingDate)
	}
	return Upserts(repo.TemperatureLog{
		ID:                  data.ID,
		Temperature:         data.Temperature,
		SensorID:            data.SensorID,
		LocationID:          data.LocationID.Ptr(),
		StoreID:             data.StoreID,
		Datetime:            at,
		TemperatureBreachID: data.TemperatureBreachID.Ptr(),
	}), nil
}

func (TemperatureLog) PullDelete(_ context.Context, _ sqlx.QueryerContext, row *repo.SyncBufferRow) (Result, error) {
	return Deletes(repo.TemperatureLog{}.Table(), row.RecordID), nil
}

func (l TemperatureLog) PushUpsert(ctx context.Context, q sqlx.QueryerContext, entry *repo.ChangelogEntry) ([]wire.Record, error) {
	row, err := repo.Find[repo.TemperatureLog](ctx, q, entry.RecordID)
	if err != nil || row == nil {
		return nil, err
	}
	date, seconds := splitDatetime(&row.Datetime)
	rec, err := wire.Upsert(l.TableName(), row.ID, LegacyTemperatureLog{
		ID:                  row.ID,
		Temperature:         row.Temperature,
		SensorID:            row.SensorID,
		LocationID:          OptStringOf(row.LocationID),
		StoreID:             row.StoreID,
		Date:                date,
		Time:                seconds,
		TemperatureBreachID: OptStringOf(row.TemperatureBreachID),
	})
	if err != nil {
		return nil, err
	}
	return []wire.Record{rec}, nil
}

func (l TemperatureLog) PushDelete(entry *repo.ChangelogEntry) ([]wire.Record, error) {
	return []wire.Record{wire.Delete(l.TableName(), entry.RecordID)}, nil
}
