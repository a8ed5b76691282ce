package entity

import (
	"cmp"
	"fmt"
	"time"
)

const dayLayout = "2006-01-02"

// Day is a calendar day in the reporting time zone, formatted YYYY-MM-DD.
type Day string

// DayOf returns the calendar day of t in loc.
func DayOf(t time.Time, loc *time.Location) Day {
	if loc == nil {
		loc = time.UTC
	}
	return Day(t.In(loc).Format(dayLayout))
}

// DayFromDate converts a DATE column value (midnight, any zone) to Day.
func DayFromDate(t time.Time) Day {
	return Day(t.Format(dayLayout))
}

// Time returns midnight UTC of the day, suitable for DATE parameters.
func (d Day) Time() time.Time {
	t, err := time.Parse(dayLayout, string(d))
	if err != nil {
		return time.Time{}
	}
	return t
}

func (d Day) Valid() bool {
	_, err := time.Parse(dayLayout, string(d))
	return err == nil
}

// AggregateKey addresses one cell of the aggregate index.
// ClientID and DriverID use 0 as the "all" wildcard.
type AggregateKey struct {
	TenantID   int64
	ClientID   int64
	DriverID   int64
	StatusCode int
	Day        Day
}

func (k AggregateKey) String() string {
	return fmt.Sprintf("%d/%d/%d/%d/%s", k.TenantID, k.ClientID, k.DriverID, k.StatusCode, k.Day)
}

// CompareKeys orders keys by tenant, day, status, client, driver.
func CompareKeys(a, b AggregateKey) int {
	return cmp.Or(
		cmp.Compare(a.TenantID, b.TenantID),
		cmp.Compare(a.Day, b.Day),
		cmp.Compare(a.StatusCode, b.StatusCode),
		cmp.Compare(a.ClientID, b.ClientID),
		cmp.Compare(a.DriverID, b.DriverID),
	)
}

// Membership is the desired state of one package within one cell.
// Historical=true means the package entered the cell and stays in its
// historical set; Historical=false with Live=false is a pure removal.
type Membership struct {
	PackageID  int64
	Historical bool
	Live       bool
}

// IndexEntry is one row of the aggregate index.
type IndexEntry struct {
	Key          AggregateKey `db:"-" json:"-"`
	PackageID    int64        `db:"package_id" json:"package_id"`
	InHistorical bool         `db:"in_historical" json:"in_historical"`
	InLive       bool         `db:"in_live" json:"in_live"`
	UpdatedAt    time.Time    `db:"updated_at" json:"updated_at"`
}
