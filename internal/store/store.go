package store

import (
	"context"
	"time"
)

type primaryKey struct{}

// ReadPrimary marks ctx so reads made with it skip any replica. Status
// checks that decide a write must see the primary's state.
func ReadPrimary(ctx context.Context) context.Context {
	return context.WithValue(ctx, primaryKey{}, true)
}

// PrimaryRequested reports whether ctx was marked by ReadPrimary.
func PrimaryRequested(ctx context.Context) bool {
	v, _ := ctx.Value(primaryKey{}).(bool)
	return v
}

// TimePrecision is the finest timestamp unit every backend keeps. Postgres
// timestamptz and the SQLite micros columns both stop at microseconds.
const TimePrecision = time.Microsecond
