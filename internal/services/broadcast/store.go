package broadcast

import (
	"context"
	"strconv"

	"postbot/internal/storage"
)

const (
	recordsCollection = "broadcasts"
	archiveCollection = "broadcasts_archive"
	indexCounter      = "broadcasts"
)

type sqliteRecords struct {
	store *storage.Store
	col   *storage.Collection[Broadcast]
}

// NewRecords returns the sqlite-backed active broadcast collection.
func NewRecords(store *storage.Store) Records {
	return &sqliteRecords{store: store, col: storage.NewCollection[Broadcast](store, recordsCollection)}
}

func (r *sqliteRecords) Get(ctx context.Context, index int64) (Broadcast, bool, error) {
	return r.col.Get(ctx, strconv.FormatInt(index, 10))
}

func (r *sqliteRecords) Put(ctx context.Context, b Broadcast) error {
	return r.col.Put(ctx, b.Key(), b)
}

func (r *sqliteRecords) Delete(ctx context.Context, index int64) error {
	return r.col.Delete(ctx, strconv.FormatInt(index, 10))
}

func (r *sqliteRecords) All(ctx context.Context) ([]Broadcast, error) {
	return r.col.All(ctx)
}

func (r *sqliteRecords) NextIndex(ctx context.Context) (int64, error) {
	return r.store.NextIndex(ctx, indexCounter)
}

type sqliteArchive struct {
	col *storage.Collection[ArchivedBroadcast]
}

// NewArchive returns the sqlite-backed terminal archive.
func NewArchive(store *storage.Store) Archive {
	return &sqliteArchive{col: storage.NewCollection[ArchivedBroadcast](store, archiveCollection)}
}

func (a *sqliteArchive) Add(ctx context.Context, rec ArchivedBroadcast) error {
	return a.col.Put(ctx, rec.Broadcast.Key(), rec)
}
