package publication

import (
	"context"
	"strconv"

	"postbot/internal/storage"
)

const (
	recordsCollection = "publications"
	archiveCollection = "publications_archive"
	indexCounter      = "publications"
)

type sqliteRecords struct {
	store *storage.Store
	col   *storage.Collection[Post]
}

// NewRecords returns the sqlite-backed active post collection.
func NewRecords(store *storage.Store) Records {
	return &sqliteRecords{store: store, col: storage.NewCollection[Post](store, recordsCollection)}
}

func (r *sqliteRecords) Get(ctx context.Context, index int64) (Post, bool, error) {
	return r.col.Get(ctx, strconv.FormatInt(index, 10))
}

func (r *sqliteRecords) Put(ctx context.Context, p Post) error {
	return r.col.Put(ctx, p.Key(), p)
}

func (r *sqliteRecords) Delete(ctx context.Context, index int64) error {
	return r.col.Delete(ctx, strconv.FormatInt(index, 10))
}

func (r *sqliteRecords) All(ctx context.Context) ([]Post, error) {
	return r.col.All(ctx)
}

func (r *sqliteRecords) NextIndex(ctx context.Context) (int64, error) {
	return r.store.NextIndex(ctx, indexCounter)
}

type sqliteArchive struct {
	col *storage.Collection[ArchivedPost]
}

// NewArchive returns the sqlite-backed terminal archive.
func NewArchive(store *storage.Store) Archive {
	return &sqliteArchive{col: storage.NewCollection[ArchivedPost](store, archiveCollection)}
}

func (a *sqliteArchive) Add(ctx context.Context, rec ArchivedPost) error {
	return a.col.Put(ctx, rec.Post.Key(), rec)
}
