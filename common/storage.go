package common

import "context"

// StorageIterator is the part of the storage cursor the usecases
// consume, satisfied by mongo.Cursor
type StorageIterator interface {
	Next(ctx context.Context) bool
	Decode(v interface{}) error
	Close(ctx context.Context) error
}
