package caching

import (
	"context"
	"errors"
)

// DbCache is responsible for data caching in db stores like redis, memcache etc.
// for disk caching use DiskCache interface
type DbCache interface {
	GetCommitMessage(ctx context.Context, sha string) (string, error)
	StoreCommitMessage(ctx context.Context, sha string, message string) error
}

// DiskCache is responsible for data caching in local disk
type DiskCache interface {
	Read(filepath string) ([]byte, error)
	Write(filepath string, data []byte) error
}

type MemCache interface {
	Get(key string) (interface{}, bool)
	Set(key string, value interface{}) error
}

var (
	ErrNotFound = errors.New("not found in cache")
)
