package engine_util

import (
	"os"
	"path/filepath"

	"github.com/Connor1996/badger"
	"github.com/pingcap-incubator/tinytxn/log"
)

// Engines keeps a reference to the badger key/value database backing a store.
// The Path field is the filesystem path to where the data is stored.
type Engines struct {
	// All transactional state: committed versions, intents and transaction
	// status records.
	Kv     *badger.DB
	KvPath string
}

func NewEngines(kvEngine *badger.DB, kvPath string) *Engines {
	return &Engines{
		Kv:     kvEngine,
		KvPath: kvPath,
	}
}

func (en *Engines) WriteKV(wb *WriteBatch) error {
	return wb.WriteToDB(en.Kv)
}

func (en *Engines) Close() error {
	return en.Kv.Close()
}

func (en *Engines) Destroy() error {
	if err := en.Close(); err != nil {
		return err
	}
	return os.RemoveAll(en.KvPath)
}

// CreateDB creates a new Badger DB on disk at dbPath/subPath.
func CreateDB(subPath string, dbPath string) *badger.DB {
	opts := badger.DefaultOptions
	opts.Dir = filepath.Join(dbPath, subPath)
	opts.ValueDir = opts.Dir
	opts.ValueLogWriteOptions.WriteBufferSize = 4 * 1024 * 1024
	opts.SyncWrites = true
	if err := os.MkdirAll(opts.Dir, os.ModePerm); err != nil {
		log.Fatalf("create db dir: %v", err)
	}
	db, err := badger.Open(opts)
	if err != nil {
		log.Fatalf("open db at %s: %v", opts.Dir, err)
	}
	return db
}
