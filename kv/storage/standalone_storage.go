package storage

import (
	"github.com/Connor1996/badger"
	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/util/engine_util"
)

// StandaloneStorage is a badger-backed Storage used by the server binary.
// Each instance opens its own badger directory at DBPath/subPath.
type StandaloneStorage struct {
	engines *engine_util.Engines
	config  *config.Config
	subPath string
}

func NewStandaloneStorage(conf *config.Config, subPath string) *StandaloneStorage {
	return &StandaloneStorage{config: conf, subPath: subPath}
}

func (s *StandaloneStorage) Start() error {
	db := engine_util.CreateDB(s.subPath, s.config.DBPath)
	s.engines = engine_util.NewEngines(db, s.config.DBPath)
	return nil
}

func (s *StandaloneStorage) Stop() error {
	return s.engines.Close()
}

func (s *StandaloneStorage) Write(batch []Modify) error {
	wb := new(engine_util.WriteBatch)
	for _, m := range batch {
		switch data := m.Data.(type) {
		case Put:
			wb.SetCF(data.Cf, data.Key, data.Value)
		case Delete:
			wb.DeleteCF(data.Cf, data.Key)
		}
	}
	return s.engines.WriteKV(wb)
}

func (s *StandaloneStorage) Reader() (StorageReader, error) {
	return &badgerReader{s.engines.Kv.NewTransaction(false)}, nil
}

type badgerReader struct {
	txn *badger.Txn
}

func (r *badgerReader) GetCF(cf string, key []byte) ([]byte, error) {
	val, err := engine_util.GetCFFromTxn(r.txn, cf, key)
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	return val, err
}

func (r *badgerReader) IterCF(cf string) engine_util.DBIterator {
	return engine_util.NewCFIterator(cf, r.txn)
}

func (r *badgerReader) Close() {
	r.txn.Discard()
}
