package memories

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/janpfeifer/metaqp/internal/episode"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Tasks are stored under "task/<generation>/<position>", both big-endian, so iteration returns them
// oldest first. generationKey holds the generation currently in use: Save writes a new generation and
// only then switches to it, so an interrupted Save leaves the previous one intact.
var (
	taskKeyPrefix = []byte("task/")
	generationKey = []byte("generation")
)

// DB persists the experience store in a BadgerDB directory.
type DB struct {
	db *badger.DB
}

// badgerLogger adapts klog to BadgerDB's Logger interface.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{})   { klog.Errorf(format, args...) }
func (badgerLogger) Warningf(format string, args ...interface{}) { klog.Warningf(format, args...) }
func (badgerLogger) Infof(format string, args ...interface{})    { klog.V(2).Infof(format, args...) }
func (badgerLogger) Debugf(format string, args ...interface{})   { klog.V(3).Infof(format, args...) }

// OpenDB opens (or creates) the database in dir. If dir is empty, the database is kept in memory.
func OpenDB(dir string) (*DB, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, errors.Wrapf(err, "failed to create memories directory %s", dir)
		}
		opts = badger.DefaultOptions(dir).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(badgerLogger{})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open memories database in %q", dir)
	}
	return &DB{db: db}, nil
}

// Close the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func generationPrefix(gen uint64) []byte {
	prefix := make([]byte, len(taskKeyPrefix)+8, len(taskKeyPrefix)+16)
	copy(prefix, taskKeyPrefix)
	binary.BigEndian.PutUint64(prefix[len(taskKeyPrefix):], gen)
	return prefix
}

func taskKey(gen uint64, idx int) []byte {
	return binary.BigEndian.AppendUint64(generationPrefix(gen), uint64(idx))
}

// generation returns the generation in use, 0 for a new database.
func (d *DB) generation() (gen uint64, err error) {
	err = d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(generationKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return errors.Errorf("invalid memories generation value %x", val)
			}
			gen = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to read memories generation")
	}
	return gen, nil
}

// writeGeneration writes the tasks of the store under generation gen, without switching to it.
func (d *DB) writeGeneration(gen uint64, store *Store) error {
	// Leftovers of an interrupted Save.
	if err := d.db.DropPrefix(generationPrefix(gen)); err != nil {
		return errors.Wrapf(err, "failed to clear memories generation %d", gen)
	}
	wb := d.db.NewWriteBatch()
	defer wb.Cancel()
	for idx, task := range store.Tasks() {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(task); err != nil {
			return errors.Wrapf(err, "failed to encode task #%d (%s)", idx, task)
		}
		if err := wb.Set(taskKey(gen, idx), buf.Bytes()); err != nil {
			return errors.Wrapf(err, "failed to write task #%d", idx)
		}
	}
	if err := wb.Flush(); err != nil {
		return errors.Wrap(err, "failed to flush memories")
	}
	return nil
}

// Save replaces the contents of the database with the tasks of the store.
func (d *DB) Save(store *Store) error {
	gen, err := d.generation()
	if err != nil {
		return err
	}
	if err = d.writeGeneration(gen+1, store); err != nil {
		return err
	}
	err = d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(generationKey, binary.BigEndian.AppendUint64(nil, gen+1))
	})
	if err != nil {
		return errors.Wrapf(err, "failed to switch memories to generation %d", gen+1)
	}
	if err = d.db.DropPrefix(generationPrefix(gen)); err != nil {
		// The new generation is already in use: only space is lost.
		klog.Warningf("Failed to drop memories generation %d: %+v", gen, err)
	}
	klog.V(1).Infof("Saved %d tasks (%d memories), generation %d", store.Len(), store.NumMemories(), gen+1)
	return nil
}

// Load the tasks in the database into a new Store with capacity maxTasks.
// If the database holds more than maxTasks tasks, the oldest are evicted.
func (d *DB) Load(maxTasks int) (*Store, error) {
	gen, err := d.generation()
	if err != nil {
		return nil, err
	}
	store := New(maxTasks)
	err = d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = generationPrefix(gen)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				task := &episode.Task{}
				if err := gob.NewDecoder(bytes.NewReader(val)).Decode(task); err != nil {
					return errors.Wrapf(err, "failed to decode task in key %x", item.Key())
				}
				store.Append(task)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}
