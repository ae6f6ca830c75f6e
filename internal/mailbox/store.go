package mailbox

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Backend is the durable storage behind the mailbox service.
type Backend interface {
	// Append adds body to the end of user's mailbox. A non-empty requestID
	// that was already applied makes the call a no-op.
	Append(requestID, user, body string) error
	// Fetch returns the oldest pending messages of user without removing
	// them, stopping before their bodies exceed maxBytes. At least one
	// message is returned when any is pending; maxBytes <= 0 means no cap.
	// more reports whether messages were left out.
	Fetch(user string, maxBytes int) (pending []Pending, more bool, err error)
	// Ack removes every message of user up to and including sequence
	// through and returns how many went. Acking again is a no-op.
	Ack(user string, through uint64) (int, error)
}

// Pending is a queued message and its position in the mailbox.
type Pending struct {
	Seq  uint64
	Body string
}

const (
	sequenceKey     = "seq/mailbox"
	sequenceLease   = 128
	conflictRetries = 5
)

// BadgerStore keeps mailboxes in a Badger database. Each message lives under
// "mbox/<hex user>/<20 digit sequence>" so a prefix scan yields FIFO order.
type BadgerStore struct {
	db       *badger.DB
	seq      *badger.Sequence
	dedupTTL time.Duration
	log      *zap.Logger
}

var _ Backend = (*BadgerStore)(nil)

// OpenBadgerStore opens (or creates) the database in dir.
func OpenBadgerStore(dir string, dedupTTL time.Duration, log *zap.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{log.Named("badger").Sugar()})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	seq, err := db.GetSequence([]byte(sequenceKey), sequenceLease)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mailbox sequence: %w", err)
	}
	return &BadgerStore{db: db, seq: seq, dedupTTL: dedupTTL, log: log}, nil
}

// Append implements Backend.
func (s *BadgerStore) Append(requestID, user, body string) error {
	return s.update(func(txn *badger.Txn) error {
		if requestID != "" {
			marker := []byte("req/" + requestID)
			_, err := txn.Get(marker)
			if err == nil {
				s.log.Debug("Duplicate store request ignored", zap.String("request_id", requestID))
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			entry := badger.NewEntry(marker, nil)
			if s.dedupTTL > 0 {
				entry = entry.WithTTL(s.dedupTTL)
			}
			if err := txn.SetEntry(entry); err != nil {
				return err
			}
		}
		n, err := s.seq.Next()
		if err != nil {
			return err
		}
		return txn.Set(messageKey(user, n), []byte(body))
	})
}

// Fetch implements Backend.
func (s *BadgerStore) Fetch(user string, maxBytes int) ([]Pending, bool, error) {
	var (
		pending []Pending
		more    bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		pending, more, err = collect(txn, user, maxBytes)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return pending, more, nil
}

// Ack implements Backend.
func (s *BadgerStore) Ack(user string, through uint64) (int, error) {
	var removed int
	err := s.update(func(txn *badger.Txn) error {
		removed = 0
		prefix := userPrefix(user)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		var keys [][]byte
		it := txn.NewIterator(opts)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			n, err := keySeq(key)
			if err != nil {
				it.Close()
				return err
			}
			if n > through {
				break
			}
			keys = append(keys, key)
		}
		it.Close()

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		removed = len(keys)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Peek returns every queued message of user, oldest first, without removing
// them.
func (s *BadgerStore) Peek(user string) ([]string, error) {
	pending, _, err := s.Fetch(user, 0)
	if err != nil {
		return nil, err
	}
	messages := make([]string, len(pending))
	for i, p := range pending {
		messages[i] = p.Body
	}
	return messages, nil
}

func collect(txn *badger.Txn, user string, maxBytes int) (pending []Pending, more bool, err error) {
	prefix := userPrefix(user)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	size := 0
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		if maxBytes > 0 && len(pending) > 0 && size+int(item.ValueSize()) > maxBytes {
			return pending, true, nil
		}
		n, err := keySeq(item.Key())
		if err != nil {
			return nil, false, err
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return nil, false, err
		}
		size += len(value)
		pending = append(pending, Pending{Seq: n, Body: string(value)})
	}
	return pending, false, nil
}

// Close releases the sequence lease and closes the database.
func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		s.log.Warn("Releasing mailbox sequence failed", zap.Error(err))
	}
	return s.db.Close()
}

func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for range conflictRetries {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func userPrefix(user string) []byte {
	return fmt.Appendf(nil, "mbox/%x/", user)
}

func messageKey(user string, n uint64) []byte {
	return fmt.Appendf(nil, "mbox/%x/%020d", user, n)
}

func keySeq(key []byte) (uint64, error) {
	i := bytes.LastIndexByte(key, '/')
	n, err := strconv.ParseUint(string(key[i+1:]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed mailbox key %q: %w", key, err)
	}
	return n, nil
}

// badgerLogger routes Badger's internal logging through zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.Warnf(format, args...)
}
