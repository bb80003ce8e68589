package store

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"
	"strings"

	"github.com/Lekssays/flpoison/session"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const ROUND_SEPARATOR = "!round!"

// RoundStore keeps round records in leveldb, gob encoded under
// <session>!round!<round>.
type RoundStore struct {
	db *leveldb.DB
}

func OpenRoundStore(path string) (*RoundStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open leveldb %s", path)
	}
	return &RoundStore{db: db}, nil
}

func OpenMemRoundStore() (*RoundStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &RoundStore{db: db}, nil
}

func roundKey(sessionID string, round int) []byte {
	return []byte(fmt.Sprintf("%s%s%06d", sessionID, ROUND_SEPARATOR, round))
}

func (s *RoundStore) SaveRound(sessionID string, record session.RoundRecord) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(record); err != nil {
		return errors.Wrap(err, "encode round")
	}
	return s.db.Put(roundKey(sessionID, record.Round), buf.Bytes(), nil)
}

// Rounds returns the records of a session in round order.
func (s *RoundStore) Rounds(sessionID string) ([]session.RoundRecord, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(sessionID+ROUND_SEPARATOR)), nil)
	defer iter.Release()

	records := make([]session.RoundRecord, 0)
	for iter.Next() {
		var record session.RoundRecord
		if err := gob.NewDecoder(bytes.NewReader(iter.Value())).Decode(&record); err != nil {
			return nil, errors.Wrapf(err, "decode %s", iter.Key())
		}
		records = append(records, record)
	}
	return records, iter.Error()
}

// Sessions lists every session with at least one stored round.
func (s *RoundStore) Sessions() ([]string, error) {
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()

	seen := make(map[string]bool)
	for iter.Next() {
		key := string(iter.Key())
		if i := strings.Index(key, ROUND_SEPARATOR); i > 0 {
			seen[key[:i]] = true
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sessions := make([]string, 0, len(seen))
	for id := range seen {
		sessions = append(sessions, id)
	}
	sort.Strings(sessions)
	return sessions, nil
}

func (s *RoundStore) Close() error {
	return s.db.Close()
}
