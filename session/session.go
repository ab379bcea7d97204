// Package session keeps track of synthesis sessions in a bbolt database,
// so that sessions interrupted by a crash show up as force-closed.
package session

import (
	"fmt"
	"sort"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/google/uuid"
	"github.com/itchio/headway/state"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// ErrUnknownSession is returned for ids that were never created
var ErrUnknownSession = errors.New("unknown session")

// Status is where a session is in its life
type Status int32

const (
	StatusRunning     Status = 1
	StatusClosed      Status = 2
	StatusForceClosed Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusClosed:
		return "CLOSED"
	case StatusForceClosed:
		return "FORCE_CLOSED"
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}

// Session is one synthesis, from SESSION_CREATE to SESSION_CLOSE or
// a dropped connection.
type Session struct {
	ID              string
	BaseFingerprint string
	CreatedAt       time.Time
	ClosedAt        time.Time
	Status          Status
	// Reason is set when the session didn't end with SESSION_CLOSE
	Reason string
}

func (s *Session) String() string {
	return fmt.Sprintf("session %s (%s)", s.ID, s.Status)
}

type record struct {
	Id              string `protobuf:"bytes,1,opt,name=id,proto3" json:"id,omitempty"`
	BaseFingerprint string `protobuf:"bytes,2,opt,name=base_fingerprint,json=baseFingerprint,proto3" json:"base_fingerprint,omitempty"`
	CreatedAt       int64  `protobuf:"varint,3,opt,name=created_at,json=createdAt,proto3" json:"created_at,omitempty"`
	ClosedAt        int64  `protobuf:"varint,4,opt,name=closed_at,json=closedAt,proto3" json:"closed_at,omitempty"`
	Status          int32  `protobuf:"varint,5,opt,name=status,proto3" json:"status,omitempty"`
	Reason          string `protobuf:"bytes,6,opt,name=reason,proto3" json:"reason,omitempty"`
}

func (m *record) Reset()         { *m = record{} }
func (m *record) String() string { return proto.CompactTextString(m) }
func (*record) ProtoMessage()    {}

func toRecord(s *Session) *record {
	r := &record{
		Id:              s.ID,
		BaseFingerprint: s.BaseFingerprint,
		CreatedAt:       s.CreatedAt.UnixNano(),
		Status:          int32(s.Status),
		Reason:          s.Reason,
	}
	if !s.ClosedAt.IsZero() {
		r.ClosedAt = s.ClosedAt.UnixNano()
	}
	return r
}

func fromRecord(r *record) *Session {
	s := &Session{
		ID:              r.Id,
		BaseFingerprint: r.BaseFingerprint,
		CreatedAt:       time.Unix(0, r.CreatedAt),
		Status:          Status(r.Status),
		Reason:          r.Reason,
	}
	if r.ClosedAt != 0 {
		s.ClosedAt = time.Unix(0, r.ClosedAt)
	}
	return s
}

var sessionsBucket = []byte("sessions")

// Store persists sessions
type Store struct {
	db       *bolt.DB
	consumer *state.Consumer
	now      func() time.Time
}

// Open opens (or creates) the session database at path
func Open(path string, consumer *state.Consumer) (*Store, error) {
	if consumer == nil {
		consumer = &state.Consumer{}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening session database %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.WithStack(err)
	}

	return &Store{db: db, consumer: consumer, now: time.Now}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Create registers a new running session
func (s *Store) Create() (*Session, error) {
	sess := &Session{
		ID:        uuid.New().String(),
		CreatedAt: s.now(),
		Status:    StatusRunning,
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, sess)
	})
	if err != nil {
		return nil, err
	}

	s.consumer.Debugf("Created %s", sess)
	return sess, nil
}

// SetBase records which base VM a session synthesizes against
func (s *Store) SetBase(id string, fingerprint string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sess, err := get(tx, id)
		if err != nil {
			return err
		}
		sess.BaseFingerprint = fingerprint
		return put(tx, sess)
	})
}

// End closes a session with the given status. Ending a session that
// isn't running anymore changes nothing.
func (s *Store) End(id string, status Status, reason string) (*Session, error) {
	if status == StatusRunning {
		return nil, errors.Errorf("can't end %s with status %s", id, status)
	}

	var res *Session
	err := s.db.Update(func(tx *bolt.Tx) error {
		sess, err := get(tx, id)
		if err != nil {
			return err
		}
		res = sess
		if sess.Status != StatusRunning {
			return nil
		}

		sess.Status = status
		sess.Reason = reason
		sess.ClosedAt = s.now()
		return put(tx, sess)
	})
	if err != nil {
		return nil, err
	}

	s.consumer.Debugf("Ended %s", res)
	return res, nil
}

// Get returns a session by id
func (s *Store) Get(id string) (*Session, error) {
	var res *Session
	err := s.db.View(func(tx *bolt.Tx) error {
		sess, err := get(tx, id)
		res = sess
		return err
	})
	return res, err
}

// List returns every session, oldest first
func (s *Store) List() ([]*Session, error) {
	var res []*Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(k, v []byte) error {
			r := &record{}
			err := proto.Unmarshal(v, r)
			if err != nil {
				return errors.Wrapf(err, "decoding session %s", k)
			}
			res = append(res, fromRecord(r))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

// Recover force-closes sessions that were still running when the
// server last stopped. It returns how many there were.
func (s *Store) Recover() (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		var stale []*Session
		err := b.ForEach(func(k, v []byte) error {
			r := &record{}
			err := proto.Unmarshal(v, r)
			if err != nil {
				return errors.Wrapf(err, "decoding session %s", k)
			}
			if Status(r.Status) == StatusRunning {
				stale = append(stale, fromRecord(r))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, sess := range stale {
			sess.Status = StatusForceClosed
			sess.Reason = "server restarted"
			sess.ClosedAt = s.now()
			err = put(tx, sess)
			if err != nil {
				return err
			}
		}
		count = len(stale)
		return nil
	})
	if err != nil {
		return 0, err
	}

	if count > 0 {
		s.consumer.Warnf("Force-closed %d sessions left running", count)
	}
	return count, nil
}

func get(tx *bolt.Tx, id string) (*Session, error) {
	v := tx.Bucket(sessionsBucket).Get([]byte(id))
	if v == nil {
		return nil, errors.Wrap(ErrUnknownSession, id)
	}

	r := &record{}
	err := proto.Unmarshal(v, r)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding session %s", id)
	}
	return fromRecord(r), nil
}

func put(tx *bolt.Tx, sess *Session) error {
	buf, err := proto.Marshal(toRecord(sess))
	if err != nil {
		return errors.WithStack(err)
	}
	return tx.Bucket(sessionsBucket).Put([]byte(sess.ID), buf)
}
