package db

import (
	"fmt"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/occultashield/shield-api/log"
	"github.com/occultashield/shield-api/metrics"
	"github.com/surrealdb/surrealdb.go"
)

// Config holds the connection parameters for the record store.
type Config struct {
	URL       string
	Namespace string
	Database  string
	User      string
	Pass      string
}

// Store is the process-wide connection to the record store. Connect is
// mutex-guarded and every use goes through a liveness check with reconnect.
type Store struct {
	mu  sync.Mutex
	db  *surrealdb.DB
	cfg Config
}

func Connect(cfg Config) (*Store, error) {
	s := &Store{cfg: cfg}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.dialLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) dialLocked() error {
	db, err := surrealdb.New(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("error connecting to record store at %s: %w", s.cfg.URL, err)
	}
	if _, err := db.Signin(map[string]interface{}{"user": s.cfg.User, "pass": s.cfg.Pass}); err != nil {
		db.Close()
		return fmt.Errorf("error signing in to record store: %w", err)
	}
	if _, err := db.Use(s.cfg.Namespace, s.cfg.Database); err != nil {
		db.Close()
		return fmt.Errorf("error selecting namespace %s/%s: %w", s.cfg.Namespace, s.cfg.Database, err)
	}
	s.db = db
	return nil
}

// conn returns a live connection, reconnecting after a failed liveness
// check.
func (s *Store) conn() (*surrealdb.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		if _, err := s.db.Query("RETURN 1", nil); err == nil {
			return s.db, nil
		}
		log.LogNoVideoID("record store liveness check failed, reconnecting")
		s.db.Close()
		s.db = nil
		metrics.Metrics.DBReconnects.Inc()
	}
	if err := s.dialLocked(); err != nil {
		return nil, err
	}
	return s.db, nil
}

func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
}

// thing builds a record address, backtick-quoting IDs with hyphens so they
// are not parsed as arithmetic.
func thing(table, id string) string {
	if strings.Contains(id, "-") {
		return fmt.Sprintf("%s:`%s`", table, id)
	}
	return fmt.Sprintf("%s:%s", table, id)
}

// decode maps a raw driver value onto a struct via its mapstructure/json
// tags.
func decode(raw interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

// queryRows unwraps the first statement result of a Query response into a
// slice of raw records.
func queryRows(raw interface{}) ([]interface{}, error) {
	statements, ok := raw.([]interface{})
	if !ok || len(statements) == 0 {
		return nil, fmt.Errorf("unexpected query response shape %T", raw)
	}
	first, ok := statements[0].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected query statement shape %T", statements[0])
	}
	if status, _ := first["status"].(string); status != "" && status != "OK" {
		return nil, fmt.Errorf("query failed with status %s: %v", status, first["detail"])
	}
	result := first["result"]
	if result == nil {
		return nil, nil
	}
	rows, ok := result.([]interface{})
	if !ok {
		// Single-record results come back bare.
		return []interface{}{result}, nil
	}
	return rows, nil
}
