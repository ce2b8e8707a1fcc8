// Package store keeps the reports of past runs in sqlite, either a local
// file or a remote libsql database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cardfetch/internal/cards"
	"cardfetch/internal/engine"

	"github.com/mazen160/go-random"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

var ErrRunNotFound = errors.New("run not found")

type Store struct {
	db *sql.DB
}

func isRemote(path string) bool {
	for _, prefix := range []string{"libsql://", "http://", "https://", "ws://", "wss://"} {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Open opens the database at path and applies the schema. Urls are opened
// with the libsql driver, anything else is a local sqlite file or ":memory:".
func Open(path string) (Store, error) {
	if path == "" {
		return Store{}, fmt.Errorf("a database path was not specified")
	}

	var (
		db  *sql.DB
		err error
	)
	switch {
	case isRemote(path):
		db, err = sql.Open("libsql", path)
		if err != nil {
			return Store{}, err
		}
	default:
		db, err = openSqlite(path)
		if err != nil {
			return Store{}, err
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return Store{}, fmt.Errorf("apply schema: %w", err)
	}
	return Store{db: db}, nil
}

func openSqlite(path string) (*sql.DB, error) {
	memory := path == ":memory:"
	if !memory {
		_, statErr := os.Stat(path)
		if os.IsNotExist(statErr) {
			f, err := os.Create(path)
			if err != nil {
				return nil, err
			}
			f.Close()
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection serializes writers, it also keeps an in-memory
	// database alive for the lifetime of the store
	db.SetMaxOpenConns(1)
	if !memory {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, err
		}
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (s Store) Close() error {
	return s.db.Close()
}

type storedFragment struct {
	Kind    string `json:"kind"`
	Content string `json:"content"`
	Hash    string `json:"hash"`
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func jsonText(v any) (string, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// SaveRun writes a report in one transaction and returns the id of the new
// run. runErr is the error the run ended with, if any.
func (s Store) SaveRun(ctx context.Context, report engine.Report, runErr error) (string, error) {
	runId, err := random.String(8)
	if err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(
		ctx,
		`insert into run(id, target, started_at, finished_at, expected, refreshes, renders, error)
		values (?, ?, ?, ?, ?, ?, ?, ?)`,
		runId,
		report.Target,
		report.StartedAt.Unix(),
		report.FinishedAt.Unix(),
		report.Expected,
		report.Refreshes,
		report.Renders,
		errorText(runErr),
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}

	for i, rec := range report.Records {
		fragments := make([]storedFragment, len(rec.Fragments))
		for j, f := range rec.Fragments {
			fragments[j] = storedFragment{Kind: f.Kind.String(), Content: f.Content, Hash: f.Hash}
		}
		fragmentsJson, err := jsonText(fragments)
		if err != nil {
			return "", err
		}
		answersJson, err := jsonText(nonNil(rec.Answers))
		if err != nil {
			return "", err
		}
		incorrectJson, err := jsonText(nonNil(rec.IncorrectAnswers))
		if err != nil {
			return "", err
		}

		_, err = tx.ExecContext(
			ctx,
			`insert into record(
				run_id, position, item_id, deck_id, bag_id, deck_title, collection_title,
				primary_text, grouping_key, answers, incorrect_answers, fragments,
				explanation, score_text, multi, source, incomplete
			) values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runId, i, int64(rec.ItemId), rec.Container.DeckId, rec.Container.BagId,
			rec.DeckTitle, rec.CollectionTitle, rec.PrimaryText, rec.GroupingKey,
			answersJson, incorrectJson, fragmentsJson,
			rec.Explanation, rec.ScoreText, boolInt(rec.Multi), rec.Source.String(), boolInt(rec.Incomplete),
		)
		if err != nil {
			return "", fmt.Errorf("insert record %s: %w", rec.ItemId, err)
		}
	}

	for i, failure := range report.Failures {
		_, err = tx.ExecContext(
			ctx,
			`insert into failure(run_id, position, item_id, status, error) values (?, ?, ?, ?, ?)`,
			runId, i, int64(failure.ItemId), failure.Status.String(), errorText(failure.Err),
		)
		if err != nil {
			return "", fmt.Errorf("insert failure %s: %w", failure.ItemId, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return runId, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type Run struct {
	Id         string
	Target     string
	StartedAt  time.Time
	FinishedAt time.Time
	Expected   int
	Refreshes  int64
	Renders    int64
	Error      string

	Records  int
	Failures int
}

// Runs lists every stored run, newest first.
func (s Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		select
			run.id, run.target, run.started_at, run.finished_at, run.expected,
			run.refreshes, run.renders, run.error,
			(select count(*) from record where record.run_id = run.id),
			(select count(*) from failure where failure.run_id = run.id)
		from run
		order by run.started_at desc, run.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var (
			run               Run
			started, finished int64
		)
		err := rows.Scan(
			&run.Id, &run.Target, &started, &finished, &run.Expected,
			&run.Refreshes, &run.Renders, &run.Error,
			&run.Records, &run.Failures,
		)
		if err != nil {
			return nil, err
		}
		run.StartedAt = time.Unix(started, 0)
		run.FinishedAt = time.Unix(finished, 0)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s Store) runExists(ctx context.Context, runId string) error {
	var count int
	err := s.db.QueryRowContext(ctx, `select count(*) from run where id = ?`, runId).Scan(&count)
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%s: %w", runId, ErrRunNotFound)
	}
	return nil
}

// Records returns the records of a run in the order they were saved.
func (s Store) Records(ctx context.Context, runId string) ([]cards.NormalizedRecord, error) {
	if err := s.runExists(ctx, runId); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		select
			item_id, deck_id, bag_id, deck_title, collection_title, primary_text,
			grouping_key, answers, incorrect_answers, fragments, explanation,
			score_text, multi, source, incomplete
		from record
		where run_id = ?
		order by position`, runId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []cards.NormalizedRecord{}
	for rows.Next() {
		var (
			rec                                   cards.NormalizedRecord
			itemId                                int64
			answers, incorrect, fragments, source string
			multi, incomplete                     int
		)
		err := rows.Scan(
			&itemId, &rec.Container.DeckId, &rec.Container.BagId, &rec.DeckTitle,
			&rec.CollectionTitle, &rec.PrimaryText, &rec.GroupingKey,
			&answers, &incorrect, &fragments, &rec.Explanation,
			&rec.ScoreText, &multi, &source, &incomplete,
		)
		if err != nil {
			return nil, err
		}
		rec.ItemId = cards.ItemId(itemId)
		rec.Multi = multi != 0
		rec.Incomplete = incomplete != 0

		rec.Source, err = cards.ParseSource(source)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(answers), &rec.Answers); err != nil {
			return nil, fmt.Errorf("record %d answers: %w", itemId, err)
		}
		if err := json.Unmarshal([]byte(incorrect), &rec.IncorrectAnswers); err != nil {
			return nil, fmt.Errorf("record %d incorrect answers: %w", itemId, err)
		}

		var stored []storedFragment
		if err := json.Unmarshal([]byte(fragments), &stored); err != nil {
			return nil, fmt.Errorf("record %d fragments: %w", itemId, err)
		}
		for _, f := range stored {
			kind, err := cards.ParseFragmentKind(f.Kind)
			if err != nil {
				return nil, err
			}
			rec.Fragments = append(rec.Fragments, cards.Fragment{Kind: kind, Content: f.Content, Hash: f.Hash})
		}

		records = append(records, rec)
	}
	return records, rows.Err()
}

type Failure struct {
	ItemId cards.ItemId
	Status string
	Error  string
}

func (s Store) Failures(ctx context.Context, runId string) ([]Failure, error) {
	if err := s.runExists(ctx, runId); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		select item_id, status, error from failure
		where run_id = ?
		order by position`, runId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	failures := []Failure{}
	for rows.Next() {
		var (
			f      Failure
			itemId int64
		)
		if err := rows.Scan(&itemId, &f.Status, &f.Error); err != nil {
			return nil, err
		}
		f.ItemId = cards.ItemId(itemId)
		failures = append(failures, f)
	}
	return failures, rows.Err()
}
