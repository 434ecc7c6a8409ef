package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/agentctl/agentctl/pkg/hubdir"
	"github.com/agentctl/agentctl/pkg/log"

	_ "modernc.org/sqlite"
)

// open prepares one database file for single-writer daemon use.
func open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One connection keeps writes serialized without SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure %s: %w", path, err)
	}
	return db, nil
}

// Stores bundles every persistent store the daemon owns. Sessions, messages
// and config share sessions.db; the rest get a file each.
type Stores struct {
	Sessions  *SessionStore
	Messages  *MessageStore
	Config    *ConfigStore
	Tasks     *TaskStore
	Workflows *WorkflowStore
	Retros    *RetroStore
	Council   *CouncilStore

	dbs []*sql.DB
}

// Open opens and migrates all databases under the hub directory.
func Open(layout hubdir.Layout) (*Stores, error) {
	s := &Stores{}
	fail := func(err error) (*Stores, error) {
		s.Close()
		return nil, err
	}

	sessionsDB, err := open(layout.SessionsDB())
	if err != nil {
		return fail(err)
	}
	s.dbs = append(s.dbs, sessionsDB)
	s.Sessions = &SessionStore{db: sessionsDB}
	s.Messages = &MessageStore{db: sessionsDB}
	s.Config = &ConfigStore{db: sessionsDB}

	tasksDB, err := open(layout.TasksDB())
	if err != nil {
		return fail(err)
	}
	s.dbs = append(s.dbs, tasksDB)
	s.Tasks = &TaskStore{db: tasksDB}

	workflowsDB, err := open(layout.WorkflowsDB())
	if err != nil {
		return fail(err)
	}
	s.dbs = append(s.dbs, workflowsDB)
	s.Workflows = &WorkflowStore{db: workflowsDB}

	retrosDB, err := open(layout.RetrosDB())
	if err != nil {
		return fail(err)
	}
	s.dbs = append(s.dbs, retrosDB)
	s.Retros = &RetroStore{db: retrosDB}

	councilDB, err := open(layout.CouncilDB())
	if err != nil {
		return fail(err)
	}
	s.dbs = append(s.dbs, councilDB)
	s.Council = &CouncilStore{db: councilDB}

	ctx := context.Background()
	for _, init := range []func(context.Context) error{
		s.Sessions.Init, s.Messages.Init, s.Config.Init,
		s.Tasks.Init, s.Workflows.Init, s.Retros.Init, s.Council.Init,
	} {
		if err := init(ctx); err != nil {
			return fail(err)
		}
	}
	logger := log.WithComponent("store")
	logger.Debug().Str("root", layout.Root).Msg("stores opened")
	return s, nil
}

// Ping verifies every database file still answers; the watchdog calls this.
func (s *Stores) Ping(ctx context.Context) error {
	for _, db := range s.dbs {
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("store ping: %w", err)
		}
	}
	return nil
}

// Close shuts every database down. Safe to call more than once.
func (s *Stores) Close() error {
	var first error
	for _, db := range s.dbs {
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.dbs = nil
	return first
}
