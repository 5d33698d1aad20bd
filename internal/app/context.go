package app

import (
	"database/sql"
	"fmt"

	"taskmatch/internal/config"
	"taskmatch/internal/db"
	"taskmatch/internal/engine"
	"taskmatch/internal/migrate"
)

// Context bundles the open database, the loaded configuration and the
// engine built on top of them. The CLI and the HTTP server both start
// from one of these.
type Context struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    *engine.Engine
}

// Open initialises the workspace directory, opens the SQLite store,
// applies pending migrations and loads configuration. Callers own the
// returned Context and must Close it.
func Open(workspace string) (*Context, error) {
	dotdir, err := db.EnsureWorkspace(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.Load(dotdir)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Context{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    engine.New(conn, cfg),
	}, nil
}

func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}
