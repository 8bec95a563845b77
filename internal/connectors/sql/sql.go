// Package sql implements the read-only database safety connector: a
// keyword-blocklist verifier, session-scoped statement timeout, and row
// capping, backed by a pgx connection pool (§4.7).
package sql

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentguard/mcp-gateway/internal/gatewayerr"
	"github.com/agentguard/mcp-gateway/internal/registry"
	"github.com/agentguard/mcp-gateway/internal/schema"
)

// Config is the connector's static configuration.
type Config struct {
	Host           string
	Port           int
	User           string
	Password       string
	Database       string
	SSLMode        string
	MaxConns       int32
	QueryTimeoutMs int64
	MaxRows        int
}

var blocklist = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE", "TRUNCATE",
	"GRANT", "REVOKE", "EXECUTE", "CALL", "COPY", "LOAD", "SET", "LOCK", "UNLOCK",
}

var dangerousFunctions = []string{
	"PG_READ_FILE", "PG_WRITE_FILE", "PG_FILE_WRITE", "LO_IMPORT", "LO_EXPORT", "COPY",
}

var allowedFirstTokens = map[string]bool{
	"SELECT":  true,
	"WITH":    true,
	"EXPLAIN": true,
}

var (
	lineCommentRe  = regexp.MustCompile(`--[^\n]*`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
)

// Connector holds the pgx pool and exposes db.query / db.schema.
type Connector struct {
	cfg  Config
	pool *pgxpool.Pool
}

// New opens a connection pool against cfg. The caller owns the lifetime of
// the returned Connector and must call Close on shutdown.
func New(ctx context.Context, cfg Config) (*Connector, error) {
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 5
	}
	dsn := fmt.Sprintf(
		"postgres://%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode,
	)
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}
	poolCfg.ConnConfig.Password = cfg.Password
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &Connector{cfg: cfg, pool: pool}, nil
}

// Close releases the connection pool.
func (c *Connector) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
}

// Ping reports whether the connection pool can currently reach the database.
func (c *Connector) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// Tools returns db.query and db.schema for registration.
func (c *Connector) Tools() []*registry.Tool {
	querySchema := schema.New().
		Field("sql", &schema.Field{Kind: schema.KindString}).
		Field("params", &schema.Field{Kind: schema.KindArray, Element: &schema.Field{Kind: schema.KindString}},
			schema.Optional)

	schemaSchema := schema.New().
		Field("table", &schema.Field{Kind: schema.KindString}, schema.Optional).
		Field("schema", &schema.Field{Kind: schema.KindString}, schema.Optional, schema.WithDefault("public"))

	return []*registry.Tool{
		{
			Name:        "db.query",
			Description: "Execute a read-only SQL query against the configured database.",
			InputSchema: querySchema,
			Handler:     c.query,
		},
		{
			Name:        "db.schema",
			Description: "Inspect table or column metadata via information_schema.",
			InputSchema: schemaSchema,
			Handler:     c.schemaInfo,
		},
	}
}

// verifyReadOnly implements the §4.7 read-only verifier over raw SQL.
func verifyReadOnly(raw string) error {
	stripped := lineCommentRe.ReplaceAllString(raw, "")
	stripped = blockCommentRe.ReplaceAllString(stripped, "")
	collapsed := strings.ToUpper(strings.TrimSpace(whitespaceRe.ReplaceAllString(stripped, " ")))

	if collapsed == "" {
		return gatewayerr.New(gatewayerr.SecurityError, "empty query")
	}

	if strings.Contains(collapsed, ";") {
		segments := strings.Split(collapsed, ";")
		nonEmpty := 0
		for _, seg := range segments {
			if strings.TrimSpace(seg) != "" {
				nonEmpty++
			}
		}
		if nonEmpty > 1 {
			return gatewayerr.New(gatewayerr.SecurityError, "multiple statements are not permitted")
		}
	}

	for _, kw := range blocklist {
		if wholeWordMatch(collapsed, kw) {
			return gatewayerr.New(gatewayerr.SecurityError, fmt.Sprintf("keyword %q is not permitted", kw))
		}
	}

	firstToken := strings.Fields(collapsed)
	if len(firstToken) == 0 || !allowedFirstTokens[firstToken[0]] {
		return gatewayerr.New(gatewayerr.SecurityError, "query must begin with SELECT, WITH, or EXPLAIN")
	}

	for _, fn := range dangerousFunctions {
		if wholeWordMatch(collapsed, fn) {
			return gatewayerr.New(gatewayerr.SecurityError, fmt.Sprintf("function %q is not permitted", fn))
		}
	}

	return nil
}

func wholeWordMatch(s, word string) bool {
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(word) + `\b`)
	return re.MatchString(s)
}

func (c *Connector) query(ctx context.Context, args map[string]any) (any, error) {
	rawSQL, _ := args["sql"].(string)
	var params []any
	if raw, ok := args["params"].([]any); ok {
		params = raw
	}

	if err := verifyReadOnly(rawSQL); err != nil {
		return nil, err
	}

	timeoutMs := c.cfg.QueryTimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = 5000
	}

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ConnectorError, "failed to acquire connection", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("SET statement_timeout = %d", timeoutMs)); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ConnectorError, "failed to set statement_timeout", err)
	}

	rows, err := conn.Query(ctx, rawSQL, params...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, gatewayerr.New(gatewayerr.Timeout, "query deadline exceeded")
		}
		return nil, gatewayerr.Wrap(gatewayerr.ConnectorError, "query failed", err)
	}
	defer rows.Close()

	maxRows := c.cfg.MaxRows
	if maxRows <= 0 {
		maxRows = 1000
	}

	fieldDescs := rows.FieldDescriptions()
	colNames := make([]string, len(fieldDescs))
	for i, fd := range fieldDescs {
		colNames[i] = string(fd.Name)
	}

	var result []map[string]any
	truncated := false
	for rows.Next() {
		if len(result) >= maxRows {
			truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.ConnectorError, "failed reading row", err)
		}
		row := make(map[string]any, len(colNames))
		for i, v := range values {
			if i < len(colNames) {
				row[colNames[i]] = v
			}
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ConnectorError, "row iteration failed", err)
	}

	return map[string]any{
		"rows":      result,
		"row_count": len(result),
		"truncated": truncated,
	}, nil
}

func (c *Connector) schemaInfo(ctx context.Context, args map[string]any) (any, error) {
	schemaName, _ := args["schema"].(string)
	if schemaName == "" {
		schemaName = "public"
	}
	table, hasTable := args["table"].(string)

	var rows pgx.Rows
	var err error
	if hasTable && table != "" {
		rows, err = c.pool.Query(ctx,
			`SELECT column_name, data_type, is_nullable
			 FROM information_schema.columns
			 WHERE table_schema = $1 AND table_name = $2
			 ORDER BY ordinal_position`,
			schemaName, table)
	} else {
		rows, err = c.pool.Query(ctx,
			`SELECT table_name, table_type
			 FROM information_schema.tables
			 WHERE table_schema = $1
			 ORDER BY table_name`,
			schemaName)
	}
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ConnectorError, "schema query failed", err)
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	colNames := make([]string, len(fieldDescs))
	for i, fd := range fieldDescs {
		colNames[i] = string(fd.Name)
	}

	var result []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.ConnectorError, "failed reading row", err)
		}
		row := make(map[string]any, len(colNames))
		for i, v := range values {
			if i < len(colNames) {
				row[colNames[i]] = v
			}
		}
		result = append(result, row)
	}

	return map[string]any{
		"schema": schemaName,
		"rows":   result,
	}, nil
}
