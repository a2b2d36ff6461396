// Package pgxdb adapts a pgxpool connection pool to the dbx driver and
// pool boundaries. Transaction control statements are issued by the dbx
// session itself, so connections are handed out raw and the pool only
// decides between releasing and destroying them on the way back.
package pgxdb

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marcodd23/go-txcore/pkg/configx"
	"github.com/marcodd23/go-txcore/pkg/dbx"
	"github.com/marcodd23/go-txcore/pkg/errorx"
	"github.com/marcodd23/go-txcore/pkg/logx"
)

var (
	once         sync.Once
	poolInstance *PgxPool
)

// =====================================
// Prepared Statements
// =====================================

// PreparedStatement - a named statement prepared on every pooled
// connection right after it is established.
type PreparedStatement struct {
	name  string
	query string
}

// NewPreparedStatement - PreparedStatement constructor.
func NewPreparedStatement(name, query string) PreparedStatement {
	return PreparedStatement{name: name, query: query}
}

// GetName - statement name.
func (ps PreparedStatement) GetName() string {
	return ps.name
}

// GetQuery - statement query text.
func (ps PreparedStatement) GetQuery() string {
	return ps.query
}

// =====================================
// PgxPool - dbx.Pool over pgxpool
// =====================================

// PgxPool - dbx.Pool backed by a pgxpool.Pool.
type PgxPool struct {
	pool *pgxpool.Pool
}

// SetupPgxPool - setup the Postgres connection pool (singleton).
func SetupPgxPool(ctx context.Context, dbConf *configx.DatabaseConfig, preparedStatements ...PreparedStatement) *PgxPool {
	once.Do(func() {
		pool, err := newConnectionPool(ctx, dbConf, preparedStatements...)
		if err != nil {
			logx.GetLogger().LogFatal(ctx, "connection Pool Error", err)
		}

		logx.
			GetLogger().
			LogInfo(ctx, fmt.Sprintf("Created new Connection Pool: DB=%s, HOST=%s, PORT=%d",
				pool.Config().ConnConfig.Database,
				pool.Config().ConnConfig.Host,
				pool.Config().ConnConfig.Port))

		poolInstance = &PgxPool{pool: pool}
	})

	return poolInstance
}

// NewPgxPool - wrap an already configured pgxpool.Pool.
func NewPgxPool(pool *pgxpool.Pool) *PgxPool {
	return &PgxPool{pool: pool}
}

func newConnectionPool(ctx context.Context, dbConf *configx.DatabaseConfig, preparedStatements ...PreparedStatement) (*pgxpool.Pool, error) {
	poolConfig, err := createConnectionConfiguration(dbConf)
	if err != nil {
		return nil, fmt.Errorf("error: %w", err)
	}

	// Setup prepared statements
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return setupPreparedStatements(ctx, conn, preparedStatements...)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errorx.NewDatabaseErrorWrapper(err, "Error creating New Connection Pool")
	}

	return pool, nil
}

func setupPreparedStatements(ctx context.Context, conn *pgx.Conn, preparedStatements ...PreparedStatement) error {
	for _, stmt := range preparedStatements {
		_, err := conn.Prepare(ctx, stmt.GetName(), stmt.GetQuery())
		if err != nil {
			return errorx.NewDatabaseErrorWrapper(err, "Failed to prepare statement '%s'", stmt.GetName())
		}
	}

	return nil
}

func createConnectionConfiguration(dbConf *configx.DatabaseConfig) (*pgxpool.Config, error) {
	poolConfig, _ := pgxpool.ParseConfig("")

	if dbConf == nil {
		return nil, errorx.NewDatabaseError("Error creating Connection Pool Config: database configuration is EMPTY")
	}

	if dbConf.DBName == "" {
		return nil, errorx.NewDatabaseError("Error creating Connection Pool Config: DB_Name is EMPTY")
	}

	if dbConf.User == "" {
		return nil, errorx.NewDatabaseError("Error creating Connection Pool Config: DB_User is EMPTY")
	}

	if dbConf.Password == "" {
		return nil, errorx.NewDatabaseError("Error creating Connection Pool Config: DB_Password is EMPTY")
	}

	poolConfig.ConnConfig.Database = dbConf.DBName
	poolConfig.ConnConfig.User = dbConf.User
	poolConfig.ConnConfig.Password = dbConf.Password
	poolConfig.ConnConfig.Host = dbConf.Host
	poolConfig.ConnConfig.Port = uint16(dbConf.Port)

	maxConn := dbConf.MaxConn
	if maxConn <= 0 {
		maxConn = 1
	}

	poolConfig.MaxConns = int32(runtime.NumCPU()) * maxConn

	return poolConfig, nil
}

// Checkout implements dbx.Pool.
func (p *PgxPool) Checkout(ctx context.Context) (dbx.Conn, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, errorx.NewDatabaseErrorWrapper(err, "Error acquiring connection from pool")
	}

	return &PgxConn{conn: conn}, nil
}

// Checkin implements dbx.Pool. A discard closes the underlying pgx
// connection before releasing the slot, so the pool replaces it instead
// of handing the same session to the next caller.
func (p *PgxPool) Checkin(ctx context.Context, conn dbx.Conn, mode dbx.CheckinMode) {
	pc, ok := conn.(*PgxConn)
	if !ok || pc.conn == nil {
		return
	}

	if mode == dbx.CheckinDiscard {
		if err := pc.conn.Conn().Close(ctx); err != nil {
			logx.GetLogger().LogWarning(ctx, "Error closing discarded connection", err)
		}
	}

	pc.conn.Release()
	pc.conn = nil
}

// Close - close the underlying connection pool.
func (p *PgxPool) Close(ctx context.Context) {
	if p.pool != nil {
		p.pool.Close()
		logx.GetLogger().LogInfo(ctx, "DB Connection Pool Successfully Closed!")
	}
}

// Pool - access the underlying pgxpool.Pool.
func (p *PgxPool) Pool() *pgxpool.Pool {
	return p.pool
}

// =====================================
// PgxConn - dbx.Conn over pgxpool.Conn
// =====================================

// PgxConn - dbx.Conn backed by a pooled pgx connection.
type PgxConn struct {
	conn *pgxpool.Conn
}

// Exec implements dbx.Conn.
func (c *PgxConn) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	result, err := c.conn.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected(), nil
}

// Query implements dbx.Conn. Rows are fully materialized before the
// method returns, so the result set never pins the connection.
func (c *PgxConn) Query(ctx context.Context, stmt string, args ...any) (dbx.ResultSet, error) {
	rows, err := c.conn.Query(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var resultSet dbx.DefaultResultSet

	for rows.Next() {
		rowElements, err := rows.Values()
		if err != nil {
			return nil, errorx.NewDatabaseErrorWrapper(err, "Error reading row Values")
		}

		// Deep copy: pgx reuses the row buffer between iterations.
		rowElementsCopy := make([]any, len(rowElements))
		copy(rowElementsCopy, rowElements)
		resultSet.RowsScan = append(resultSet.RowsScan, &dbx.ValueRowScan{Values: rowElementsCopy})
		resultSet.Rows = append(resultSet.Rows, rowElementsCopy)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &resultSet, nil
}

// TxStatus implements dbx.Conn. Reports the server-side transaction
// status byte from the wire protocol.
func (c *PgxConn) TxStatus() byte {
	return c.conn.Conn().PgConn().TxStatus()
}

// Close implements dbx.Conn.
func (c *PgxConn) Close(ctx context.Context) error {
	return c.conn.Conn().Close(ctx)
}
