package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/kuchabicho/contact-backend/models"
	// Imports postgresql driver for database/sql
	_ "github.com/lib/pq"
	"gopkg.in/gorp.v2"
)

// SQLDatabase is the contact store backed by MySQL or PostgreSQL. All
// statements bind data through placeholders; caller-supplied values never
// become part of the statement text.
type SQLDatabase struct {
	cfg  Config // Configuration to define the DB connection.
	conn *gorp.DbMap

	insertQuery string
	recentQuery string

	schemaMu      sync.Mutex
	schemaPending bool // table not yet confirmed; created before the next statement
}

func getConnectionString(cfg Config) string {
	if cfg.DbDriver == DriverPostgres {
		return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
			url.PathEscape(cfg.DbUsername),
			url.PathEscape(cfg.DbPass),
			net.JoinHostPort(cfg.DbHost, cfg.DbPort),
			url.PathEscape(cfg.DbName))
	}
	c := mysql.NewConfig()
	c.User = cfg.DbUsername
	c.Passwd = cfg.DbPass
	c.Net = "tcp"
	c.Addr = net.JoinHostPort(cfg.DbHost, cfg.DbPort)
	c.DBName = cfg.DbName
	c.ParseTime = true
	c.Loc = time.UTC
	c.Timeout = 5 * time.Second
	return c.FormatDSN()
}

func dialectFor(driver string) gorp.Dialect {
	if driver == DriverPostgres {
		return gorp.PostgresDialect{}
	}
	return gorp.MySQLDialect{Engine: "InnoDB", Encoding: "utf8mb4"}
}

// InitSQLDatabase creates a connection pool based on information in a Config,
// and returns a pointer the resulting SQLDatabase object. No connection is
// made until first use; see Ping.
func InitSQLDatabase(cfg Config) (*SQLDatabase, error) {
	log.Printf("Connecting to %s DB %s on %s:%s ... \n", cfg.DbDriver, cfg.DbName, cfg.DbHost, cfg.DbPort)
	conn, err := sql.Open(cfg.DbDriver, getConnectionString(cfg))
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxOpenConns)
	conn.SetConnMaxLifetime(5 * time.Minute)
	db := newSQLDatabase(cfg, conn, dialectFor(cfg.DbDriver))
	db.schemaPending = true
	return db, nil
}

func newSQLDatabase(cfg Config, conn *sql.DB, dialect gorp.Dialect) *SQLDatabase {
	dbmap := &gorp.DbMap{Db: conn, Dialect: dialect}
	table := dbmap.AddTableWithName(models.ContactSubmission{}, cfg.DbContactTable).SetKeys(true, "ID")
	// Escaped text can be several times longer than the raw input.
	table.ColMap("Name").SetMaxSize(600).SetNotNull(true)
	table.ColMap("Email").SetMaxSize(255).SetNotNull(true)
	table.ColMap("Message").SetMaxSize(6000).SetNotNull(true)
	table.ColMap("Phone").SetMaxSize(20)
	table.ColMap("SubmitterAddress").SetMaxSize(45).SetNotNull(true)
	table.ColMap("SubmittedAt").SetNotNull(true)

	db := &SQLDatabase{cfg: cfg, conn: dbmap}
	name := dialect.QuotedTableForQuery("", cfg.DbContactTable)
	db.insertQuery = fmt.Sprintf(
		"INSERT INTO %s (name, email, message, phone, ip_address, created_at) VALUES (%s)",
		name, db.bindVars(6))
	db.recentQuery = fmt.Sprintf(
		"SELECT id, name, email, message, phone, created_at FROM %s ORDER BY created_at DESC, id DESC LIMIT %s",
		name, db.bindVars(1))
	return db
}

// bindVars returns n comma-separated placeholders in the dialect's syntax.
func (db *SQLDatabase) bindVars(n int) string {
	vars := make([]string, n)
	for i := range vars {
		vars[i] = db.conn.Dialect.BindVar(i)
	}
	return strings.Join(vars, ", ")
}

// Ping checks that a pooled connection can be established.
func (db *SQLDatabase) Ping(ctx context.Context) error {
	if err := db.conn.Db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// EnsureSchema creates the contacts table if it does not exist yet. Until it
// succeeds, every read or write tries again first, so a database that comes
// up after the server still gets its table.
func (db *SQLDatabase) EnsureSchema() error {
	db.schemaMu.Lock()
	defer db.schemaMu.Unlock()
	if err := db.conn.CreateTablesIfNotExists(); err != nil {
		return err
	}
	db.schemaPending = false
	return nil
}

func (db *SQLDatabase) ensureSchema() error {
	db.schemaMu.Lock()
	defer db.schemaMu.Unlock()
	if !db.schemaPending {
		return nil
	}
	if err := db.conn.CreateTablesIfNotExists(); err != nil {
		return fmt.Errorf("creating contact table: %w", err)
	}
	log.Printf("Created contact table %s", db.cfg.DbContactTable)
	db.schemaPending = false
	return nil
}

// Close releases every pooled connection.
func (db *SQLDatabase) Close() error {
	return db.conn.Db.Close()
}

// CONTACT DB FUNCTIONS

// PutContact inserts a submission as a single parameterized statement,
// stamping it with the server clock. On success the id and timestamp are
// written back to c.
func (db *SQLDatabase) PutContact(ctx context.Context, c *models.ContactSubmission) (int64, error) {
	if err := db.ensureSchema(); err != nil {
		return 0, err
	}
	record := *c
	record.SubmittedAt = time.Now().UTC().Truncate(time.Second)
	args := []interface{}{record.Name, record.Email, record.Message, record.Phone,
		record.SubmitterAddress, record.SubmittedAt}
	executor := db.conn.WithContext(ctx)
	if _, ok := db.conn.Dialect.(gorp.PostgresDialect); ok {
		// lib/pq does not support LastInsertId.
		err := executor.QueryRow(db.insertQuery+" RETURNING id", args...).Scan(&record.ID)
		if err != nil {
			return 0, fmt.Errorf("inserting contact: %w", err)
		}
	} else {
		result, err := executor.Exec(db.insertQuery, args...)
		if err != nil {
			return 0, fmt.Errorf("inserting contact: %w", err)
		}
		if record.ID, err = result.LastInsertId(); err != nil {
			return 0, fmt.Errorf("reading contact id: %w", err)
		}
	}
	*c = record
	return record.ID, nil
}

// GetRecentContacts retrieves up to limit submissions, most recent first.
func (db *SQLDatabase) GetRecentContacts(ctx context.Context, limit int) ([]models.ContactSubmission, error) {
	if err := db.ensureSchema(); err != nil {
		return nil, err
	}
	contacts := []models.ContactSubmission{}
	_, err := db.conn.WithContext(ctx).Select(&contacts, db.recentQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("listing contacts: %w", err)
	}
	return contacts, nil
}

// ClearTables nukes all the tables. ** Should only be used during testing **
func (db *SQLDatabase) ClearTables() error {
	_, err := db.conn.Exec(fmt.Sprintf("DELETE FROM %s",
		db.conn.Dialect.QuotedTableForQuery("", db.cfg.DbContactTable)))
	return err
}
