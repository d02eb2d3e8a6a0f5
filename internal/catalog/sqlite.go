package catalog

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"rpucella.net/vhd-sync/internal/errors"
)

const schema = `CREATE TABLE IF NOT EXISTS accounts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	location TEXT NOT NULL,
	localRoot TEXT NOT NULL DEFAULT '',
	endpoint TEXT NOT NULL DEFAULT '',
	region TEXT NOT NULL DEFAULT '',
	keyFile TEXT NOT NULL DEFAULT ''
)`

type sqlCatalog struct {
	dbPath string
}

func openDB(c *sqlCatalog) (*sql.DB, error) {
	db, err := sql.Open("sqlite", c.dbPath)
	if err != nil {
		return nil, fmt.Errorf("cannot open db file: %w", err)
	}
	return db, nil
}

// Open returns the catalog stored at dbPath, creating the accounts table if
// needed.
func Open(dbPath string) (Catalog, error) {
	c := &sqlCatalog{dbPath}
	db, err := openDB(c)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("db.Exec(schema): %w", err)
	}
	return c, nil
}

const columns = "id, name, description, type, location, localRoot, endpoint, region, keyFile"

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (Account, error) {
	var a Account
	err := row.Scan(&a.Id, &a.Name, &a.Description, &a.Type, &a.Location, &a.LocalRoot, &a.Endpoint, &a.Region, &a.KeyFile)
	return a, err
}

func (c *sqlCatalog) Accounts() ([]Account, error) {
	db, err := openDB(c)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query("SELECT " + columns + " FROM accounts ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("db.Query(accounts): %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("error reading accounts table: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// Account returns the account called name, or errors.ErrNotFound.
func (c *sqlCatalog) Account(name string) (Account, error) {
	db, err := openDB(c)
	if err != nil {
		return Account{}, err
	}
	defer db.Close()

	a, err := scanAccount(db.QueryRow("SELECT "+columns+" FROM accounts WHERE name = ?", name))
	if err == sql.ErrNoRows {
		return Account{}, errors.WithContext(errors.ErrNotFound, fmt.Sprintf("account %s", name))
	} else if err != nil {
		return Account{}, fmt.Errorf("db.QueryRow: %w", err)
	}
	return a, nil
}

// AddAccount stores a and returns its id. An account of the same name is an
// errors.ErrConflict.
func (c *sqlCatalog) AddAccount(a Account) (int, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if _, err := c.Account(a.Name); err == nil {
		return 0, errors.CreationError("add account", a.Name, errors.ErrConflict)
	}

	db, err := openDB(c)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	res, err := db.Exec("INSERT INTO accounts (name, description, type, location, localRoot, endpoint, region, keyFile) values (?, ?, ?, ?, ?, ?, ?, ?)",
		a.Name, a.Description, a.Type, a.Location, a.LocalRoot, a.Endpoint, a.Region, a.KeyFile)
	if err != nil {
		return 0, fmt.Errorf("db.Exec: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return int(id), nil
}

// RemoveAccount deletes the account called name, or returns
// errors.ErrNotFound.
func (c *sqlCatalog) RemoveAccount(name string) error {
	db, err := openDB(c)
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := db.Exec("DELETE FROM accounts WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("db.Exec: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.WithContext(errors.ErrNotFound, fmt.Sprintf("account %s", name))
	}
	return nil
}
