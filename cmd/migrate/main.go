// Command migrate applies the SQL files in migrations/ to the database
// named by DATABASE_URL. Each file runs once, inside its own
// transaction; applied versions are tracked in schema_migrations.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"
)

func main() {
	dir := flag.String("dir", "migrations", "directory containing .sql migration files")
	list := flag.Bool("list", false, "print applied versions and exit")
	flag.Parse()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("ping: %v", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		log.Fatalf("ensure schema_migrations: %v", err)
	}

	applied, err := appliedVersions(db)
	if err != nil {
		log.Fatalf("load applied versions: %v", err)
	}

	if *list {
		versions := make([]string, 0, len(applied))
		for v := range applied {
			versions = append(versions, v)
		}
		sort.Strings(versions)
		for _, v := range versions {
			fmt.Println(" ", v)
		}
		fmt.Printf("Total: %d applied\n", len(versions))
		return
	}

	files, err := pendingFiles(*dir, applied)
	if err != nil {
		log.Fatalf("scan %s: %v", *dir, err)
	}
	if len(files) == 0 {
		log.Println("Nothing to apply")
		return
	}

	for _, f := range files {
		if err := apply(db, *dir, f); err != nil {
			log.Fatalf("apply %s: %v", f, err)
		}
		log.Printf("Applied %s", f)
	}
	log.Printf("Done: %d migration(s) applied", len(files))
}

func appliedVersions(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func pendingFiles(dir string, applied map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") || applied[name] {
			continue
		}
		files = append(files, name)
	}
	sort.Strings(files)
	return files, nil
}

// apply runs one migration file and records its version in the same
// transaction, so a failed statement leaves the version unapplied.
func apply(db *sql.DB, dir, name string) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(data)) == "" {
		return fmt.Errorf("migration file is empty")
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(string(data)); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", name); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
