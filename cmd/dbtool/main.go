package main

import (
	"database/sql"
	"flag"
	"log"
	"os"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
)

// dbtool applies migrations/schema.sql to the configured MySQL database.
func main() {
	schemaPath := flag.String("schema", "migrations/schema.sql", "path to the schema file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found (using environment variables)")
	}
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/pipeyard?parseTime=true"
	}

	raw, err := os.ReadFile(*schemaPath)
	if err != nil {
		log.Fatalf("read schema: %v", err)
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		log.Fatalf("connect mysql: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("ping mysql: %v", err)
	}

	// Strip comment lines so a leading comment does not hide the first
	// statement from the splitter.
	var lines []string
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		lines = append(lines, line)
	}

	applied := 0
	for _, stmt := range strings.Split(strings.Join(lines, "\n"), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			log.Fatalf("apply statement: %v\n%s", err, stmt)
		}
		applied++
	}
	log.Printf("applied %d statements from %s", applied, *schemaPath)
}
