// Command namedsql runs a query with :name parameters and streams its rows
// batch by batch as JSON lines, or serves them over HTTP.
//
//	namedsql [-config file.toml] [-init setup.sql] [-batch n] [-serve addr] query.sql [name=value | name:=json ...]
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-sqlt/namedsql"
	"github.com/go-sqlt/namedsql/livehttp"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("namedsql", flag.ContinueOnError)
	flags.SetOutput(stderr)

	var (
		configPath = flags.String("config", "", "TOML configuration file")
		initPath   = flags.String("init", "", "SQL file executed on the connection before the query")
		batch      = flags.Int("batch", 0, "rows per batch (overrides batch_size)")
		serve      = flags.String("serve", "", "serve the rows over HTTP on this address instead of printing them")
	)

	if err := flags.Parse(args); err != nil {
		return err
	}

	if flags.NArg() < 1 {
		return errors.New("usage: namedsql [flags] query.sql [name=value ...]")
	}

	config, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	if *batch > 0 {
		config.BatchSize = *batch
	}

	if config.BatchSize < 1 {
		return fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: config.logLevel()}))

	text, err := readQuery(flags.Arg(0), stdin)
	if err != nil {
		return err
	}

	params, err := parseParams(flags.Args()[1:])
	if err != nil {
		return err
	}

	driverName, err := config.driverName()
	if err != nil {
		return err
	}

	placeholder, err := config.placeholder()
	if err != nil {
		return err
	}

	idle, err := config.idle()
	if err != nil {
		return err
	}

	db, err := sql.Open(driverName, config.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}

	if *initPath != "" {
		setup, err := os.ReadFile(*initPath)
		if err != nil {
			return errors.Join(err, conn.Close())
		}

		if _, err := conn.ExecContext(ctx, string(setup)); err != nil {
			return errors.Join(fmt.Errorf("%s: %w", *initPath, err), conn.Close())
		}
	}

	engine := namedsql.NewEngine(placeholder, namedsql.SlogLogger(logger))

	stmt, err := engine.SQL(text)
	if err != nil {
		return errors.Join(err, conn.Close())
	}

	query, err := stmt.Query(ctx, conn)
	if err != nil {
		return errors.Join(err, conn.Close())
	}

	if err := query.Bind(params); err != nil {
		return errors.Join(err, query.Close(), conn.Close())
	}

	broker := namedsql.NewBroker(namedsql.BrokerConfig{Logger: logger})
	defer broker.TerminateAll()

	tok := broker.Register(query, idle, true)

	if *serve != "" {
		return serveLive(ctx, logger, broker, tok, *serve, config.BatchSize, stdout)
	}

	return printLive(ctx, broker, tok, config.BatchSize, stdout)
}

func readQuery(path string, stdin io.Reader) (string, error) {
	if path == "-" {
		b, err := io.ReadAll(stdin)

		return string(b), err
	}

	b, err := os.ReadFile(path)

	return string(b), err
}

// parseParams turns name=value into a string parameter and name:=value into
// a JSON-decoded one.
func parseParams(args []string) (map[string]any, error) {
	params := make(map[string]any, len(args))

	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid parameter %q, want name=value", arg)
		}

		if raw, isJSON := strings.CutSuffix(name, ":"); isJSON {
			decoder := json.NewDecoder(strings.NewReader(value))
			decoder.UseNumber()

			var v any
			if err := decoder.Decode(&v); err != nil {
				return nil, fmt.Errorf("parameter %s: %w", raw, err)
			}

			if n, ok := v.(json.Number); ok {
				if i, err := n.Int64(); err == nil {
					v = i
				} else if f, err := n.Float64(); err == nil {
					v = f
				}
			}

			params[raw] = v

			continue
		}

		params[name] = value
	}

	return params, nil
}

func printLive(ctx context.Context, broker *namedsql.Broker, tok namedsql.Token, size int, stdout io.Writer) error {
	encoder := json.NewEncoder(stdout)
	encoder.SetEscapeHTML(false)

	for broker.Pinned(tok) {
		rows, err := broker.NextMaps(ctx, tok, size)
		if err != nil {
			return err
		}

		for _, row := range rows {
			if err := encoder.Encode(row); err != nil {
				return err
			}
		}
	}

	return nil
}

func serveLive(ctx context.Context, logger *slog.Logger, broker *namedsql.Broker, tok namedsql.Token, addr string, size int, stdout io.Writer) error {
	mux := http.NewServeMux()
	mux.Handle("/live", &livehttp.Handler{
		Broker:      broker,
		DefaultSize: size,
		Logger:      logger,
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Fprintf(stdout, "http://%s/live?token=%s\n", addr, tok)

	errc := make(chan error, 1)

	go func() {
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	}
}
