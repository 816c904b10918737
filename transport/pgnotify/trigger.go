package pgnotify

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// NotifyFunctionName is the trigger function created in each watched schema
const NotifyFunctionName = "changefeed_notify"

// notifyFunctionBody emits one JSON ChangeEvent per row change on the
// channel passed as the first trigger argument
const notifyFunctionBody = `
BEGIN
  PERFORM pg_notify(TG_ARGV[0], json_build_object(
    'type', TG_OP,
    'schema', TG_TABLE_SCHEMA,
    'table', TG_TABLE_NAME,
    'new', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE row_to_json(NEW) END,
    'old', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE row_to_json(OLD) END,
    'commit_timestamp', to_char(now() AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"')
  )::text);
  RETURN NULL;
END;
`

// TriggerStatements returns the DDL that makes schema.table publish its
// changes on ChannelName(prefix, schema, table)
func TriggerStatements(prefix, schema, table string) []string {
	fn := pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(NotifyFunctionName)
	target := pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(table)
	trigger := pq.QuoteIdentifier(NotifyFunctionName)

	return []string{
		fmt.Sprintf("CREATE OR REPLACE FUNCTION %s() RETURNS trigger LANGUAGE plpgsql AS $changefeed$%s$changefeed$",
			fn, notifyFunctionBody),
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", trigger, target),
		fmt.Sprintf("CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION %s(%s)",
			trigger, target, fn, pq.QuoteLiteral(ChannelName(prefix, schema, table))),
	}
}

// InstallTrigger creates or replaces the notify trigger on schema.table in
// one transaction
func InstallTrigger(ctx context.Context, db *sql.DB, prefix, schema, table string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin trigger install: %w", err)
	}

	for _, stmt := range TriggerStatements(prefix, schema, table) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("install trigger on %s.%s: %w", schema, table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit trigger install: %w", err)
	}

	log.Info().
		Str("schema", schema).
		Str("table", table).
		Str("channel", ChannelName(prefix, schema, table)).
		Msg("Installed change notification trigger")
	return nil
}
