package results

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/socialpulse/pulsed/pkg/config"
)

// Compile-time interface check.
var _ Client = (*postgresClient)(nil)

// postgresClient reads the result table over a pgx pool and receives
// insert events over a dedicated LISTEN connection per subscription.
type postgresClient struct {
	log  logrus.FieldLogger
	cfg  *config.ResultsConfig
	pool *pgxpool.Pool

	subs sync.WaitGroup
	done chan struct{}
}

// NewClient creates a result store client for the configured Postgres.
func NewClient(
	log logrus.FieldLogger,
	cfg *config.ResultsConfig,
) Client {
	return &postgresClient{
		log:  log.WithField("component", "results"),
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// Start opens the query pool and installs the insert-notify trigger.
func (c *postgresClient) Start(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, c.cfg.URL)
	if err != nil {
		return fmt.Errorf("opening result store pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()

		return fmt.Errorf("pinging result store: %w", err)
	}

	c.pool = pool

	// Best effort: the table is owned by the external workflow and we
	// may lack DDL rights. The poller covers runs either way.
	if err := c.ensureNotifyTrigger(ctx); err != nil {
		c.log.WithError(err).
			Warn("Could not install insert-notify trigger, relying on polling")
	}

	c.log.WithField("table", c.cfg.Table).Info("Result store connected")

	return nil
}

// Stop closes the pool and terminates open subscriptions.
func (c *postgresClient) Stop() error {
	close(c.done)
	c.subs.Wait()

	if c.pool != nil {
		c.pool.Close()
	}

	return nil
}

// ensureNotifyTrigger creates a row-insert trigger that publishes
// {run_id, platform} on the notify channel.
func (c *postgresClient) ensureNotifyTrigger(ctx context.Context) error {
	table := pgx.Identifier{c.cfg.Table}.Sanitize()
	fn := pgx.Identifier{c.cfg.Table + "_notify_insert"}.Sanitize()

	createFn := fmt.Sprintf(`
		CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_notify(
				%s,
				json_build_object(
					'run_id', NEW.run_id,
					'platform', NEW.platform
				)::text
			);
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,
		fn, quoteLiteral(c.cfg.Channel),
	)

	if _, err := c.pool.Exec(ctx, createFn); err != nil {
		return fmt.Errorf("creating notify function: %w", err)
	}

	dropTrg := fmt.Sprintf(
		"DROP TRIGGER IF EXISTS pulsed_notify_insert ON %s", table,
	)
	if _, err := c.pool.Exec(ctx, dropTrg); err != nil {
		return fmt.Errorf("dropping stale trigger: %w", err)
	}

	createTrg := fmt.Sprintf(`
		CREATE TRIGGER pulsed_notify_insert
		AFTER INSERT ON %s
		FOR EACH ROW EXECUTE FUNCTION %s()`,
		table, fn,
	)
	if _, err := c.pool.Exec(ctx, createTrg); err != nil {
		return fmt.Errorf("creating trigger: %w", err)
	}

	return nil
}

// PlatformsFor returns the distinct platforms that have reported for a run.
func (c *postgresClient) PlatformsFor(
	ctx context.Context, runID string,
) ([]string, error) {
	query := fmt.Sprintf(
		"SELECT DISTINCT platform FROM %s WHERE run_id = $1",
		pgx.Identifier{c.cfg.Table}.Sanitize(),
	)

	rows, err := c.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("querying platforms: %w", err)
	}
	defer rows.Close()

	var platforms []string

	for rows.Next() {
		var platform string
		if err := rows.Scan(&platform); err != nil {
			return nil, fmt.Errorf("scanning platform: %w", err)
		}

		platforms = append(platforms, platform)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading platforms: %w", err)
	}

	return platforms, nil
}

// ResultsFor returns the full analysis rows for a run.
func (c *postgresClient) ResultsFor(
	ctx context.Context, runID string,
) ([]Result, error) {
	query := fmt.Sprintf(`
		SELECT id, run_id, platform,
		       COALESCE(audience_sentiment_score, 0),
		       COALESCE(perceived_tool_value, 0),
		       COALESCE(engagement_quality_score, 0),
		       COALESCE(frequently_asked_questions, '[]'::jsonb),
		       COALESCE(behavioral_insights, '[]'::jsonb),
		       COALESCE(feedback_themes, '[]'::jsonb),
		       created_at
		FROM %s WHERE run_id = $1
		ORDER BY created_at`,
		pgx.Identifier{c.cfg.Table}.Sanitize(),
	)

	rows, err := c.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("querying results: %w", err)
	}
	defer rows.Close()

	var results []Result

	for rows.Next() {
		var (
			r                      Result
			faqs, insights, themes []byte
		)

		if err := rows.Scan(
			&r.ID, &r.RunID, &r.Platform,
			&r.AudienceSentimentScore,
			&r.PerceivedToolValue,
			&r.EngagementQualityScore,
			&faqs, &insights, &themes,
			&r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning result row: %w", err)
		}

		// Rows written by the workflow occasionally carry malformed
		// list columns; tolerate them as empty rather than fail the run.
		r.FrequentlyAskedQuestions = decodeStringList(faqs)
		r.BehavioralInsights = decodeStringList(insights)
		r.FeedbackThemes = decodeStringList(themes)

		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading results: %w", err)
	}

	return results, nil
}

// Subscribe opens a dedicated LISTEN connection and streams insert
// events until the connection breaks or the context ends.
func (c *postgresClient) Subscribe(
	ctx context.Context,
) (<-chan Insert, error) {
	url := c.cfg.NotifyURL
	if url == "" {
		url = c.cfg.URL
	}

	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("opening notify connection: %w", err)
	}

	listen := "LISTEN " + pgx.Identifier{c.cfg.Channel}.Sanitize()
	if _, err := conn.Exec(ctx, listen); err != nil {
		_ = conn.Close(ctx)

		return nil, fmt.Errorf("listening on %s: %w", c.cfg.Channel, err)
	}

	ch := make(chan Insert, 16)

	c.subs.Add(1)

	go func() {
		defer c.subs.Done()
		defer close(ch)
		defer func() { _ = conn.Close(context.Background()) }()

		for {
			select {
			case <-c.done:
				return
			case <-ctx.Done():
				return
			default:
			}

			notification, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.log.WithError(err).Warn("Insert feed disconnected")
				}

				return
			}

			ins, err := parseInsert([]byte(notification.Payload))
			if err != nil {
				c.log.WithError(err).Debug("Ignoring malformed notification")

				continue
			}

			select {
			case ch <- ins:
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
		}
	}()

	return ch, nil
}

// decodeStringList parses a jsonb array column, tolerating scalars and
// malformed values.
func decodeStringList(data []byte) []string {
	if len(data) == 0 {
		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		return list
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil && single != "" {
		return []string{single}
	}

	return nil
}

// quoteLiteral wraps a string in single quotes for safe embedding in DDL.
func quoteLiteral(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '\'')

	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}

		out = append(out, s[i])
	}

	return string(append(out, '\''))
}
