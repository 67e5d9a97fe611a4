// Package archive uploads a JSON document per finished run to S3.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/socialpulse/pulsed/pkg/config"
	"github.com/socialpulse/pulsed/pkg/ledger"
	"github.com/socialpulse/pulsed/pkg/results"
)

// uploadTimeout bounds a single archive upload.
const uploadTimeout = 60 * time.Second

// ResultFetcher provides the full analysis rows for a run.
type ResultFetcher interface {
	ResultsFor(ctx context.Context, runID string) ([]results.Result, error)
}

// Archiver watches the ledger bus and archives every run that reaches a
// terminal state. Archival is best-effort and never affects run state.
type Archiver interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Archiver = (*archiver)(nil)

type archiver struct {
	log     logrus.FieldLogger
	cfg     *config.ArchiveConfig
	store   ledger.Store
	fetcher ResultFetcher
	s3c     *s3.Client

	cancelSub func()
	done      chan struct{}
}

// NewArchiver creates an archiver over the given ledger and result store.
func NewArchiver(
	log logrus.FieldLogger,
	cfg *config.ArchiveConfig,
	store ledger.Store,
	fetcher ResultFetcher,
) Archiver {
	return &archiver{
		log:     log.WithField("component", "archiver"),
		cfg:     cfg,
		store:   store,
		fetcher: fetcher,
		done:    make(chan struct{}),
	}
}

// Start subscribes to run-change events and launches the upload loop.
func (a *archiver) Start(ctx context.Context) error {
	a.s3c = newS3Client(a.cfg)

	events, cancel := a.store.Events().Subscribe(64)
	a.cancelSub = cancel

	go func() {
		for {
			select {
			case <-a.done:
				return
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}

				if !ev.Status.Terminal() {
					continue
				}

				a.archive(ev.RunID)
			}
		}
	}()

	a.log.WithField("bucket", a.cfg.Bucket).Info("Run archiver started")

	return nil
}

// Stop unsubscribes from the bus, which ends the upload loop.
func (a *archiver) Stop() error {
	if a.cancelSub != nil {
		a.cancelSub()
	}

	close(a.done)

	return nil
}

// archiveDocument is the JSON shape written per finished run.
type archiveDocument struct {
	Run        *ledger.Run      `json:"run"`
	Results    []results.Result `json:"results"`
	ArchivedAt time.Time        `json:"archived_at"`
}

// archive uploads one run's record and result rows.
func (a *archiver) archive(runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()

	runLog := a.log.WithField("run_id", runID)

	run, err := a.store.FindByID(ctx, runID)
	if err != nil {
		runLog.WithError(err).Warn("Cannot archive, run not readable")

		return
	}

	rows, err := a.fetcher.ResultsFor(ctx, runID)
	if err != nil {
		// Archive the run record alone rather than drop it.
		runLog.WithError(err).Warn("Archiving run without result rows")

		rows = nil
	}

	doc := archiveDocument{
		Run:        run,
		Results:    rows,
		ArchivedAt: time.Now().UTC(),
	}

	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		runLog.WithError(err).Error("Failed to encode archive document")

		return
	}

	key := a.objectKey(runID)

	_, err = a.s3c.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		runLog.WithError(err).WithField("key", key).
			Warn("Archive upload failed")

		return
	}

	runLog.WithField("key", key).Info("Run archived")
}

// objectKey builds the S3 key for a run document.
func (a *archiver) objectKey(runID string) string {
	return path.Join(a.cfg.Prefix, "runs", fmt.Sprintf("%s.json", runID))
}

// newS3Client constructs an S3 client from the archive config.
func newS3Client(cfg *config.ArchiveConfig) *s3.Client {
	return s3.New(s3.Options{}, func(o *s3.Options) {
		if cfg.Region != "" {
			o.Region = cfg.Region
		} else {
			o.Region = "us-east-1"
		}

		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}

		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}

		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)
		}
	})
}
