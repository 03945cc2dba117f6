package state

import (
	"os"

	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/openattend/fleet-sync/sqlutil"
	"github.com/openattend/fleet-sync/state/migrations"
)

var log = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Storage bundles the sqlx-backed stores the sync engine reads from and
// writes to: the device registry, the person directory, the access-event
// store and the sync-run history.
type Storage struct {
	Devices      *DevicesTable
	Persons      *PersonsTable
	AccessEvents *AccessEventsTable
	SyncRuns     *SyncRunsTable
	DB           *sqlx.DB
}

func NewStorage(postgresURI string) *Storage {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		sentry.CaptureException(err)
		log.Panic().Err(err).Str("uri", postgresURI).Msg("failed to open SQL DB")
	}
	return NewStorageWithDB(db)
}

func NewStorageWithDB(db *sqlx.DB) *Storage {
	store := &Storage{
		Devices:      NewDevicesTable(db),
		Persons:      NewPersonsTable(db),
		AccessEvents: NewAccessEventsTable(db),
		SyncRuns:     NewSyncRunsTable(db),
		DB:           db,
	}
	if err := migrations.Up(db.DB); err != nil {
		sentry.CaptureException(err)
		log.Panic().Err(err).Msg("failed to run migrations")
	}
	return store
}

// IngestEvents inserts a batch of access events in a single transaction and
// reports how many rows were actually created. Rows that collide on the
// dedup key are silently skipped, so the difference between len(evs) and
// the return value is the number of duplicates.
func (s *Storage) IngestEvents(evs []AccessEvent) (inserted int, err error) {
	err = sqlutil.WithTransaction(s.DB, func(txn *sqlx.Tx) error {
		for _, ev := range evs {
			created, err := s.AccessEvents.InsertTxn(txn, ev)
			if err != nil {
				return err
			}
			if created {
				inserted++
			}
		}
		return nil
	})
	return
}

func (s *Storage) Teardown() {
	err := s.DB.Close()
	if err != nil {
		panic("Storage.Teardown: " + err.Error())
	}
}
