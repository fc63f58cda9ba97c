package relational

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Ramsey-B/datahub/pkg/database"
	"github.com/Ramsey-B/datahub/pkg/logging"
	"github.com/Ramsey-B/datahub/pkg/merging"
	"github.com/Ramsey-B/datahub/pkg/models"
	"github.com/Ramsey-B/datahub/pkg/schema"
	"github.com/Ramsey-B/datahub/pkg/store"
)

func TestQuote(t *testing.T) {
	assert.Equal(t, `"primary"`, quote("primary"))
	assert.Equal(t, `"a""b"`, quote(`a"b`))
	assert.Equal(t, []string{`"id"`, `"name"`}, quoteAll([]string{"id", "name"}))
}

func TestBindValue(t *testing.T) {
	companies, _ := schema.DataHub().Table(schema.TableCompanies)

	v, err := bindValue(companies, "archived", true)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	_, err = bindValue(companies, "archived", "yes")
	assert.Error(t, err)

	_, err = bindValue(companies, "nope", "x")
	assert.Error(t, err)
}

func migrationsDir(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), "..", "..", "..", "db", "pg")
}

// postgresConfig starts a container when DATAHUB_TESTCONTAINERS=1, otherwise it
// uses DB_HOST and friends. Without either the test is skipped.
func postgresConfig(t *testing.T) database.ConnectionConfig {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test")
	}

	cfg := database.ConnectionConfig{
		Host:            os.Getenv("DB_HOST"),
		Port:            envOr("DB_PORT", "5432"),
		User:            os.Getenv("DB_USER_NAME"),
		Password:        os.Getenv("DB_PASSWORD"),
		Name:            envOr("DB_NAME", "datahub"),
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
	}

	if os.Getenv("DATAHUB_TESTCONTAINERS") != "1" {
		if cfg.Host == "" {
			t.Skip("DB_HOST not set")
		}
		return cfg
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "datahub",
				"POSTGRES_PASSWORD": "datahub",
				"POSTGRES_DB":       "datahub",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	cfg.Host = host
	cfg.Port = port.Port()
	cfg.User = "datahub"
	cfg.Password = "datahub"
	cfg.Name = "datahub"
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	cfg := postgresConfig(t)
	logger := logging.NewNopLogger()
	ctx := context.Background()

	db, err := database.Connect(ctx, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	migrations := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: migrationsDir(t),
		AutoRollback:        true,
	})
	require.NoError(t, migrations.MigratePostgres(db, cfg.Name))

	return NewRepository(db, schema.DataHub(), logger)
}

func newID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.New().String())
}

func TestRepository_CRUD(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	companyID := newID("company")
	require.NoError(t, repo.Insert(ctx, schema.TableCompanies, store.Row{"id": companyID, "name": "Acme"}))

	row, err := repo.Get(ctx, schema.TableCompanies, companyID)
	require.NoError(t, err)
	assert.Equal(t, "Acme", row.String("name"))
	assert.Equal(t, false, row["archived"], "column default")
	assert.Nil(t, row["transferred_to_id"])

	contactID := newID("contact")
	require.NoError(t, repo.Insert(ctx, schema.TableContacts, store.Row{
		"id":         contactID,
		"company_id": companyID,
		"primary":    true,
	}))

	rows, err := repo.Find(ctx, schema.TableContacts, store.Eq("company_id", companyID), store.Eq("primary", true))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, contactID, rows[0].ID())

	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, repo.Update(ctx, schema.TableContacts, contactID, store.Row{"modified_on": now}))
	row, err = repo.Get(ctx, schema.TableContacts, contactID)
	require.NoError(t, err)
	modified, ok := row.Time("modified_on")
	require.True(t, ok)
	assert.True(t, now.Equal(modified))

	n, err := repo.Count(ctx, schema.TableContacts, store.Eq("company_id", companyID))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, repo.Delete(ctx, schema.TableContacts, contactID))
	_, err = repo.Get(ctx, schema.TableContacts, contactID)
	assert.True(t, store.IsNotFound(err))

	assert.True(t, store.IsNotFound(repo.Update(ctx, schema.TableContacts, contactID, store.Row{"email": "x"})))
	assert.True(t, store.IsNotFound(repo.Delete(ctx, schema.TableContacts, contactID)))
	assert.True(t, store.IsNotFound(repo.LockForUpdate(ctx, schema.TableContacts, contactID)))
}

func TestRepository_UniqueViolationIsConflict(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	companyID, listID := newID("company"), newID("list")
	require.NoError(t, repo.Insert(ctx, schema.TableCompanies, store.Row{"id": companyID, "name": "Acme"}))
	require.NoError(t, repo.Insert(ctx, schema.TableCompanyLists, store.Row{"id": listID, "name": "Watch list"}))
	require.NoError(t, repo.Insert(ctx, schema.TableCompanyListItems, store.Row{"id": newID("item"), "list_id": listID, "company_id": companyID}))

	err := repo.Insert(ctx, schema.TableCompanyListItems, store.Row{"id": newID("item"), "list_id": listID, "company_id": companyID})
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, httperror.GetStatusCode(err))
}

func TestRepository_Transactions(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	keptID, discardedID := newID("company"), newID("company")
	require.NoError(t, repo.Insert(ctx, schema.TableCompanies, store.Row{"id": keptID, "name": "Acme"}))
	require.NoError(t, repo.Insert(ctx, schema.TableCompanies, store.Row{"id": discardedID, "name": "Acme Ltd"}))

	t.Run("savepoint undoes only its own writes", func(t *testing.T) {
		err := repo.RunInTx(ctx, func(ctx context.Context) error {
			require.NoError(t, repo.LockForUpdate(ctx, schema.TableCompanies, discardedID, keptID))
			require.NoError(t, repo.Update(ctx, schema.TableCompanies, keptID, store.Row{"name": "Kept"}))
			spErr := repo.RunInSavepoint(ctx, func(ctx context.Context) error {
				require.NoError(t, repo.Update(ctx, schema.TableCompanies, discardedID, store.Row{"name": "Discarded"}))
				return errors.New("row failed")
			})
			assert.Error(t, spErr)
			return nil
		})
		require.NoError(t, err)

		kept, err := repo.Get(ctx, schema.TableCompanies, keptID)
		require.NoError(t, err)
		assert.Equal(t, "Kept", kept.String("name"))

		discarded, err := repo.Get(ctx, schema.TableCompanies, discardedID)
		require.NoError(t, err)
		assert.Equal(t, "Acme Ltd", discarded.String("name"))
	})

	t.Run("rollback on error", func(t *testing.T) {
		boom := errors.New("boom")
		err := repo.RunInTx(ctx, func(ctx context.Context) error {
			require.NoError(t, repo.Update(ctx, schema.TableCompanies, keptID, store.Row{"name": "Renamed"}))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		kept, err := repo.Get(ctx, schema.TableCompanies, keptID)
		require.NoError(t, err)
		assert.Equal(t, "Kept", kept.String("name"))
	})
}

func TestRepository_MergeAndRollback(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	adviserID := newID("adviser")
	sourceID, targetID := newID("source"), newID("target")
	contactID, interactionID := newID("contact"), newID("interaction")

	require.NoError(t, repo.Insert(ctx, schema.TableAdvisers, store.Row{"id": adviserID, "first_name": "Ada", "is_active": true}))
	require.NoError(t, repo.Insert(ctx, schema.TableCompanies, store.Row{"id": sourceID, "name": "Acme"}))
	require.NoError(t, repo.Insert(ctx, schema.TableCompanies, store.Row{"id": targetID, "name": "Acme Ltd"}))
	require.NoError(t, repo.Insert(ctx, schema.TableContacts, store.Row{"id": contactID, "company_id": sourceID}))
	require.NoError(t, repo.Insert(ctx, schema.TableInteractions, store.Row{"id": interactionID, "company_id": sourceID}))
	require.NoError(t, repo.Insert(ctx, schema.TableInteractionCompanies, store.Row{"id": newID("link"), "interaction_id": interactionID, "company_id": sourceID}))

	registry, err := merging.DefaultRegistry(repo.Schema())
	require.NoError(t, err)
	engine := merging.NewEngine(repo, registry, logging.NewNopLogger())

	result, err := engine.Merge(ctx, models.EntityTypeCompany, sourceID, targetID, adviserID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count(schema.TableContacts, "company"))
	assert.Equal(t, 1, result.Count(schema.TableInteractions, "company"))
	assert.Equal(t, 1, result.Count(schema.TableInteractions, "companies"))

	source, err := repo.Get(ctx, schema.TableCompanies, sourceID)
	require.NoError(t, err)
	assert.Equal(t, true, source["archived"])
	assert.Equal(t, targetID, source.String("transferred_to_id"))

	contact, err := repo.Get(ctx, schema.TableContacts, contactID)
	require.NoError(t, err)
	assert.Equal(t, targetID, contact.String("company_id"))

	require.NoError(t, engine.Rollback(ctx, models.EntityTypeCompany, sourceID, adviserID))

	source, err = repo.Get(ctx, schema.TableCompanies, sourceID)
	require.NoError(t, err)
	assert.Equal(t, false, source["archived"])
	assert.Nil(t, source["transferred_to_id"])

	contact, err = repo.Get(ctx, schema.TableContacts, contactID)
	require.NoError(t, err)
	assert.Equal(t, sourceID, contact.String("company_id"))

	links, err := repo.Count(ctx, schema.TableInteractionCompanies, store.Eq("interaction_id", interactionID), store.Eq("company_id", sourceID))
	require.NoError(t, err)
	assert.Equal(t, 1, links)
}
