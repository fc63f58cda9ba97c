package merging

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/datahub/pkg/logging"
	"github.com/Ramsey-B/datahub/pkg/models"
	"github.com/Ramsey-B/datahub/pkg/schema"
	"github.com/Ramsey-B/datahub/pkg/store"
	"github.com/Ramsey-B/datahub/pkg/store/memory"
)

var fixedNow = time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC)

func newEngine(t *testing.T, st store.Store, opts ...Option) *Engine {
	t.Helper()
	registry, err := DefaultRegistry(st.Schema())
	require.NoError(t, err)
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewEngine(st, registry, logging.NewNopLogger(), opts...)
}

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	st := memory.NewStore(schema.DataHub())
	seed(t, st, schema.TableAdvisers,
		store.Row{"id": "a1", "first_name": "Ada", "last_name": "Lovelace", "is_active": true},
		store.Row{"id": "a2", "first_name": "Alan", "last_name": "Turing", "is_active": true},
	)
	return st
}

func seed(t *testing.T, st store.Store, table string, rows ...store.Row) {
	t.Helper()
	for _, row := range rows {
		require.NoError(t, st.Insert(context.Background(), table, row), "seeding %s %s", table, row.ID())
	}
}

func count(t *testing.T, st store.Store, table string, conds ...store.Cond) int {
	t.Helper()
	n, err := st.Count(context.Background(), table, conds...)
	require.NoError(t, err)
	return n
}

func get(t *testing.T, st store.Store, table, id string) store.Row {
	t.Helper()
	row, err := st.Get(context.Background(), table, id)
	require.NoError(t, err)
	return row
}

// snapshot returns every non-audit row keyed by table.
func snapshot(t *testing.T, st store.Store) map[string][]store.Row {
	t.Helper()
	out := map[string][]store.Row{}
	for _, tbl := range st.Schema().Tables() {
		if tbl.Name == schema.TableAuditRevisions || tbl.Name == schema.TableAuditVersions {
			continue
		}
		rows, err := st.Find(context.Background(), tbl.Name)
		require.NoError(t, err)
		out[tbl.Name] = rows
	}
	return out
}

// seedCompanies creates a source and target company with every kind of
// relation the company configuration moves.
func seedCompanies(t *testing.T, st store.Store) {
	t.Helper()
	seed(t, st, schema.TableCompanies,
		store.Row{"id": "src", "name": "Acme"},
		store.Row{"id": "tgt", "name": "Acme Ltd"},
	)
	seed(t, st, schema.TableContacts,
		store.Row{"id": "k1", "company_id": "src", "first_name": "Grace"},
		store.Row{"id": "k2", "company_id": "src", "first_name": "Edsger"},
		store.Row{"id": "k3", "company_id": "tgt", "first_name": "Barbara"},
	)
	seed(t, st, schema.TableInteractions,
		store.Row{"id": "i1", "company_id": "src", "subject": "Intro"},
		store.Row{"id": "i2", "company_id": "src", "subject": "Follow up"},
		store.Row{"id": "i3", "subject": "Trade mission"},
	)
	seed(t, st, schema.TableInteractionCompanies,
		store.Row{"id": "ic1", "interaction_id": "i3", "company_id": "src"},
		store.Row{"id": "ic2", "interaction_id": "i3", "company_id": "tgt"},
		store.Row{"id": "ic3", "interaction_id": "i2", "company_id": "src"},
	)
	seed(t, st, schema.TableCompanyReferrals,
		store.Row{"id": "r1", "company_id": "src", "subject": "Export help"},
	)
	seed(t, st, schema.TableCompanyActivities,
		store.Row{"id": "act1", "company_id": "src", "interaction_id": "i1", "activity_source": "interaction"},
		store.Row{"id": "act2", "company_id": "src", "interaction_id": "i2", "activity_source": "interaction"},
		store.Row{"id": "act3", "company_id": "src", "referral_id": "r1", "activity_source": "referral"},
		store.Row{"id": "act4", "company_id": "src", "activity_source": "order"},
	)
	seed(t, st, schema.TableOrders,
		store.Row{"id": "o1", "reference": "ORD-1", "company_id": "src"},
	)
	seed(t, st, schema.TableInvestmentProjects,
		store.Row{"id": "ip1", "name": "Factory", "investor_company_id": "src", "uk_company_id": "src"},
	)
	seed(t, st, schema.TableLargeCapitalOpportunities,
		store.Row{"id": "lco1", "name": "Wind farm"},
		store.Row{"id": "lco2", "name": "Railway"},
	)
	seed(t, st, schema.TableLargeCapitalOpportunityPromoters,
		store.Row{"id": "pr1", "large_capital_opportunity_id": "lco1", "company_id": "src"},
		store.Row{"id": "pr2", "large_capital_opportunity_id": "lco1", "company_id": "tgt"},
		store.Row{"id": "pr3", "large_capital_opportunity_id": "lco2", "company_id": "src"},
	)
	seed(t, st, schema.TableCompanyLists,
		store.Row{"id": "l1", "name": "Watch list", "adviser_id": "a1"},
		store.Row{"id": "l2", "name": "Key accounts", "adviser_id": "a1"},
	)
	seed(t, st, schema.TableCompanyListItems,
		store.Row{"id": "li1", "list_id": "l1", "company_id": "src"},
		store.Row{"id": "li2", "list_id": "l2", "company_id": "src"},
		store.Row{"id": "li3", "list_id": "l1", "company_id": "tgt"},
	)
	seed(t, st, schema.TablePipelineItems,
		store.Row{"id": "p1", "name": "Expansion", "adviser_id": "a1", "company_id": "src"},
		store.Row{"id": "p2", "name": "Expansion", "adviser_id": "a1", "company_id": "tgt"},
		store.Row{"id": "p3", "name": "Exports", "adviser_id": "a2", "company_id": "src"},
	)
	seed(t, st, schema.TableOneListCoreTeamMembers,
		store.Row{"id": "m1", "adviser_id": "a1", "company_id": "src"},
		store.Row{"id": "m2", "adviser_id": "a1", "company_id": "tgt"},
		store.Row{"id": "m3", "adviser_id": "a2", "company_id": "src"},
	)
	seed(t, st, schema.TableCompanyExportCountries,
		store.Row{"id": "e1", "company_id": "src", "country": "FR"},
		store.Row{"id": "e2", "company_id": "src", "country": "DE"},
		store.Row{"id": "e3", "company_id": "tgt", "country": "FR"},
	)
	seed(t, st, schema.TableCompanyExportCountryHistory,
		store.Row{"id": "h1", "company_id": "src", "country": "FR", "history_type": "insert"},
	)
}

type recordingPublisher struct {
	events []*models.MergeEvent
	err    error
}

func (p *recordingPublisher) PublishMergeEvent(_ context.Context, event *models.MergeEvent) error {
	p.events = append(p.events, event)
	return p.err
}

type recordingLocker struct {
	keys []string
	ttls []time.Duration
}

func (l *recordingLocker) WithLock(_ context.Context, key string, ttl time.Duration, fn func() error) error {
	l.keys = append(l.keys, key)
	l.ttls = append(l.ttls, ttl)
	return fn()
}

// faultyStore fails selected operations of the wrapped store.
type faultyStore struct {
	store.Store
	failUpdates map[string]bool
	failFind    string
	// failTargetCount fails counts on this table that filter on the target.
	failTargetCount string
	failRollback    bool
}

var (
	errRowRejected error = httperror.NewHTTPError(http.StatusConflict, "row rejected")
	errConnection        = errors.New("connection reset by peer")
)

func (f *faultyStore) Update(ctx context.Context, table, id string, values store.Row) error {
	if f.failUpdates[id] {
		return errRowRejected
	}
	return f.Store.Update(ctx, table, id, values)
}

func (f *faultyStore) Find(ctx context.Context, table string, conds ...store.Cond) ([]store.Row, error) {
	if table == f.failFind {
		return nil, errConnection
	}
	return f.Store.Find(ctx, table, conds...)
}

func (f *faultyStore) Count(ctx context.Context, table string, conds ...store.Cond) (int, error) {
	if table == f.failTargetCount {
		for _, c := range conds {
			if c.Value == "tgt" {
				return 0, errConnection
			}
		}
	}
	return f.Store.Count(ctx, table, conds...)
}

// RunInSavepoint reports a failed rollback in place of the row's error.
func (f *faultyStore) RunInSavepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	err := f.Store.RunInSavepoint(ctx, fn)
	if err != nil && f.failRollback {
		return errConnection
	}
	return err
}
