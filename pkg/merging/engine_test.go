package merging

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/datahub/pkg/audit"
	"github.com/Ramsey-B/datahub/pkg/models"
	"github.com/Ramsey-B/datahub/pkg/schema"
	"github.com/Ramsey-B/datahub/pkg/store"
)

func TestEngine_PlanScenario(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	seed(t, st, schema.TableCompanies,
		store.Row{"id": "src", "name": "Acme"},
		store.Row{"id": "tgt", "name": "Acme Ltd"},
	)
	seed(t, st, schema.TableContacts,
		store.Row{"id": "k1", "company_id": "src"},
		store.Row{"id": "k2", "company_id": "src"},
		store.Row{"id": "k3", "company_id": "src"},
	)
	// every interaction brings its own contact
	for _, n := range []string{"4", "5", "6", "7"} {
		seed(t, st, schema.TableInteractions, store.Row{"id": "i" + n, "company_id": "src"})
		seed(t, st, schema.TableContacts, store.Row{"id": "k" + n, "company_id": "src"})
	}

	e := newEngine(t, st)

	first, err := e.Plan(ctx, models.EntityTypeCompany, "src")
	require.NoError(t, err)
	second, err := e.Plan(ctx, models.EntityTypeCompany, "src")
	require.NoError(t, err)

	assert.Equal(t, first, second, "planning is idempotent")
	assert.Equal(t, 7, first.Result.Total(schema.TableContacts))
	assert.Equal(t, 4, first.Result.Total(schema.TableInteractions))
	assert.Equal(t, 0, first.Result.Total(schema.TableOrders))
	assert.True(t, first.ShouldArchive)

	targetContacts := count(t, st, schema.TableContacts, store.Eq("company_id", "tgt"))

	result, err := e.Merge(ctx, models.EntityTypeCompany, "src", "tgt", "a1")
	require.NoError(t, err)

	assert.Equal(t, 7, result.Count(schema.TableContacts, "company"))
	assert.Equal(t, targetContacts+7, count(t, st, schema.TableContacts, store.Eq("company_id", "tgt")))
	assert.Equal(t, 0, count(t, st, schema.TableInteractions, store.Eq("company_id", "src")))
	assert.True(t, get(t, st, schema.TableCompanies, "src").Bool("archived"))
}

func TestEngine_MergeCompany(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	seedCompanies(t, st)
	e := newEngine(t, st)

	plan, err := e.Plan(ctx, models.EntityTypeCompany, "src")
	require.NoError(t, err)

	before := map[string]int{}
	for _, c := range e.registry.entities[models.EntityTypeCompany].configurations {
		for _, rel := range c.relations {
			before[rel.Key()] = count(t, st, rel.RowTable(), store.Eq(rel.Column, "tgt"))
		}
	}

	result, err := e.Merge(ctx, models.EntityTypeCompany, "src", "tgt", "a1")
	require.NoError(t, err)

	t.Run("counts", func(t *testing.T) {
		expected := []struct {
			model, field string
			count        int
		}{
			{schema.TableInteractions, "company", 2},
			{schema.TableInteractions, "companies", 2},
			{schema.TableContacts, "company", 2},
			{schema.TableInvestmentProjects, "investor_company", 1},
			{schema.TableInvestmentProjects, "intermediate_company", 0},
			{schema.TableInvestmentProjects, "uk_company", 1},
			{schema.TableLargeCapitalOpportunities, "promoters", 1},
			{schema.TableOrders, "company", 1},
			{schema.TableCompanyReferrals, "company", 1},
			{schema.TableCompanyListItems, "company", 2},
			{schema.TablePipelineItems, "company", 2},
			{schema.TableOneListCoreTeamMembers, "company", 1},
			{schema.TableCompanyExportCountries, "company", 2},
			{schema.TableCompanyActivities, "company", 4},
		}
		for _, tt := range expected {
			assert.Equal(t, tt.count, result.Count(tt.model, tt.field), "%s.%s", tt.model, tt.field)
		}
	})

	t.Run("result keeps registry order", func(t *testing.T) {
		require.NotEmpty(t, result.Models)
		assert.Equal(t, schema.TableInteractions, result.Models[0].Model)
		assert.Equal(t, schema.TableCompanyActivities, result.Models[len(result.Models)-1].Model)
	})

	t.Run("plan agrees with merge for default relations", func(t *testing.T) {
		for _, c := range e.registry.entities[models.EntityTypeCompany].configurations {
			if c.Strategy.Kind != StrategyDefault || len(c.relations) == 0 {
				continue
			}
			for _, rel := range c.relations {
				if rel.IsManyToMany() {
					continue
				}
				assert.Equal(t, plan.Result.Count(c.Model, rel.Field), result.Count(c.Model, rel.Field), rel.Key())
			}
		}
		assert.Equal(t, plan.Result.Count(schema.TableCompanyActivities, "company"), result.Count(schema.TableCompanyActivities, "company"))
	})

	t.Run("conservation for default foreign keys", func(t *testing.T) {
		for _, key := range []string{"contacts.company", "orders.company", "interactions.company", "investment_projects.uk_company"} {
			c, f := splitKey(key)
			rel, ok := st.Schema().Relation(c, f, schema.TableCompanies)
			require.True(t, ok)
			after := count(t, st, rel.RowTable(), store.Eq(rel.Column, "tgt"))
			assert.Equal(t, before[key]+plan.Result.Count(c, f), after, key)
			assert.Equal(t, 0, count(t, st, rel.RowTable(), store.Eq(rel.Column, "src")), key)
		}
	})

	t.Run("dedupe deletes the source row", func(t *testing.T) {
		_, err := st.Get(ctx, schema.TableCompanyListItems, "li1")
		assert.True(t, store.IsNotFound(err))
		assert.Equal(t, 1, count(t, st, schema.TableCompanyListItems, store.Eq("list_id", "l1")))
		assert.Equal(t, "tgt", get(t, st, schema.TableCompanyListItems, "li2").String("company_id"))

		_, err = st.Get(ctx, schema.TablePipelineItems, "p1")
		assert.True(t, store.IsNotFound(err))
		assert.Equal(t, 1, count(t, st, schema.TablePipelineItems, store.Eq("adviser_id", "a1")))
		assert.Equal(t, "tgt", get(t, st, schema.TablePipelineItems, "p3").String("company_id"))

		_, err = st.Get(ctx, schema.TableCompanyExportCountries, "e1")
		assert.True(t, store.IsNotFound(err))
		assert.Equal(t, "tgt", get(t, st, schema.TableCompanyExportCountries, "e2").String("company_id"))
	})

	t.Run("skip leaves the source row alone", func(t *testing.T) {
		assert.Equal(t, "src", get(t, st, schema.TableOneListCoreTeamMembers, "m1").String("company_id"))
		assert.Equal(t, "tgt", get(t, st, schema.TableOneListCoreTeamMembers, "m3").String("company_id"))

		assert.Equal(t, "src", get(t, st, schema.TableLargeCapitalOpportunityPromoters, "pr1").String("company_id"))
		assert.Equal(t, 1, count(t, st, schema.TableLargeCapitalOpportunityPromoters,
			store.Eq("large_capital_opportunity_id", "lco2"), store.Eq("company_id", "tgt")))
	})

	t.Run("many to many links are swapped", func(t *testing.T) {
		assert.Equal(t, 0, count(t, st, schema.TableInteractionCompanies, store.Eq("company_id", "src")))
		assert.Equal(t, 1, count(t, st, schema.TableInteractionCompanies, store.Eq("interaction_id", "i3")))
		assert.Equal(t, 1, count(t, st, schema.TableInteractionCompanies, store.Eq("interaction_id", "i2"), store.Eq("company_id", "tgt")))
	})

	t.Run("activities follow their triggers", func(t *testing.T) {
		assert.Equal(t, 0, count(t, st, schema.TableCompanyActivities, store.Eq("company_id", "src")))
		assert.Equal(t, 4, count(t, st, schema.TableCompanyActivities, store.Eq("company_id", "tgt")))
	})

	t.Run("moved rows are touched", func(t *testing.T) {
		modified, ok := get(t, st, schema.TableContacts, "k1").Time("modified_on")
		require.True(t, ok)
		assert.True(t, modified.Equal(fixedNow.Truncate(time.Microsecond)))
	})

	t.Run("allowed relations are not moved", func(t *testing.T) {
		assert.Equal(t, "src", get(t, st, schema.TableCompanyExportCountryHistory, "h1").String("company_id"))
	})

	t.Run("source is archived", func(t *testing.T) {
		source := get(t, st, schema.TableCompanies, "src")
		assert.True(t, source.Bool("archived"))
		assert.Equal(t, "tgt", source.String("transferred_to_id"))
		assert.Equal(t, models.TransferReasonDuplicate, source.String("transfer_reason"))
		assert.Equal(t, "a1", source.String("archived_by_id"))
		assert.Equal(t, "a1", source.String("transferred_by_id"))
		assert.Equal(t, "a1", source.String("modified_by_id"))
		assert.Equal(t,
			"This record is no longer in use and its data has been transferred to Acme Ltd for the following reason: Duplicate record.",
			source.String("archived_reason"))

		target := get(t, st, schema.TableCompanies, "tgt")
		assert.False(t, target.Bool("archived"))
	})

	t.Run("one revision is written", func(t *testing.T) {
		revision, err := audit.Latest(ctx, st, models.EntityTypeCompany, CompanyMergedComment, "src")
		require.NoError(t, err)
		assert.Equal(t, "tgt", revision.TargetID)
		assert.Equal(t, "a1", revision.UserID)
	})

	t.Run("merged source cannot be merged again", func(t *testing.T) {
		seed(t, st, schema.TableCompanies, store.Row{"id": "other", "name": "Other"})
		_, err := e.Merge(ctx, models.EntityTypeCompany, "src", "other", "a1")
		var notAllowed *MergeNotAllowedError
		require.ErrorAs(t, err, &notAllowed)
		assert.Contains(t, notAllowed.Fields, "transferred_to")
	})
}

func splitKey(key string) (string, string) {
	for i := range key {
		if key[i] == '.' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

func TestEngine_Validation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		setup      func(t *testing.T, st store.Store)
		sourceID   string
		targetID   string
		wantFields []string
		wantReason string
	}{
		{
			name: "self referencing headquarters",
			setup: func(t *testing.T, st store.Store) {
				require.NoError(t, st.Update(ctx, schema.TableCompanies, "src", store.Row{"global_headquarters_id": "src"}))
			},
			sourceID:   "src",
			targetID:   "tgt",
			wantFields: []string{"global_headquarters"},
			wantReason: reasonInvalidSource,
		},
		{
			name: "source has subsidiaries",
			setup: func(t *testing.T, st store.Store) {
				require.NoError(t, st.Update(ctx, schema.TableCompanies, "tgt", store.Row{"global_headquarters_id": "src"}))
			},
			sourceID:   "src",
			targetID:   "tgt",
			wantFields: []string{"subsidiaries"},
			wantReason: reasonInvalidSource,
		},
		{
			name: "relation that is not allowed",
			setup: func(t *testing.T, st store.Store) {
				seed(t, st, schema.TableLargeCapitalInvestorProfiles, store.Row{"id": "lip1", "investor_company_id": "src"})
			},
			sourceID:   "src",
			targetID:   "tgt",
			wantFields: []string{"investor_profiles"},
			wantReason: reasonInvalidSource,
		},
		{
			name: "archived target",
			setup: func(t *testing.T, st store.Store) {
				require.NoError(t, st.Update(ctx, schema.TableCompanies, "tgt", store.Row{"archived": true}))
			},
			sourceID:   "src",
			targetID:   "tgt",
			wantReason: reasonInvalidTarget,
		},
		{
			name:       "same record",
			setup:      func(t *testing.T, st store.Store) {},
			sourceID:   "src",
			targetID:   "src",
			wantReason: reasonSameEntity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newStore(t)
			seedCompanies(t, st)
			tt.setup(t, st)
			e := newEngine(t, st)

			before := snapshot(t, st)

			_, err := e.Merge(ctx, models.EntityTypeCompany, tt.sourceID, tt.targetID, "a1")
			var notAllowed *MergeNotAllowedError
			require.ErrorAs(t, err, &notAllowed)
			assert.Equal(t, tt.wantReason, notAllowed.Reason)
			assert.Equal(t, tt.wantFields, notAllowed.Fields)

			assert.Equal(t, before, snapshot(t, st), "a rejected merge changes nothing")
			assert.Equal(t, 0, count(t, st, schema.TableAuditRevisions))
		})
	}
}

func TestEngine_ValidateSource(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	seedCompanies(t, st)
	e := newEngine(t, st)

	valid, fields, err := e.ValidateSource(ctx, models.EntityTypeCompany, "src")
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Empty(t, fields)

	require.NoError(t, st.Update(ctx, schema.TableCompanies, "src", store.Row{"global_headquarters_id": "src"}))
	valid, fields, err = e.ValidateSource(ctx, models.EntityTypeCompany, "src")
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Equal(t, []string{"global_headquarters"}, fields)

	valid, err = e.ValidateTarget(ctx, models.EntityTypeCompany, "tgt")
	require.NoError(t, err)
	assert.True(t, valid)

	_, _, err = e.ValidateSource(ctx, models.EntityTypeCompany, "missing")
	assert.True(t, store.IsNotFound(err))
}

func TestEngine_Rollback(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	seedCompanies(t, st)
	publisher := &recordingPublisher{}
	e := newEngine(t, st, WithPublisher(publisher))

	before := snapshot(t, st)

	_, err := e.Merge(ctx, models.EntityTypeCompany, "src", "tgt", "a1")
	require.NoError(t, err)
	require.NotEqual(t, before, snapshot(t, st))

	require.NoError(t, e.Rollback(ctx, models.EntityTypeCompany, "src", "a2"))
	assert.Equal(t, before, snapshot(t, st), "rollback restores every row")

	source := get(t, st, schema.TableCompanies, "src")
	assert.False(t, source.Bool("archived"))
	assert.True(t, source.IsNull("transferred_to_id"))
	assert.True(t, source.IsNull("transfer_reason"))

	revisions, err := st.Find(ctx, schema.TableAuditRevisions)
	require.NoError(t, err)
	require.Len(t, revisions, 1)
	assert.False(t, revisions[0].IsNull("reverted_on"))
	assert.Equal(t, "a2", revisions[0].String("reverted_by_id"))

	require.Len(t, publisher.events, 2)
	assert.Equal(t, "company.merged", publisher.events[0].EventType)
	assert.Equal(t, "company.merge_rolled_back", publisher.events[1].EventType)
	assert.Equal(t, "tgt", publisher.events[1].TargetID)
	assert.Equal(t, publisher.events[0].RevisionID, publisher.events[1].RevisionID)

	t.Run("a revision is rolled back once", func(t *testing.T) {
		err := e.Rollback(ctx, models.EntityTypeCompany, "src", "a2")
		require.Error(t, err)
		assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
	})

	t.Run("merge again after rollback", func(t *testing.T) {
		_, err := e.Merge(ctx, models.EntityTypeCompany, "src", "tgt", "a1")
		require.NoError(t, err)
		require.NoError(t, e.Rollback(ctx, models.EntityTypeCompany, "src", ""))
		assert.Equal(t, before, snapshot(t, st))
	})
}

func TestEngine_RollbackNeverMerged(t *testing.T) {
	st := newStore(t)
	seedCompanies(t, st)
	e := newEngine(t, st)

	err := e.Rollback(context.Background(), models.EntityTypeCompany, "src", "a1")
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
}

func TestEngine_MergeContact(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, sameAsCompany bool) (*Engine, store.Store) {
		st := newStore(t)
		seed(t, st, schema.TableCompanies, store.Row{"id": "c1", "name": "Acme"})
		seed(t, st, schema.TableContacts,
			store.Row{
				"id": "src", "company_id": "c1", "first_name": "Grace", "last_name": "Hopper",
				"job_title": "Director", "email": "grace@old.example", "notes": "",
				"full_telephone_number": "+44 20 7946 0000",
				"address_1": "1 Navy Way", "address_town": "Arlington",
			},
			store.Row{
				"id": "tgt", "company_id": "c1", "first_name": "Grace", "last_name": "Hopper",
				"email": "grace@new.example", "notes": "Met at expo",
				"address_same_as_company": sameAsCompany,
			},
		)
		seed(t, st, schema.TableInteractions,
			store.Row{"id": "i1", "company_id": "c1"},
			store.Row{"id": "i2", "company_id": "c1"},
		)
		seed(t, st, schema.TableInteractionContacts,
			store.Row{"id": "ik1", "interaction_id": "i1", "contact_id": "src"},
			store.Row{"id": "ik2", "interaction_id": "i1", "contact_id": "tgt"},
			store.Row{"id": "ik3", "interaction_id": "i2", "contact_id": "src"},
		)
		seed(t, st, schema.TableOrders, store.Row{"id": "o1", "reference": "ORD-1", "company_id": "c1", "contact_id": "src"})
		return newEngine(t, st), st
	}

	t.Run("relations and gap filling", func(t *testing.T) {
		e, st := setup(t, false)
		before := snapshot(t, st)

		result, err := e.Merge(ctx, models.EntityTypeContact, "src", "tgt", "a1")
		require.NoError(t, err)

		assert.Equal(t, 2, result.Count(schema.TableInteractions, "contacts"))
		assert.Equal(t, 1, result.Count(schema.TableOrders, "contact"))
		assert.Equal(t, 0, count(t, st, schema.TableInteractionContacts, store.Eq("contact_id", "src")))
		assert.Equal(t, 1, count(t, st, schema.TableInteractionContacts, store.Eq("interaction_id", "i1")))
		assert.Equal(t, "tgt", get(t, st, schema.TableOrders, "o1").String("contact_id"))

		target := get(t, st, schema.TableContacts, "tgt")
		assert.Equal(t, "Director", target.String("job_title"))
		assert.Equal(t, "+44 20 7946 0000", target.String("full_telephone_number"))
		assert.Equal(t, "grace@new.example", target.String("email"), "populated fields are kept")
		assert.Equal(t, "Met at expo", target.String("notes"))
		assert.Equal(t, "1 Navy Way", target.String("address_1"))
		assert.Equal(t, "Arlington", target.String("address_town"))

		source := get(t, st, schema.TableContacts, "src")
		assert.True(t, source.Bool("archived"))
		assert.Equal(t, "tgt", source.String("transferred_to_id"))
		assert.Contains(t, source.String("archived_reason"), "transferred to Grace Hopper")

		require.NoError(t, e.Rollback(ctx, models.EntityTypeContact, "src", "a1"))
		assert.Equal(t, before, snapshot(t, st))
	})

	t.Run("address follows the company", func(t *testing.T) {
		e, st := setup(t, true)

		_, err := e.Merge(ctx, models.EntityTypeContact, "src", "tgt", "")
		require.NoError(t, err)

		target := get(t, st, schema.TableContacts, "tgt")
		assert.Equal(t, "Director", target.String("job_title"))
		assert.True(t, target.IsNull("address_1"))
		assert.True(t, target.IsNull("address_town"))

		source := get(t, st, schema.TableContacts, "src")
		assert.True(t, source.IsNull("archived_by_id"), "no acting user")
	})
}

func TestEngine_RowFailuresAreSkipped(t *testing.T) {
	ctx := context.Background()
	mem := newStore(t)
	seedCompanies(t, mem)
	st := &faultyStore{Store: mem, failUpdates: map[string]bool{"k2": true}}
	e := newEngine(t, st)

	result, err := e.Merge(ctx, models.EntityTypeCompany, "src", "tgt", "a1")
	require.NoError(t, err)

	assert.Equal(t, 1, result.Count(schema.TableContacts, "company"))
	assert.Equal(t, "tgt", get(t, mem, schema.TableContacts, "k1").String("company_id"))
	assert.Equal(t, "src", get(t, mem, schema.TableContacts, "k2").String("company_id"))
	assert.Equal(t, 1, result.Count(schema.TableOrders, "company"), "later relations still run")
	assert.True(t, get(t, mem, schema.TableCompanies, "src").Bool("archived"))
}

func TestEngine_RowErrorsThatAbort(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		store func(mem store.Store) store.Store
	}{
		{
			name: "query inside a row",
			store: func(mem store.Store) store.Store {
				return &faultyStore{Store: mem, failTargetCount: schema.TableCompanyListItems}
			},
		},
		{
			name: "savepoint rollback",
			store: func(mem store.Store) store.Store {
				return &faultyStore{Store: mem, failUpdates: map[string]bool{"k2": true}, failRollback: true}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := newStore(t)
			seedCompanies(t, mem)
			e := newEngine(t, tt.store(mem))
			before := snapshot(t, mem)

			_, err := e.Merge(ctx, models.EntityTypeCompany, "src", "tgt", "a1")
			require.ErrorIs(t, err, errConnection)

			assert.Equal(t, before, snapshot(t, mem))
			assert.False(t, get(t, mem, schema.TableCompanies, "src").Bool("archived"))
			assert.Equal(t, 0, count(t, mem, schema.TableAuditRevisions))
		})
	}
}

func TestEngine_DerivedRowsFollowTheirTrigger(t *testing.T) {
	ctx := context.Background()

	t.Run("failed trigger keeps its activity", func(t *testing.T) {
		mem := newStore(t)
		seedCompanies(t, mem)
		st := &faultyStore{Store: mem, failUpdates: map[string]bool{"i1": true}}
		e := newEngine(t, st)

		result, err := e.Merge(ctx, models.EntityTypeCompany, "src", "tgt", "a1")
		require.NoError(t, err)

		assert.Equal(t, "src", get(t, mem, schema.TableInteractions, "i1").String("company_id"))
		assert.Equal(t, "src", get(t, mem, schema.TableCompanyActivities, "act1").String("company_id"))
		assert.Equal(t, "tgt", get(t, mem, schema.TableCompanyActivities, "act2").String("company_id"))
		assert.Equal(t, "tgt", get(t, mem, schema.TableCompanyActivities, "act4").String("company_id"))
		assert.Equal(t, 3, result.Count(schema.TableCompanyActivities, "company"))
	})

	t.Run("activity linked to another company's interaction", func(t *testing.T) {
		st := newStore(t)
		seedCompanies(t, st)
		seed(t, st, schema.TableCompanyActivities,
			store.Row{"id": "act5", "company_id": "src", "interaction_id": "i3", "activity_source": "interaction"},
		)
		e := newEngine(t, st)

		plan, err := e.Plan(ctx, models.EntityTypeCompany, "src")
		require.NoError(t, err)
		assert.Equal(t, 4, plan.Result.Count(schema.TableCompanyActivities, "company"))

		result, err := e.Merge(ctx, models.EntityTypeCompany, "src", "tgt", "a1")
		require.NoError(t, err)
		assert.Equal(t, plan.Result.Count(schema.TableCompanyActivities, "company"), result.Count(schema.TableCompanyActivities, "company"))
		assert.Equal(t, "src", get(t, st, schema.TableCompanyActivities, "act5").String("company_id"))
	})
}

func TestEngine_FatalErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	mem := newStore(t)
	seedCompanies(t, mem)
	st := &faultyStore{Store: mem, failFind: schema.TableOrders}
	publisher := &recordingPublisher{}
	e := newEngine(t, st, WithPublisher(publisher))

	before := snapshot(t, mem)

	_, err := e.Merge(ctx, models.EntityTypeCompany, "src", "tgt", "a1")
	require.ErrorIs(t, err, errConnection)

	var notAllowed *MergeNotAllowedError
	assert.False(t, errors.As(err, &notAllowed))
	assert.Equal(t, before, snapshot(t, mem))
	assert.Equal(t, 0, count(t, mem, schema.TableAuditRevisions))
	assert.Empty(t, publisher.events)
}

func TestEngine_UnknownActor(t *testing.T) {
	st := newStore(t)
	seedCompanies(t, st)
	e := newEngine(t, st)

	_, err := e.Merge(context.Background(), models.EntityTypeCompany, "src", "tgt", "nobody")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))
	assert.Equal(t, 0, count(t, st, schema.TableAuditRevisions))
}

func TestEngine_AlreadyArchivedSource(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	seedCompanies(t, st)
	require.NoError(t, st.Update(ctx, schema.TableCompanies, "src", store.Row{"archived": true, "archived_reason": "Dissolved"}))
	e := newEngine(t, st)

	plan, err := e.Plan(ctx, models.EntityTypeCompany, "src")
	require.NoError(t, err)
	assert.False(t, plan.ShouldArchive)

	_, err = e.Merge(ctx, models.EntityTypeCompany, "src", "tgt", "a1")
	require.NoError(t, err)

	source := get(t, st, schema.TableCompanies, "src")
	assert.Equal(t, "Dissolved", source.String("archived_reason"))
	assert.Equal(t, "tgt", source.String("transferred_to_id"))
}

func TestEngine_Preview(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	seedCompanies(t, st)
	e := newEngine(t, st)

	preview, err := e.Preview(ctx, models.EntityTypeCompany, "src", "tgt")
	require.NoError(t, err)

	assert.True(t, preview.Allowed)
	assert.Equal(t, "Acme", preview.Source)
	assert.Equal(t, "Acme Ltd", preview.Target)
	assert.Contains(t, preview.Summary, "4 interactions")
	assert.Contains(t, preview.Summary, "2 contacts")
	assert.Contains(t, preview.Summary, "1 order")
	assert.Equal(t, 0, count(t, st, schema.TableAuditRevisions), "preview does not write")

	require.NoError(t, st.Update(ctx, schema.TableCompanies, "tgt", store.Row{"archived": true}))
	preview, err = e.Preview(ctx, models.EntityTypeCompany, "src", "tgt")
	require.NoError(t, err)
	assert.False(t, preview.Allowed)
	assert.True(t, preview.SourceValid)
	assert.False(t, preview.TargetValid)
}

func TestEngine_LockAndEvents(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	seedCompanies(t, st)
	locker := &recordingLocker{}
	publisher := &recordingPublisher{err: errors.New("broker down")}
	e := newEngine(t, st, WithLocker(locker), WithPublisher(publisher), WithLockTTL(time.Minute))

	result, err := e.Merge(ctx, models.EntityTypeCompany, "src", "tgt", "a1")
	require.NoError(t, err, "publishing is best-effort")

	assert.Equal(t, []string{"datahub:merge:company:src"}, locker.keys)
	assert.Equal(t, []time.Duration{time.Minute}, locker.ttls)

	require.Len(t, publisher.events, 1)
	event := publisher.events[0]
	assert.Equal(t, models.EntityTypeCompany, event.EntityType)
	assert.Equal(t, "src", event.SourceID)
	assert.Equal(t, "tgt", event.TargetID)
	assert.Equal(t, result, event.Result)
	assert.NotEmpty(t, event.RevisionID)
}

func TestEngine_UnknownEntityType(t *testing.T) {
	st := newStore(t)
	e := newEngine(t, st)

	_, err := e.Plan(context.Background(), models.EntityType("order"), "x")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))
}
