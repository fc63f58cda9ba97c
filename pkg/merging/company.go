package merging

import (
	"github.com/Ramsey-B/datahub/pkg/models"
	"github.com/Ramsey-B/datahub/pkg/schema"
	"github.com/Ramsey-B/datahub/pkg/store"
)

// CompanyMergedComment tags the audit revision of a company merge.
const CompanyMergedComment = "Company merged"

// CompanyConfig is the merge configuration for companies.
func CompanyConfig() EntityConfig {
	return EntityConfig{
		Type:    models.EntityTypeCompany,
		Table:   schema.TableCompanies,
		Comment: CompanyMergedComment,
		Configurations: []Configuration{
			{
				Model:  schema.TableInteractions,
				Fields: []string{"company", "companies"},
				// activities follow their interaction
				Cascades: []Cascade{{Table: schema.TableCompanyActivities, LinkColumn: "interaction_id", Column: "company_id"}},
				Label:    "interaction",
				Plural:   "interactions",
			},
			{
				Model:  schema.TableContacts,
				Fields: []string{"company"},
				Label:  "contact",
				Plural: "contacts",
			},
			{
				Model:  schema.TableInvestmentProjects,
				Fields: []string{"investor_company", "intermediate_company", "uk_company"},
				Label:  "investment project",
				Plural: "investment projects",
			},
			{
				Model:    schema.TableLargeCapitalOpportunities,
				Fields:   []string{"promoters"},
				Strategy: SkipIfExists(),
				Label:    "large capital opportunity",
				Plural:   "large capital opportunities",
			},
			{
				Model:  schema.TableOrders,
				Fields: []string{"company"},
				Label:  "order",
				Plural: "orders",
			},
			{
				Model:    schema.TableCompanyReferrals,
				Fields:   []string{"company"},
				Cascades: []Cascade{{Table: schema.TableCompanyActivities, LinkColumn: "referral_id", Column: "company_id"}},
				Label:    "company referral",
				Plural:   "company referrals",
			},
			{
				Model:    schema.TableCompanyListItems,
				Fields:   []string{"company"},
				Strategy: DedupeBy("list_id"),
				Label:    "company list item",
				Plural:   "company list items",
			},
			{
				Model:    schema.TablePipelineItems,
				Fields:   []string{"company"},
				Strategy: DedupeBy("adviser_id"),
				Label:    "pipeline item",
				Plural:   "pipeline items",
			},
			{
				Model:    schema.TableOneListCoreTeamMembers,
				Fields:   []string{"company"},
				Strategy: SkipIfExists("adviser_id"),
				Label:    "One List core team member",
				Plural:   "One List core team members",
			},
			{
				Model:    schema.TableCompanyExportCountries,
				Fields:   []string{"company"},
				Strategy: DedupeBy("country"),
				Label:    "export country",
				Plural:   "export countries",
			},
			{
				Model:  schema.TableCompanyActivities,
				Fields: []string{"company"},
				Strategy: DerivedFrom(
					Link{Column: "interaction_id", Trigger: schema.RelationKey(schema.TableInteractions, "company")},
					Link{Column: "referral_id", Trigger: schema.RelationKey(schema.TableCompanyReferrals, "company")},
				),
				Label:  "company activity",
				Plural: "company activities",
			},
		},
		Allowed: []string{
			schema.RelationKey(schema.TableCompanyExportCountryHistory, "company"),
			schema.RelationKey(schema.TableCompanies, "transferred_to"),
		},
		DisplayName: func(row store.Row) string {
			return row.String("name")
		},
	}
}
